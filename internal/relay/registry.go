package relay

import (
	"slices"
	"sort"
	"sync"

	"firestige.xyz/inspector/internal/metrics"
	"firestige.xyz/inspector/internal/store"
)

// Registry tracks sessions by id: live ones, and up to a retained number of
// finished ones whose logs stay viewable. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	sessions map[uint64]*Session
	retain   int
	finished []uint64 // oldest first
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetainClosed keeps the n most recently finished sessions after Finish.
// With 0 a finished session is forgotten immediately.
func WithRetainClosed(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.retain = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[uint64]*Session)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextID reserves a session id. Ids start at 1 and are never reused.
func (r *Registry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// Add registers s. An existing session with the same id is replaced.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	_, exists := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()
	if !exists {
		metrics.ActiveSessions.Inc()
	}
}

// Finish records that session id has ended. It is kept for viewing if the
// registry retains closed sessions, evicting the oldest finished one beyond
// the limit.
func (r *Registry) Finish(id uint64) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok || r.isFinished(id) {
		r.mu.Unlock()
		return
	}
	if r.retain == 0 {
		delete(r.sessions, id)
	} else {
		r.finished = append(r.finished, id)
		for len(r.finished) > r.retain {
			delete(r.sessions, r.finished[0])
			r.finished = r.finished[1:]
		}
	}
	r.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

// Remove forgets the session with id, live or finished.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	_, exists := r.sessions[id]
	live := exists && !r.isFinished(id)
	delete(r.sessions, id)
	r.finished = slices.DeleteFunc(r.finished, func(f uint64) bool { return f == id })
	r.mu.Unlock()
	if live {
		metrics.ActiveSessions.Dec()
	}
}

// Finished reports whether session id is registered and has ended.
func (r *Registry) Finished(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isFinished(id)
}

func (r *Registry) isFinished(id uint64) bool {
	return slices.Contains(r.finished, id)
}

// Get returns the session with id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Store returns the packet store of session id.
func (r *Registry) Store(id uint64) (*store.Store, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.Store(), true
}

// Count returns the number of registered sessions, finished ones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Live returns the number of registered sessions that have not finished.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) - len(r.finished)
}

// List describes every registered session ordered by id.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	infos := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

// CloseAll closes every registered session and waits for them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}
