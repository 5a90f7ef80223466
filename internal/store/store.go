// Package store implements the shared, concurrently accessed packet log.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/inspector/internal/core"
)

// RepaintSink receives a best-effort "data changed" notification. Implementations
// must not block.
type RepaintSink interface {
	RequestRepaint()
}

// Observer is told about every added packet, after the store lock is released.
// Implementations must not block.
type Observer interface {
	Observe(Packet)
}

// Option configures a Store.
type Option func(*Store)

// WithRepaintSink sets the sink notified on Add and Clear.
func WithRepaintSink(sink RepaintSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithObserver adds an observer of added packets.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// WithMaxPackets keeps only the newest n packets. Zero means unbounded.
func WithMaxPackets(n int) Option {
	return func(s *Store) { s.maxPackets = n }
}

// WithExporter sets the exporter used by Save.
func WithExporter(e Exporter) Option {
	return func(s *Store) { s.exporter = e }
}

// WithExclude skips packets with these names in Save.
func WithExclude(names ...string) Option {
	return func(s *Store) {
		for _, n := range names {
			s.exclude[n] = struct{}{}
		}
	}
}

// Store is the ordered packet log of one session plus the viewer's selection
// and filter. Sequence, selection, filter and id counter are guarded by one
// lock. A panic while the lock is held poisons the store: every later call
// panics with core.ErrLockPoisoned.
type Store struct {
	mu       sync.RWMutex
	packets  []Packet
	nextID   uint64
	selected *uint64
	filter   string

	maxPackets int
	sink       RepaintSink
	observers  []Observer
	exporter   Exporter
	exclude    map[string]struct{}

	poisoned atomic.Bool
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		exporter: TextExporter{},
		exclude:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add assigns the next id to p, appends it and notifies the repaint sink and
// observers. It returns the stored packet.
func (s *Store) Add(p Packet) Packet {
	s.write(func() {
		p.ID = s.nextID
		p.Selected = false
		s.nextID++
		s.packets = append(s.packets, p)
		if s.maxPackets > 0 && len(s.packets) > s.maxPackets {
			n := copy(s.packets, s.packets[len(s.packets)-s.maxPackets:])
			clear(s.packets[n:])
			s.packets = s.packets[:n]
		}
	})

	s.repaint()
	for _, o := range s.observers {
		o.Observe(p)
	}
	return p
}

// Clear empties the log and the selection. Ids keep increasing afterwards.
func (s *Store) Clear() {
	s.write(func() {
		s.packets = nil
		s.selected = nil
	})
	s.repaint()
}

// SetSelected marks id as the selected packet. The id is not validated.
func (s *Store) SetSelected(id uint64) {
	s.write(func() {
		s.selected = &id
	})
}

// SetFilter replaces the filter text and clears the selection.
func (s *Store) SetFilter(filter string) {
	s.write(func() {
		s.filter = filter
		s.selected = nil
	})
}

// Len returns the number of packets in the log.
func (s *Store) Len() (n int) {
	s.read(func() { n = len(s.packets) })
	return n
}

// Selected returns the selected id, if any.
func (s *Store) Selected() (id uint64, ok bool) {
	s.read(func() {
		if s.selected != nil {
			id, ok = *s.selected, true
		}
	})
	return id, ok
}

// Filter returns the current filter text.
func (s *Store) Filter() (f string) {
	s.read(func() { f = s.filter })
	return f
}

// Get returns the packet with the given id if it is still in the log.
func (s *Store) Get(id uint64) (p Packet, ok bool) {
	s.read(func() {
		if len(s.packets) == 0 {
			return
		}
		first := s.packets[0].ID
		if id < first || id-first >= uint64(len(s.packets)) {
			return
		}
		p, ok = s.packets[id-first], true
		p.Selected = s.selected != nil && *s.selected == id
	})
	return p, ok
}

// Snapshot is a consistent copy of the store for viewers.
type Snapshot struct {
	Packets  []Packet `json:"packets"`
	Selected *uint64  `json:"selected"`
	Filter   string   `json:"filter"`
}

// Snapshot copies the log, selection and filter under one read lock.
func (s *Store) Snapshot() (snap Snapshot) {
	s.read(func() {
		snap.Packets = make([]Packet, len(s.packets))
		copy(snap.Packets, s.packets)
		if s.selected != nil {
			id := *s.selected
			snap.Selected = &id
			for i := range snap.Packets {
				snap.Packets[i].Selected = snap.Packets[i].ID == id
			}
		}
		snap.Filter = s.filter
	})
	return snap
}

// Visible returns the snapshot rows matching its filter.
func (snap Snapshot) Visible() []Packet {
	if snap.Filter == "" {
		return snap.Packets
	}
	out := make([]Packet, 0, len(snap.Packets))
	for _, p := range snap.Packets {
		if p.Matches(snap.Filter) {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the log to path with the configured exporter, leaving out
// excluded packet names.
func (s *Store) Save(path string) error {
	snap := s.Snapshot()
	rows := make([]Packet, 0, len(snap.Packets))
	for _, p := range snap.Packets {
		if _, skip := s.exclude[p.Name]; skip {
			continue
		}
		rows = append(rows, p)
	}
	if err := s.exporter.Export(path, rows); err != nil {
		return fmt.Errorf("store: save %s: %w", path, err)
	}
	return nil
}

func (s *Store) repaint() {
	if s.sink != nil {
		s.sink.RequestRepaint()
	}
}

func (s *Store) write(fn func()) {
	s.checkPoisoned()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.poisonOnPanic()
	fn()
}

func (s *Store) read(fn func()) {
	s.checkPoisoned()
	s.mu.RLock()
	defer s.mu.RUnlock()
	defer s.poisonOnPanic()
	fn()
}

func (s *Store) poisonOnPanic() {
	if r := recover(); r != nil {
		s.poisoned.Store(true)
		panic(r)
	}
}

func (s *Store) checkPoisoned() {
	if s.poisoned.Load() {
		panic(fmt.Errorf("store: %w", core.ErrLockPoisoned))
	}
}
