package codec

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultFamilyName is the family used when none is configured. It accepts any
// packet id.
const DefaultFamilyName = "default"

// Family is the set of packet kinds expected in one traffic direction, keyed
// by the leading packet id of each frame.
type Family struct {
	Name         string
	AllowUnknown bool

	kinds map[int32]string
}

// Kind is one registered packet id and its display name.
type Kind struct {
	ID   int32
	Name string
}

// NewFamily returns a family over kinds. The map is copied.
func NewFamily(name string, allowUnknown bool, kinds map[int32]string) *Family {
	f := &Family{
		Name:         name,
		AllowUnknown: allowUnknown,
		kinds:        make(map[int32]string, len(kinds)),
	}
	for id, n := range kinds {
		f.kinds[id] = n
	}
	return f
}

// Lookup returns the registered name of id.
func (f *Family) Lookup(id int32) (string, bool) {
	name, ok := f.kinds[id]
	return name, ok
}

// Label returns the registered name of id, or a placeholder for unknown ids.
func (f *Family) Label(id int32) string {
	if name, ok := f.kinds[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", id)
}

// Kinds returns the registered kinds ordered by id.
func (f *Family) Kinds() []Kind {
	out := make([]Kind, 0, len(f.kinds))
	for id, name := range f.kinds {
		out = append(out, Kind{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve returns the name for id, or ErrUnknownPacket when the family is strict.
func (f *Family) resolve(id int32) (string, error) {
	if name, ok := f.kinds[id]; ok {
		return name, nil
	}
	if !f.AllowUnknown {
		return "", fmt.Errorf("%w: 0x%02X in family %q", ErrUnknownPacket, id, f.Name)
	}
	return f.Label(id), nil
}

// Registry holds the families known to the process.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*Family
}

// NewRegistry returns a registry holding only the permissive default family.
func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*Family)}
	r.families[DefaultFamilyName] = NewFamily(DefaultFamilyName, true, nil)
	return r
}

// Register adds f. Names are unique; the default family may be replaced once.
func (r *Registry) Register(f *Family) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Name == "" {
		return fmt.Errorf("codec: family without a name")
	}
	if existing, ok := r.families[f.Name]; ok && !(f.Name == DefaultFamilyName && len(existing.kinds) == 0) {
		return fmt.Errorf("codec: family '%s' already registered", f.Name)
	}
	r.families[f.Name] = f
	return nil
}

// Get returns the family called name.
func (r *Registry) Get(name string) (*Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = DefaultFamilyName
	}
	f, ok := r.families[name]
	if !ok {
		return nil, fmt.Errorf("codec: family '%s' not found", name)
	}
	return f, nil
}

// Names returns the registered family names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
