package work

import (
	"sort"
	"sync"
)

// Registry is the catalog of maintenance work the engine knows how to do:
// the review expiry sweep, index rebuilds, checkpoints, backups. Work types
// are registered once at wire time; the processor reads the catalog on
// every scan.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*WorkType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*WorkType)}
}

// Register adds a work type, replacing any previous registration with the
// same ID.
func (r *Registry) Register(wt *WorkType) {
	r.mu.Lock()
	r.types[wt.ID] = wt
	r.mu.Unlock()
}

// Get returns the work type with the given ID, or nil.
func (r *Registry) Get(id string) *WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// Has reports whether a work type is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[id]
	return ok
}

// Count returns the number of registered work types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// ByPriority returns the registered work types, highest priority first.
// Equal priorities order alphabetically by ID so scans are deterministic.
func (r *Registry) ByPriority() []*WorkType {
	r.mu.RLock()
	ordered := make([]*WorkType, 0, len(r.types))
	for _, wt := range r.types {
		ordered = append(ordered, wt)
	}
	r.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// IDs returns the registered work type IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
