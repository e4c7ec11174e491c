package work

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered work types
type Registry struct {
	types   map[string]*WorkType
	ordered []*WorkType // highest priority first
	reorder bool
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]*WorkType),
	}
}

// Register adds a work type, replacing any type with the same ID
func (r *Registry) Register(wt *WorkType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[wt.ID] = wt
	r.reorder = true
}

// Validate checks that every work type can run and every dependency is registered
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, wt := range r.types {
		if wt.Execute == nil {
			return fmt.Errorf("work type %s has no Execute", id)
		}
		for _, dep := range wt.DependsOn {
			if _, ok := r.types[dep]; !ok {
				return fmt.Errorf("work type %s depends on unregistered %s", id, dep)
			}
		}
	}
	return nil
}

// Get returns a work type by ID, or nil
func (r *Registry) Get(id string) *WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.types[id]
}

// Has reports whether a work type is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[id]
	return exists
}

// ByPriority returns all work types, highest priority first and by ID within
// a priority. The slice is a copy.
func (r *Registry) ByPriority() []*WorkType {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reorder {
		r.ordered = make([]*WorkType, 0, len(r.types))
		for _, wt := range r.types {
			r.ordered = append(r.ordered, wt)
		}
		sort.Slice(r.ordered, func(i, j int) bool {
			if r.ordered[i].Priority != r.ordered[j].Priority {
				return r.ordered[i].Priority > r.ordered[j].Priority
			}
			return r.ordered[i].ID < r.ordered[j].ID
		})
		r.reorder = false
	}

	result := make([]*WorkType, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Count returns the number of registered work types
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.types)
}

// IDs returns all registered work type IDs, sorted
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
