package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/istari-ai/istari/internal"
)

// Registry maps provider keys to gateway.Provider adapters.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]gateway.Provider)}
}

// Register adds an adapter under the given provider key.
// It overwrites any previously registered adapter with the same key.
func (r *Registry) Register(key string, p gateway.Provider) {
	r.mu.Lock()
	r.providers[key] = p
	r.mu.Unlock()
}

// Get returns the adapter registered under key, or an error if not found.
func (r *Registry) Get(key string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", key)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	keys := slices.Collect(func(yield func(string) bool) {
		for key := range r.providers {
			if !yield(key) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}
