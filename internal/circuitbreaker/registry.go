package circuitbreaker

import (
	"sync"
	"time"
)

// Registry manages per-provider Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	onChange func(providerKey string, from, to State)
}

// NewRegistry creates a circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// OnStateChange registers a callback applied to every breaker the registry
// creates (and retroactively to existing ones).
func (r *Registry) OnStateChange(fn func(providerKey string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for key, b := range r.breakers {
		b.OnStateChange(func(from, to State) { fn(key, from, to) })
	}
}

// Get returns the breaker for the given provider key, or nil if none exists.
func (r *Registry) Get(providerKey string) *Breaker {
	r.mu.RLock()
	b := r.breakers[providerKey]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for providerKey, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(providerKey string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerKey]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerKey]; ok {
		return b
	}
	b = NewBreaker(r.config)
	if r.onChange != nil {
		key := providerKey
		b.OnStateChange(func(from, to State) { r.onChange(key, from, to) })
	}
	r.breakers[providerKey] = b
	return b
}

// States returns a snapshot of provider key -> state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
