package circuitbreaker

import (
	"sync"
	"time"
)

// MultiBreaker manages per-provider Breaker instances, created lazily with a
// shared config.
type MultiBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config

	now func() time.Time // propagated to created breakers
}

// NewMultiBreaker creates a breaker registry with the given config.
func NewMultiBreaker(cfg Config) *MultiBreaker {
	return &MultiBreaker{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		now:      time.Now,
	}
}

// Get returns the breaker for the given provider name, or nil if none exists.
func (r *MultiBreaker) Get(provider string) *Breaker {
	r.mu.RLock()
	b := r.breakers[provider]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for provider, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *MultiBreaker) GetOrCreate(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(provider, r.config)
	b.now = r.now
	r.breakers[provider] = b
	return b
}

// States returns the current state of every registered breaker.
func (r *MultiBreaker) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State().String()
	}
	return states
}

// AllStats returns snapshots for every registered breaker.
func (r *MultiBreaker) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *MultiBreaker) EvictStale(cutoff time.Time) int {
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
