package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry hands out one breaker per provider, created lazily on first
// use. All calls to the same provider, from any sync or webhook path,
// share the same breaker so its failure window sees all traffic.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults func(name string) Config
	logger   *zap.Logger
}

// NewRegistry creates a registry. defaults may be nil, in which case
// DefaultConfig is used for every provider.
func NewRegistry(defaults func(name string) Config, logger *zap.Logger) *Registry {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

// For returns the breaker for a provider, creating it on first use.
func (r *Registry) For(provider string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[provider]
	if !ok {
		cb = New(r.defaults(provider), r.logger)
		r.breakers[provider] = cb
	}
	return cb
}

// AllStats returns stats for every breaker, sorted by name.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
