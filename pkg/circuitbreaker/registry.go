package circuitbreaker

import "sync"

// Registry holds one breaker per key, e.g. per notification host, created
// on first use from a shared config.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. Each breaker gets cfg with Name
// set to its key.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		cfg := r.cfg
		cfg.Name = key
		b = New(cfg)
		r.breakers[key] = b
	}
	return b
}

// Stats counts the registry's breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := Stats{Total: len(breakers)}
	for _, b := range breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}
