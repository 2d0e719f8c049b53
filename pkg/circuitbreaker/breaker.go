// Package circuitbreaker stops calling a dependency after repeated failures
// and lets a single probe through once a cooldown has passed.
//
// A breaker starts Closed. Threshold consecutive counted failures open it;
// while Open every call is rejected with ErrOpen. After Cooldown the next
// call becomes the HalfOpen probe: its success closes the breaker, its
// failure opens it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State is the position of a breaker.
type State int

// Breaker states
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Name      string        // reported to OnStateChange; set per key by a Registry
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // open period before a probe is allowed (default: 30s)

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker's lock and must not block.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single dependency.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
}

func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) report(t *transition) {
	if t != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

// Allow reports whether a call may go ahead. Only one half-open probe is
// let through until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var t *transition
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) <= b.cfg.Cooldown {
			allowed = false
			break
		}
		t = b.setState(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			allowed = false
			break
		}
		b.probing = true
	}
	b.mu.Unlock()

	b.report(t)
	return allowed
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	t := b.setState(Closed)
	b.mu.Unlock()

	b.report(t)
}

// RecordFailure counts a failure. A failed probe, or reaching the
// threshold, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	var t *transition
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		t = b.setState(Open)
	}
	b.mu.Unlock()

	b.report(t)
}

// Execute runs fn when the breaker allows it and records the outcome.
// Errors for which countable returns false (e.g. 4xx responses) are returned
// without counting as a failure. A nil countable counts every error.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
