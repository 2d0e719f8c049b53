// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that can report whether
// they are ready to serve, such as runners.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function, such as a store's Ping, to ReadinessChecker.
type ProbeFunc func(ctx context.Context) error

// Ready calls f.
func (f ProbeFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Check is one named readiness dependency. A failing optional check degrades
// readiness without failing it.
type Check struct {
	Name     string
	Probe    ReadinessChecker
	Optional bool
}

const (
	checkTimeout = 5 * time.Second
	cacheTTL     = time.Second
)

// Checker runs readiness checks and caches the result briefly so frequent
// probes do not hammer the store or the compute service.
type Checker struct {
	checks  []Check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over the given dependencies.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:  checks,
		timeout: checkTimeout,
	}
}

// Liveness reports that the process is up. It checks no dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks every dependency concurrently. Any failing required check
// makes the service unhealthy; failing optional checks make it degraded,
// which still counts as ready.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(c.checks)),
	}
	if len(c.checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["dependencies"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}

	results := make([]CheckResult, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}()
	}
	wg.Wait()

	for i, check := range c.checks {
		result := results[i]
		response.Checks[check.Name] = result
		switch {
		case result.Status == StatusHealthy:
		case check.Optional:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		default:
			response.Status = StatusUnhealthy
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	if check.Probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: check.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Probe.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsReady reports whether the service should receive traffic.
func (r *Response) IsReady() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
