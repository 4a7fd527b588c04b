// Package health runs named dependency checks for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latencyNs"`
}

// Checker checks one dependency.
type Checker func(ctx context.Context) Status

// Pinger is anything with a liveness probe, such as a graph store or a
// Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports p healthy when Ping succeeds.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks time out after timeout
// (DefaultTimeout when zero).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. Statuses keep registration
// order. A checker that overruns the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "check timed out"}
	}
	s.Name = nc.name
	s.Latency = time.Since(start)
	return s
}
