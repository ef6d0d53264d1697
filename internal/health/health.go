// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Overall status values reported by Summarize.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health of a single subsystem.
// A degraded subsystem still serves traffic, just not at full fidelity.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Summarize folds subsystem results into a single overall status.
func Summarize(statuses []Status) string {
	overall := StatusHealthy
	for _, s := range statuses {
		if !s.Healthy {
			return StatusUnhealthy
		}
		if s.Degraded {
			overall = StatusDegraded
		}
	}
	return overall
}

// BreakerCheck reports the provider breaker. An open or half-open breaker
// means decisions come from the local fallback, which is degraded but healthy.
func BreakerCheck(name string, state func() string) Checker {
	return func(_ context.Context) Status {
		s := state()
		return Status{
			Name:     name,
			Healthy:  true,
			Degraded: s != "closed",
			Detail:   s,
		}
	}
}

// Pinger is implemented by clients that can ping their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck marks the subsystem unhealthy when the ping fails. Use degradeOnly
// for optional backends whose loss does not stop request handling.
func PingCheck(name string, p Pinger, degradeOnly bool) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: degradeOnly, Degraded: degradeOnly, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// CapacityCheck degrades once size reaches the configured ceiling.
func CapacityCheck(name string, size func() int, limit int) Checker {
	return func(_ context.Context) Status {
		n := size()
		st := Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d/%d", n, limit)}
		if limit > 0 && n >= limit {
			st.Degraded = true
		}
		return st
	}
}
