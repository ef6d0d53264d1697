package protection

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/shieldgate/internal/circuitbreaker"
)

// CircuitBreaker is the breaker surface the adapter needs.
type CircuitBreaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	State() circuitbreaker.State
}

// Adapter picks the live or fallback provider based on breaker state and
// absorbs every upstream failure. Evaluate never returns an error.
type Adapter struct {
	live     Provider
	fallback Provider
	breaker  CircuitBreaker
	logger   *slog.Logger
	now      func() time.Time

	warn       rate.Sometimes
	suppressed atomic.Int64
}

// NewAdapter creates an adapter. A nil live provider means the upstream is
// unconfigured and every request is evaluated by fallback.
func NewAdapter(live, fallback Provider, breaker CircuitBreaker, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		live:     live,
		fallback: fallback,
		breaker:  breaker,
		logger:   logger,
		now:      time.Now,
		warn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Live reports whether an upstream provider is configured.
func (a *Adapter) Live() bool {
	return a.live != nil
}

// Evaluate produces a Decision for rc against rs.
func (a *Adapter) Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) Decision {
	start := a.now()
	d := a.evaluate(ctx, rc, rs)
	elapsed := a.now().Sub(start)
	d.LatencyMs = float64(elapsed.Microseconds()) / 1000
	if rs != nil {
		d.RuleSet = rs.Name
	}

	evaluationDuration.WithLabelValues(string(d.Source)).Observe(elapsed.Seconds())
	outcome := "allowed"
	if d.Blocked() {
		outcome = "blocked"
	}
	decisionsTotal.WithLabelValues(string(d.Reason), string(d.Source), outcome).Inc()
	return d
}

func (a *Adapter) evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) Decision {
	if a.live == nil || rs == nil || rs.Len() == 0 || !a.breaker.Allow() {
		upstreamCalls.WithLabelValues("skipped").Inc()
		return a.runFallback(ctx, rc, rs)
	}

	d, err := a.live.Evaluate(ctx, rc, rs)
	if err == nil {
		upstreamCalls.WithLabelValues("ok").Inc()
		a.breaker.RecordSuccess()
		return d
	}

	// The caller went away; that says nothing about upstream health.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		upstreamCalls.WithLabelValues("canceled").Inc()
		return a.runFallback(ctx, rc, rs)
	}

	result := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	upstreamCalls.WithLabelValues(result).Inc()
	a.breaker.RecordFailure()
	a.warnUpstream(err, rs)
	return a.runFallback(ctx, rc, rs)
}

func (a *Adapter) runFallback(ctx context.Context, rc *RequestContext, rs *RuleSet) Decision {
	d, err := a.fallback.Evaluate(ctx, rc, rs)
	if err != nil {
		a.logger.Error("fallback evaluation failed, allowing request", "error", err)
		failOpenTotal.Inc()
		return allowDecision(SourceFallback)
	}
	return d
}

func (a *Adapter) warnUpstream(err error, rs *RuleSet) {
	logged := false
	a.warn.Do(func() {
		logged = true
		a.logger.Warn("upstream protection call failed, using fallback",
			"error", err,
			"rule_set", rs.Name,
			"breaker_state", a.breaker.State().String(),
			"suppressed", a.suppressed.Swap(0),
		)
	})
	if !logged {
		a.suppressed.Add(1)
	}
}
