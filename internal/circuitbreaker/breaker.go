// Package circuitbreaker provides the closed → open → half-open breaker that
// guards calls to the upstream protection provider.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: upstream calls are attempted
	StateOpen                  // Tripped: upstream is skipped entirely
	StateHalfOpen              // One call may test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so snapshots serialize readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults applied when New receives non-positive values.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
	}, []string{"breaker", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shieldgate",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state (0=closed, 1=open, 2=half_open).",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastFailureAt       *time.Time    `json:"lastFailureAt"`
	FailureThreshold    int           `json:"failureThreshold"`
	ResetTimeout        time.Duration `json:"-"`
	ResetTimeoutMs      int64         `json:"resetTimeoutMs"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithName labels the breaker in metrics and logs.
func WithName(name string) Option {
	return func(b *Breaker) {
		if name != "" {
			b.name = name
		}
	}
}

// Breaker tracks consecutive failures of a single dependency. It trips open
// when failures reach the threshold and, after resetTimeout, moves to
// half-open where one trial call is let through.
//
// All methods are safe for concurrent use. Critical sections never do I/O.
type Breaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	lastFailure  time.Time
	inTrial      bool
	trialStarted time.Time
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	onTransition func(from, to State) // optional callback for logging
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for resetTimeout before admitting a trial call.
func New(threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	b := &Breaker{
		name:         "upstream",
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	cbState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether the caller should attempt the upstream call.
// In half-open only one trial call is admitted at a time; a trial call that never
// reports back is abandoned after resetTimeout so the breaker cannot wedge.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		now := b.now()
		if b.inTrial && now.Sub(b.trialStarted) < b.resetTimeout {
			return false
		}
		b.inTrial = true
		b.trialStarted = now
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful upstream call. It resets the failure
// count and closes a half-open circuit. An open circuit is left open: it
// only exits through the reset timeout.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	b.inTrial = false

	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed)
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed upstream call. Reaching the threshold while
// closed, or any failure while half-open, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	b.inTrial = false
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state, promoting open to half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	s := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.threshold,
		ResetTimeout:        b.resetTimeout,
		ResetTimeoutMs:      b.resetTimeout.Milliseconds(),
	}
	if !b.lastFailure.IsZero() {
		ts := b.lastFailure
		s.LastFailureAt = &ts
	}
	return s
}

// ForceReset unconditionally closes the circuit and clears all counters.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	b.inTrial = false
	b.transition(StateClosed)
}

// Name returns the breaker label.
func (b *Breaker) Name() string {
	return b.name
}

// advance moves open to half-open once the reset timeout has elapsed.
// Caller must hold b.mu.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.inTrial = false
		b.transition(StateHalfOpen)
	}
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	cbStateTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	cbState.WithLabelValues(b.name).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(from, to)
	}
}
