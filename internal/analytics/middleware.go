package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/shieldgate/internal/protection"
)

var (
	eventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "analytics",
		Name:      "events_total",
		Help:      "Decision events handed to the analytics sink, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(eventsRecorded)
}

const recordTimeout = 500 * time.Millisecond

// Middleware records the decision attached by the protection middleware.
// Register it before the protection middleware: it runs its work after
// c.Next() so it also sees requests the protection stage aborted.
func Middleware(rec Recorder, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		c.Next()

		d, ok := protection.DecisionFrom(c)
		if !ok {
			return
		}
		// Proxied traffic is served by NoRoute and has no route pattern.
		route := c.FullPath()
		if route == "" {
			route = NormalizePath(c.Request.URL.Path)
		}
		ev := FromDecision(d, c.Request.Method, route, c.Writer.Status(), time.Now())

		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), recordTimeout)
		defer cancel()
		if err := rec.Record(ctx, ev); err != nil {
			eventsRecorded.WithLabelValues("error").Inc()
			logger.Warn("analytics record failed", "error", err, "decision_id", d.ID)
			return
		}
		eventsRecorded.WithLabelValues("ok").Inc()
	}
}

// AsyncRecorder decouples a slow sink from the request path. Events are
// dropped when the buffer is full.
type AsyncRecorder struct {
	next    Recorder
	events  chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	started sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder wraps next with a buffer of size buffer.
func NewAsyncRecorder(next Recorder, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncRecorder{next: next, events: make(chan Event, buffer), logger: logger}
}

// Record enqueues ev without blocking. Events after Stop are dropped.
func (a *AsyncRecorder) Record(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		eventsRecorded.WithLabelValues("dropped").Inc()
		return nil
	}
	select {
	case a.events <- ev:
		return nil
	default:
		eventsRecorded.WithLabelValues("dropped").Inc()
		return nil
	}
}

// Start launches the drain loop.
func (a *AsyncRecorder) Start() {
	a.started.Do(func() {
		a.wg.Add(1)
		go a.run()
	})
}

// Stop flushes buffered events and waits for the loop to exit.
func (a *AsyncRecorder) Stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AsyncRecorder) run() {
	defer a.wg.Done()
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *AsyncRecorder) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in analytics sink", "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := a.next.Record(ctx, ev); err != nil {
		eventsRecorded.WithLabelValues("error").Inc()
		a.logger.Warn("analytics sink failed", "error", err, "decision_id", ev.DecisionID)
	}
}
