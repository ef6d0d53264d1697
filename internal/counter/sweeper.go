package counter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the Sweeper runs when none is configured.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes expired counters from a Store.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
// A Sweeper that has been stopped does not start again.
func (s *Sweeper) Start(ctx context.Context) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the loop to exit. It is safe to call before Start and more
// than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in counter sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if removed := s.store.SweepExpired(); removed > 0 {
		s.logger.Debug("swept expired counters", "removed", removed, "remaining", s.store.Size())
	}
}
