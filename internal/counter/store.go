// Package counter implements the in-memory fixed-window counter store used
// by the local fallback evaluator.
//
// Keys are spread over a fixed set of shards, each guarded by its own mutex,
// so increments for the same key are linearizable while unrelated keys rarely
// contend. Entries expire when their window elapses; expired entries are reset
// on access and removed by SweepExpired.
package counter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// DefaultMaxEntries bounds memory when no explicit limit is configured.
const DefaultMaxEntries = 100_000

// Entry is the state of one fixed window.
type Entry struct {
	Key         string
	Count       int
	WindowStart time.Time
	Window      time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return e.Window <= 0 || now.Sub(e.WindowStart) >= e.Window
}

// Result is the outcome of one IncrementAndCheck call.
type Result struct {
	// Count is the number of hits in the current window, including this one.
	Count int
	// Limited is true when Count exceeds the configured max.
	Limited bool
	// ResetIn is the time left until the current window ends.
	ResetIn time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Store is a sharded fixed-window counter map.
type Store struct {
	shards   [shardCount]shard
	perShard int
	now      func() time.Time
	size     atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxEntries bounds the number of live keys. When a shard is full, its
// expired entries are dropped first, then the oldest window is evicted.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.perShard = (n + shardCount - 1) / shardCount
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		perShard: (DefaultMaxEntries + shardCount - 1) / shardCount,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementAndCheck counts one hit for key in a fixed window of the given
// length and reports whether the count now exceeds max.
//
// A missing or expired entry starts a fresh window with count 1. A max below
// one limits every hit. A non-positive window never accumulates: each call
// starts a new window.
func (s *Store) IncrementAndCheck(key string, window time.Duration, max int) Result {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[key]
	if !ok {
		if len(sh.entries) >= s.perShard {
			s.evictLocked(sh, now)
		}
		e = &Entry{Key: key}
		sh.entries[key] = e
		s.size.Add(1)
		counterEntries.Set(float64(s.size.Load()))
	}

	if !ok || e.expired(now) {
		e.Count = 1
		e.WindowStart = now
		e.Window = window
		return Result{Count: 1, Limited: max < 1, ResetIn: max0(window)}
	}

	e.Count++
	return Result{
		Count:   e.Count,
		Limited: e.Count > max,
		ResetIn: max0(e.Window - now.Sub(e.WindowStart)),
	}
}

// Get returns a copy of the entry for key, if any.
func (s *Store) Get(key string) (Entry, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SweepExpired removes entries whose window has elapsed and returns the
// number removed. It never touches live windows.
func (s *Store) SweepExpired() int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		now := s.now()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.size.Add(-int64(removed))
		counterSwept.Add(float64(removed))
	}
	counterEntries.Set(float64(s.size.Load()))
	return removed
}

// Size returns the number of tracked keys.
func (s *Store) Size() int {
	return int(s.size.Load())
}

// evictLocked frees room in a full shard. Caller must hold sh.mu.
func (s *Store) evictLocked(sh *shard, now time.Time) {
	removed := 0
	for k, e := range sh.entries {
		if e.expired(now) {
			delete(sh.entries, k)
			removed++
		}
	}
	if removed == 0 {
		var oldestKey string
		var oldest time.Time
		for k, e := range sh.entries {
			if oldestKey == "" || e.WindowStart.Before(oldest) {
				oldestKey, oldest = k, e.WindowStart
			}
		}
		if oldestKey != "" {
			delete(sh.entries, oldestKey)
			removed = 1
		}
	}
	if removed > 0 {
		s.size.Add(-int64(removed))
		counterEvicted.Add(float64(removed))
	}
}

func (s *Store) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
