package counter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts ...Option) (*Store, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func TestIncrementAndCheck_FirstHitStartsWindow(t *testing.T) {
	s, _ := newTestStore()

	res := s.IncrementAndCheck("1.2.3.4", time.Minute, 60)
	assert.Equal(t, 1, res.Count)
	assert.False(t, res.Limited)
	assert.Equal(t, time.Minute, res.ResetIn)
	assert.Equal(t, 1, s.Size())
}

func TestIncrementAndCheck_LimitedOnlyAboveMax(t *testing.T) {
	s, clk := newTestStore()

	for i := 1; i <= 60; i++ {
		res := s.IncrementAndCheck("ip", time.Minute, 60)
		require.Equal(t, i, res.Count)
		require.False(t, res.Limited, "hit %d should be allowed", i)
	}

	clk.Advance(20 * time.Second)
	res := s.IncrementAndCheck("ip", time.Minute, 60)
	assert.Equal(t, 61, res.Count)
	assert.True(t, res.Limited)
	assert.Equal(t, 40*time.Second, res.ResetIn)
}

func TestIncrementAndCheck_WindowReset(t *testing.T) {
	s, clk := newTestStore()

	for i := 0; i < 10; i++ {
		s.IncrementAndCheck("k", time.Second, 3)
	}
	clk.Advance(time.Second)

	res := s.IncrementAndCheck("k", time.Second, 3)
	assert.Equal(t, 1, res.Count, "expired window starts fresh regardless of prior count")
	assert.False(t, res.Limited)
}

func TestIncrementAndCheck_MaxBelowOneAlwaysLimits(t *testing.T) {
	s, _ := newTestStore()
	res := s.IncrementAndCheck("k", time.Second, 0)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Limited)
}

func TestIncrementAndCheck_IndependentKeys(t *testing.T) {
	s, _ := newTestStore()
	s.IncrementAndCheck("a", time.Minute, 1)
	s.IncrementAndCheck("a", time.Minute, 1)

	res := s.IncrementAndCheck("b", time.Minute, 1)
	assert.False(t, res.Limited)
	assert.Equal(t, 2, s.Size())
}

func TestIncrementAndCheck_ConcurrentNoLostUpdates(t *testing.T) {
	s, _ := newTestStore()
	const n = 1000
	const max = 250

	var limited atomic.Int64
	var wg sync.WaitGroup
	seen := make([]bool, n+1)
	var seenMu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.IncrementAndCheck("hot", time.Hour, max)
			if res.Limited {
				limited.Add(1)
			}
			assert.Equal(t, res.Count > max, res.Limited)
			seenMu.Lock()
			seen[res.Count] = true
			seenMu.Unlock()
		}()
	}
	wg.Wait()

	e, ok := s.Get("hot")
	require.True(t, ok)
	assert.Equal(t, n, e.Count)
	assert.Equal(t, int64(n-max), limited.Load())
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "count %d never observed", i)
	}
}

func TestSweepExpired(t *testing.T) {
	s, clk := newTestStore()
	s.IncrementAndCheck("short", time.Second, 5)
	s.IncrementAndCheck("long", time.Hour, 5)

	clk.Advance(2 * time.Second)
	removed := s.SweepExpired()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Size())
	_, ok := s.Get("short")
	assert.False(t, ok)
	e, ok := s.Get("long")
	require.True(t, ok)
	assert.Equal(t, 1, e.Count, "sweep must not mutate live counts")
}

func TestMaxEntries_EvictsOldest(t *testing.T) {
	s, clk := newTestStore(WithMaxEntries(1))

	// perShard is 1, so find two keys landing in the same shard.
	first := "key-0"
	var second string
	for i := 1; i < 10_000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if s.shard(k) == s.shard(first) {
			second = k
			break
		}
	}
	require.NotEmpty(t, second)

	s.IncrementAndCheck(first, time.Hour, 5)
	clk.Advance(time.Second)
	s.IncrementAndCheck(second, time.Hour, 5)

	_, ok := s.Get(first)
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = s.Get(second)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Size())
}

func TestSweeper_StartStop(t *testing.T) {
	s := New()
	s.IncrementAndCheck("gone", time.Millisecond, 1)

	sw := NewSweeper(s, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Start(ctx)

	require.Eventually(t, func() bool { return s.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, sw.Running())

	cancel()
	require.Eventually(t, func() bool { return !sw.Running() }, time.Second, 5*time.Millisecond)
}

func TestSweeper_StopBeforeStart(t *testing.T) {
	sw := NewSweeper(New(), time.Hour, nil)
	sw.Stop()
	sw.Stop()

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after an earlier Stop")
	}
	assert.False(t, sw.Running())
}

func TestSweeper_StopEndsRunningLoop(t *testing.T) {
	sw := NewSweeper(New(), time.Hour, nil)
	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, sw.Running, time.Second, time.Millisecond)

	sw.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
