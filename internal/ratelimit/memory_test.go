package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst, WithClock(clk.Now))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clk
}

func TestMemoryLimiterNudgeBurstThenDenied(t *testing.T) {
	// One nudge every 10s, three back to back.
	m, clk := newMemory(t, 0.1, 3)
	ctx := context.Background()

	for i := range 3 {
		res, err := m.Allow(ctx, "nudge:alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "nudge %d", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clk.Now().Add(10*time.Second), res.ResetAt)
	assert.Equal(t, 10*time.Second, res.RetryAfter(clk.Now()))
}

func TestMemoryLimiterRetryAfterShrinksAsTokenRefills(t *testing.T) {
	m, clk := newMemory(t, 0.1, 1)
	ctx := context.Background()

	res, err := m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clk.Advance(4 * time.Second)
	res, err = m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 6*time.Second, res.RetryAfter(clk.Now()))

	clk.Advance(7 * time.Second)
	res, err = m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the next token has landed")
}

func TestMemoryLimiterCreateAndNudgeKeysAreIndependent(t *testing.T) {
	m, _ := newMemory(t, 0.1, 1)
	ctx := context.Background()

	for _, key := range []string{"nudge:alice", "create:alice", "nudge:bob"} {
		res, err := m.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, res.Allowed, key)
	}
	res, err := m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clk := newMemory(t, 1, 2)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "create:alice")
	clk.Advance(time.Hour)

	for i := range 2 {
		res, err := m.Allow(ctx, "create:alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d after idle", i+1)
	}
	res, err := m.Allow(ctx, "create:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "an idle hour does not bank more than the burst")
}

func TestMemoryLimiterAllowedResultReportsFullRefill(t *testing.T) {
	m, clk := newMemory(t, 0.5, 2)

	res, err := m.Allow(context.Background(), "create:alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, clk.Now().Add(2*time.Second), res.ResetAt)
}

func TestMemoryLimiterWithoutRefill(t *testing.T) {
	m, clk := newMemory(t, 0, 1)
	ctx := context.Background()

	res, err := m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clk.Advance(time.Hour)
	res, err = m.Allow(ctx, "nudge:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, idleEviction, res.RetryAfter(clk.Now()))
}

func TestMemoryLimiterConcurrentNudges(t *testing.T) {
	m, _ := newMemory(t, 0.001, 20)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				res, err := m.Allow(ctx, "nudge:shared")
				assert.NoError(t, err)
				if res.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

func TestMemoryLimiterForgetsIdleKeys(t *testing.T) {
	m, clk := newMemory(t, 0.1, 1)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "nudge:idle")
	clk.Advance(5 * time.Minute)
	_, _ = m.Allow(ctx, "nudge:recent")
	clk.Advance(6 * time.Minute)
	m.forgetIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "nudge:idle")
	assert.Contains(t, m.buckets, "nudge:recent")
}

func TestMemoryLimiterCloseTwice(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		res, err := l.Allow(context.Background(), "nudge:anyone")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	assert.NoError(t, l.Close())
}

func TestResultHeaders(t *testing.T) {
	reset := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	h := Result{Allowed: false, Limit: 5, Remaining: -1, ResetAt: reset}.FormatHeaders()
	assert.Equal(t, "5", h["X-RateLimit-Limit"])
	assert.Equal(t, "0", h["X-RateLimit-Remaining"])
	assert.Equal(t, "1777629630", h["X-RateLimit-Reset"])

	assert.NotContains(t, Result{Allowed: true}.FormatHeaders(), "X-RateLimit-Reset")
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, Result{ResetAt: now.Add(2100 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, time.Second, Result{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}
