package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	idleEviction  = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Each
// key refills at rate tokens per second up to burst. Keys idle for ten
// minutes are forgotten, which is the same as a full bucket.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the limiter's clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter allows burst requests at once per key and rate requests
// per second after that. It starts a sweeper goroutine; call Close.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweep()
	return m
}

// Allow implements Limiter. A denied result's ResetAt is the moment the
// next token lands.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.buckets[key]
	if b == nil {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	if m.rate > 0 {
		b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
	}
	b.seen = now

	res := Result{Limit: int(m.burst)}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
		res.ResetAt = now.Add(m.timeFor(m.burst - b.tokens))
	} else {
		res.ResetAt = now.Add(m.timeFor(1 - b.tokens))
	}
	res.Remaining = int(b.tokens)
	return res, nil
}

// timeFor is how long the bucket takes to gain n tokens. A limiter that
// never refills reports the idle eviction horizon.
func (m *MemoryLimiter) timeFor(n float64) time.Duration {
	if m.rate <= 0 {
		return idleEviction
	}
	return time.Duration(n / m.rate * float64(time.Second))
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.forgetIdle()
		}
	}
}

func (m *MemoryLimiter) forgetIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
