// Package ratelimit throttles user-triggered run work (creation and nudges)
// per caller.
//
// A single node uses the in-memory token bucket (MemoryLimiter). Several
// instances behind one load balancer share counts through RedisLimiter.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of key's allowance. The key is opaque;
	// callers construct it (e.g. "nudge:<subject>"). A non-nil error is a
	// limiter malfunction and callers fail open.
	Allow(ctx context.Context, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when a denied key may proceed again, or when an allowed
	// key's allowance is whole again.
	ResetAt time.Time
}

// RetryAfter is the wait a denied caller is told, in whole seconds and
// never below one.
func (r Result) RetryAfter(now time.Time) time.Duration {
	secs := math.Ceil(r.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// FormatHeaders renders r as X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(max(r.Remaining, 0)),
	}
	if !r.ResetAt.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(r.ResetAt.Unix(), 10)
	}
	return h
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always allows.
func (NoopLimiter) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
