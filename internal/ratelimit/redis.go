package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per key in fixed windows shared through
// Redis. Each window is one INCR on a key that expires with the window.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per key per window. The client is
// owned by the caller; Close does not close it.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow implements Limiter. ResetAt is the end of the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	start := l.now().Truncate(l.window)
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.Unix())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{Allowed: true}, fmt.Errorf("ratelimit: redis window %s: %w", windowKey, err)
	}
	count := incr.Val()
	return Result{
		Allowed:   count <= l.limit,
		Limit:     int(l.limit),
		Remaining: int(max(l.limit-count, 0)),
		ResetAt:   start.Add(l.window),
	}, nil
}

// Close is a no-op.
func (l *RedisLimiter) Close() error { return nil }
