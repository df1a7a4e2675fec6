package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/model"
)

func newRedisLimiter(t *testing.T, limit int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, "test", limit, time.Minute), mr
}

func TestRedisLimiterWindow(t *testing.T) {
	l, mr := newRedisLimiter(t, 3)
	now := time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	windowEnd := time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC)

	for i := range 3 {
		res, err := l.Allow(ctx, "nudge:ops")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := l.Allow(ctx, "nudge:ops")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, windowEnd, res.ResetAt)
	assert.Equal(t, 55*time.Second, res.RetryAfter(now))

	other, err := l.Allow(ctx, "create:ops")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	key := "test:nudge:ops:" + "1777629600"
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Minute-time.Second)

	now = now.Add(time.Minute)
	res, err = l.Allow(ctx, "nudge:ops")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "next window starts fresh")
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	l, mr := newRedisLimiter(t, 1)
	mr.Close()

	res, err := l.Allow(context.Background(), "nudge:ops")
	assert.Error(t, err)
	assert.True(t, res.Allowed)
}

type stubLimiter struct {
	result Result
	err    error
	keys   []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (Result, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

func (s *stubLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	keyFn := func(r *http.Request) string { return r.Header.Get("X-Who") }
	reqID := func(*http.Request) string { return "req-1" }

	t.Run("denied", func(t *testing.T) {
		lim := &stubLimiter{result: Result{Limit: 5, ResetAt: time.Now().Add(30 * time.Second)}}
		h := Middleware(lim, Rule{Prefix: "nudge"}, keyFn, reqID, logger)(ok)

		req := httptest.NewRequest(http.MethodPost, "/v1/runs/x/nudge", nil)
		req.Header.Set("X-Who", "ops")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, []string{"nudge:ops"}, lim.keys)

		var body model.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
		assert.Equal(t, "req-1", body.Meta.RequestID)
	})

	t.Run("empty key skips", func(t *testing.T) {
		lim := &stubLimiter{}
		h := Middleware(lim, Rule{Prefix: "nudge"}, keyFn, reqID, logger)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, lim.keys)
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		h := Middleware(lim, Rule{Prefix: "nudge"}, keyFn, reqID, logger)(ok)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Who", "ops")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("nil limiter", func(t *testing.T) {
		h := Middleware(nil, Rule{Prefix: "nudge"}, keyFn, reqID, logger)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "10.1.2.3", IPKeyFunc(req))
}
