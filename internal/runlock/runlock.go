// Package runlock provides the per-run mutual exclusion the scheduler takes
// before executing steps. At most one holder per run id exists at a time;
// a caller that fails to acquire skips the run instead of waiting.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires per-run locks without blocking. When the lock is held
// elsewhere ok is false, release is nil and err is nil.
type Locker interface {
	TryLock(ctx context.Context, runID uuid.UUID) (release func(), ok bool, err error)
}

// Func adapts a plain function (such as storage.DB.TryLockRun) to Locker.
type Func func(ctx context.Context, runID uuid.UUID) (func(), bool, error)

// TryLock implements Locker.
func (f Func) TryLock(ctx context.Context, runID uuid.UUID) (func(), bool, error) {
	return f(ctx, runID)
}

// Noop always grants the lock. Only safe with a single scheduler.
type Noop struct{}

// TryLock implements Locker.
func (Noop) TryLock(context.Context, uuid.UUID) (func(), bool, error) {
	return func() {}, true, nil
}

// Local is an in-process lock table.
type Local struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// NewLocal creates an empty lock table.
func NewLocal() *Local {
	return &Local{held: make(map[uuid.UUID]struct{})}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, runID uuid.UUID) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[runID]; busy {
		return nil, false, nil
	}
	l.held[runID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, runID)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether runID is currently locked.
func (l *Local) Held(runID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[runID]
	return ok
}

// releaseScript deletes the key only when it still carries our token, so a
// lease that expired and was re-taken is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock shared by every scheduler pointing at the same
// Redis. The lease bounds how long a crashed holder blocks the run; it
// should exceed the scheduler's invocation budget.
type Redis struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
}

// NewRedis creates a Redis locker. prefix namespaces the keys.
func NewRedis(client redis.UniversalClient, prefix string, lease time.Duration) *Redis {
	if prefix == "" {
		prefix = "kenkyu:runlock:"
	}
	return &Redis{client: client, prefix: prefix, lease: lease}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, runID uuid.UUID) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	key := r.prefix + runID.String()
	ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
	if err != nil {
		return nil, false, fmt.Errorf("runlock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = releaseScript.Run(context.WithoutCancel(ctx), r.client, []string{key}, token).Err()
		})
	}, true, nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("runlock: token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
