package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// nudgeTracker remembers recent kenkyu_nudge_run calls so an agent polling
// in a loop does not queue a continuation on every iteration. It is
// per-process; the HTTP nudge route has its own rate limit.
type nudgeTracker struct {
	mu     sync.Mutex
	nudges map[nudgeKey]time.Time
	window time.Duration
	now    func() time.Time
}

type nudgeKey struct {
	subject string
	runID   uuid.UUID
}

func newNudgeTracker(window time.Duration) *nudgeTracker {
	return &nudgeTracker{
		nudges: make(map[nudgeKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that subject nudged the run.
func (t *nudgeTracker) Record(subject string, runID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nudges[nudgeKey{subject, runID}] = t.now()

	if len(t.nudges) > 1000 {
		t.purgeStale()
	}
}

// Recent reports whether subject nudged the run within the window, and
// how long until another nudge is accepted.
func (t *nudgeTracker) Recent(subject string, runID uuid.UUID) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := nudgeKey{subject, runID}
	ts, ok := t.nudges[k]
	if !ok {
		return false, 0
	}
	age := t.now().Sub(ts)
	if age > t.window {
		delete(t.nudges, k)
		return false, 0
	}
	return true, t.window - age
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *nudgeTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.nudges {
		if now.Sub(ts) > t.window {
			delete(t.nudges, k)
		}
	}
}
