package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNudgeTracker_RecordAndCheck(t *testing.T) {
	tracker := newNudgeTracker(time.Hour)
	run := uuid.New()

	if recent, _ := tracker.Recent("ops", run); recent {
		t.Fatal("expected Recent to return false before any Record")
	}

	tracker.Record("ops", run)

	recent, wait := tracker.Recent("ops", run)
	if !recent {
		t.Fatal("expected Recent to return true after Record")
	}
	if wait <= 0 || wait > time.Hour {
		t.Fatalf("unexpected wait %v", wait)
	}
}

func TestNudgeTracker_KeyedBySubjectAndRun(t *testing.T) {
	tracker := newNudgeTracker(time.Hour)
	run := uuid.New()
	tracker.Record("ops", run)

	if recent, _ := tracker.Recent("ops", uuid.New()); recent {
		t.Fatal("another run must not be suppressed")
	}
	if recent, _ := tracker.Recent("other", run); recent {
		t.Fatal("another caller must not be suppressed")
	}
}

func TestNudgeTracker_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := newNudgeTracker(30 * time.Second)
	tracker.now = func() time.Time { return now }
	run := uuid.New()

	tracker.Record("ops", run)
	now = now.Add(31 * time.Second)

	if recent, _ := tracker.Recent("ops", run); recent {
		t.Fatal("expected Recent to return false after window expired")
	}
	tracker.mu.Lock()
	n := len(tracker.nudges)
	tracker.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected expired entry to be removed, found %d", n)
	}
}

func TestNudgeTracker_PurgeStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := newNudgeTracker(time.Second)
	tracker.now = func() time.Time { return now }

	for range 1000 {
		tracker.Record("ops", uuid.New())
	}
	now = now.Add(2 * time.Second)
	fresh := uuid.New()
	tracker.Record("ops", fresh)

	tracker.mu.Lock()
	n := len(tracker.nudges)
	tracker.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected only the fresh entry after purge, found %d", n)
	}
}
