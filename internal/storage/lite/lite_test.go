package lite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/integrity"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/storage/lite"
	"github.com/ashita-ai/kenkyu/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) (*lite.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := lite.Open(context.Background(), ":memory:", testutil.TestLogger(), lite.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func createRunning(t *testing.T, s *lite.Store, now time.Time) model.Run {
	t.Helper()
	ctx := context.Background()
	r := model.NewRun(uuid.New(), model.RunConfig{
		HypothesisCount: 2, LoopCount: 2, LoopIndex: 1, Topic: "soil microbiomes",
	}, now)
	require.NoError(t, s.CreateRun(ctx, &r))
	got, err := s.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning, SetStartedAt: true,
	})
	require.NoError(t, err)
	return got
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)
	r := createRunning(t, s, clk.Now())

	require.NoError(t, r.SetPhase(model.PhaseDivergentStarting))
	r.RecordInteraction(model.StepDivergent, nil, "ia-1", clk.Now())
	r.Progress.Divergent = &model.DivergentProgress{InteractionID: "ia-1", SubmittedAt: clk.Now()}
	require.NoError(t, s.SaveRun(ctx, &r))
	assert.Equal(t, int64(1), r.Version)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDivergentStarting, got.CurrentPhase)
	assert.Equal(t, 1, got.CurrentStep)
	require.Len(t, got.Interactions, 1)
	assert.Equal(t, "ia-1", got.Interactions[0].InteractionID)
	require.NotNil(t, got.Progress.Divergent)
	assert.Equal(t, "soil microbiomes", got.Config.Topic)
	require.NotNil(t, got.StartedAt)

	runs, total, err := s.ListProjectRuns(ctx, r.ProjectID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveRunGuards(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)
	r := createRunning(t, s, clk.Now())

	stale := r
	require.NoError(t, r.SetPhase(model.PhaseDivergentStarting))
	require.NoError(t, s.SaveRun(ctx, &r))
	assert.ErrorIs(t, s.SaveRun(ctx, &stale), storage.ErrStale)

	_, err := s.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusRunning}, To: model.RunStatusPaused,
	})
	require.NoError(t, err)

	require.NoError(t, r.SetPhase(model.PhaseDivergentPolling))
	require.NoError(t, s.SaveRun(ctx, &r))
	assert.Equal(t, model.RunStatusPaused, r.Status, "pause survives an in-flight save")

	_, err = s.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusRunning, model.RunStatusPaused}, To: model.RunStatusCancelled, SetCompletedAt: true,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, s.SaveRun(ctx, &r), storage.ErrStale)

	_, err = s.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusPaused}, To: model.RunStatusRunning,
	})
	assert.ErrorIs(t, err, storage.ErrTransitionRejected)
}

func TestFinishRunSuccessorOnce(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)
	r := createRunning(t, s, clk.Now())

	require.NoError(t, r.SetPhase(model.PhaseCompleted))
	r.Status = model.RunStatusCompleted
	next, ok := r.Successor(clk.Now())
	require.True(t, ok)
	require.NoError(t, s.FinishRun(ctx, &r, &next))
	assert.Equal(t, model.RunStatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)

	got, err := s.GetRun(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLoop())

	// The run is terminal, so a replayed finish is stale and adds nothing.
	again, _ := r.Successor(clk.Now())
	assert.ErrorIs(t, s.FinishRun(ctx, &r, &again), storage.ErrStale)
	_, err = s.GetRun(ctx, again.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func makeHypotheses(r model.Run, titles ...string) []model.Hypothesis {
	out := make([]model.Hypothesis, len(titles))
	for i, title := range titles {
		runID := r.ID
		out[i] = model.Hypothesis{
			ID:           uuid.New(),
			Index:        i,
			RunID:        &runID,
			ProjectID:    r.ProjectID,
			DisplayTitle: title,
			ContentHash:  integrity.ContentHash(title, ""),
			Status:       model.HypothesisPending,
			CreatedAt:    r.CreatedAt,
		}
	}
	return out
}

func TestHypotheses(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)
	r := createRunning(t, s, clk.Now())
	require.NoError(t, r.SetPhase(model.PhaseFanoutStarting))

	hyps := makeHypotheses(r, "alpha", "beta")
	require.NoError(t, s.CreateHypotheses(ctx, &r, hyps))
	assert.Greater(t, hyps[1].Seq, hyps[0].Seq)

	// Replaying the same indexes is a no-op that returns the stored rows.
	stale := r
	stale.Version--
	assert.ErrorIs(t, s.CreateHypotheses(ctx, &stale, makeHypotheses(r, "gamma")), storage.ErrStale)
	replay := makeHypotheses(r, "alpha", "beta")
	require.NoError(t, s.CreateHypotheses(ctx, &r, replay))
	assert.Equal(t, hyps[0].ID, replay[0].ID)

	listed, err := s.ListRunHypotheses(ctx, r.ID, false)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	h := listed[0]
	iid := "ia-b"
	h.Status = model.HypothesisPhaseB
	h.CurrentInteractionID = &iid
	old := listed[0]
	require.NoError(t, s.SaveHypothesis(ctx, &h))
	assert.ErrorIs(t, s.SaveHypothesis(ctx, &old), storage.ErrStale)

	other := createRunning(t, s, clk.Now())
	hashes, err := s.ActiveProjectHashes(ctx, r.ProjectID, other.ID)
	require.NoError(t, err)
	assert.Contains(t, hashes, h.ContentHash)
	hashes, err = s.ActiveProjectHashes(ctx, r.ProjectID, r.ID)
	require.NoError(t, err)
	assert.Empty(t, hashes)

	deleted, err := s.SoftDeleteHypothesis(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	active, err := s.ListRunHypotheses(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := s.ListRunHypotheses(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListStalledRuns(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)
	r := createRunning(t, s, clk.Now())

	clk.Advance(time.Hour)
	fresh := createRunning(t, s, clk.Now())

	ids, err := s.ListStalledRuns(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Contains(t, ids, r.ID)
	assert.NotContains(t, ids, fresh.ID)
}

func TestIdempotencyAndAudit(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	lookup, err := s.BeginIdempotency(ctx, "alice", "POST:/v1/runs", "k1", "h1")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	_, err = s.BeginIdempotency(ctx, "alice", "POST:/v1/runs", "k1", "h1")
	assert.ErrorIs(t, err, storage.ErrIdempotencyInProgress)
	_, err = s.BeginIdempotency(ctx, "alice", "POST:/v1/runs", "k1", "h2")
	assert.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	require.NoError(t, s.CompleteIdempotency(ctx, "alice", "POST:/v1/runs", "k1", 201, map[string]string{"id": "r1"}))
	lookup, err = s.BeginIdempotency(ctx, "alice", "POST:/v1/runs", "k1", "h1")
	require.NoError(t, err)
	assert.True(t, lookup.Completed)
	assert.Equal(t, 201, lookup.StatusCode)
	assert.JSONEq(t, `{"id":"r1"}`, string(lookup.ResponseData))

	require.NoError(t, s.InsertMutationAudit(ctx, storage.MutationAuditEntry{
		RequestID: "req-1", Actor: "alice", ActorRole: "operator", HTTPMethod: "POST",
		Endpoint: "/v1/runs/x/pause", Operation: "run_paused", ResourceType: "run", ResourceID: "x",
	}))
	n, err := s.CountMutationAudit(ctx, "run", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
