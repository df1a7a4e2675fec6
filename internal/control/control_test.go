package control_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/control"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/gateway/gatewaytest"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage/lite"
	"github.com/ashita-ai/kenkyu/internal/testutil"
)

type continuation struct {
	runID uuid.UUID
	delay time.Duration
}

type recorder struct {
	mu    sync.Mutex
	calls []continuation
	err   error
}

func (r *recorder) Continue(_ context.Context, runID uuid.UUID, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, continuation{runID, delay})
	return nil
}

func (r *recorder) all() []continuation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]continuation(nil), r.calls...)
}

type events struct {
	mu  sync.Mutex
	got []model.RunEvent
}

func (e *events) PublishRunEvent(_ context.Context, ev model.RunEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

type fixture struct {
	store *lite.Store
	gw    *gatewaytest.Fake
	cont  *recorder
	pub   *events
	ctl   *control.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := lite.Open(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		gw:    gatewaytest.New(nil),
		cont:  &recorder{},
		pub:   &events{},
	}
	f.ctl = control.New(store, f.cont, f.gw, testutil.TestLogger(), control.WithPublisher(f.pub))
	return f
}

func (f *fixture) createRun(t *testing.T, status model.RunStatus) model.Run {
	t.Helper()
	ctx := context.Background()
	r := model.NewRun(uuid.New(), model.RunConfig{
		Topic: "soil carbon", HypothesisCount: 2, LoopCount: 1, LoopIndex: 1, AttachmentStoreID: "store-9",
	}, time.Now())
	require.NoError(t, f.store.CreateRun(ctx, &r))
	if status == model.RunStatusPending {
		return r
	}
	got, err := f.store.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning, SetStartedAt: true,
	})
	require.NoError(t, err)
	if status == model.RunStatusRunning {
		return got
	}
	got, err = f.store.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusRunning}, To: status, SetCompletedAt: status.Terminal(),
	})
	require.NoError(t, err)
	return got
}

func (f *fixture) audits(t *testing.T, id uuid.UUID) int {
	t.Helper()
	n, err := f.store.CountMutationAudit(context.Background(), "run", id.String())
	require.NoError(t, err)
	return n
}

func TestPause(t *testing.T) {
	f := newFixture(t)
	r := f.createRun(t, model.RunStatusRunning)

	got, err := f.ctl.Pause(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.Empty(t, f.cont.all(), "pause must not continue the run")
	assert.Equal(t, 1, f.audits(t, r.ID))

	require.Len(t, f.pub.got, 1)
	assert.Equal(t, model.RunStatusPaused, f.pub.got[0].Status)
}

func TestPause_RejectsNonRunning(t *testing.T) {
	for _, status := range []model.RunStatus{
		model.RunStatusPending,
		model.RunStatusPaused,
		model.RunStatusCompleted,
		model.RunStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			r := f.createRun(t, status)

			_, err := f.ctl.Pause(context.Background(), r.ID)
			require.Error(t, err)
			assert.Equal(t, runerr.KindInvalidTransition, runerr.KindOf(err))
			assert.Contains(t, err.Error(), "cannot pause a "+string(status)+" run")
			assert.Equal(t, 0, f.audits(t, r.ID))

			unchanged, err := f.store.GetRun(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, status, unchanged.Status)
		})
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	r := f.createRun(t, model.RunStatusPaused)

	got, err := f.ctl.Resume(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, 1, got.ResumeCount)
	assert.Equal(t, []continuation{{r.ID, 0}}, f.cont.all())

	_, err = f.ctl.Pause(context.Background(), r.ID)
	require.NoError(t, err)
	got, err = f.ctl.Resume(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ResumeCount)
	assert.Equal(t, 3, f.audits(t, r.ID))
}

func TestResume_RejectsRunning(t *testing.T) {
	f := newFixture(t)
	r := f.createRun(t, model.RunStatusRunning)

	_, err := f.ctl.Resume(context.Background(), r.ID)
	assert.True(t, errors.Is(err, runerr.InvalidTransition))
	assert.Empty(t, f.cont.all())
}

func TestResume_ContinuationFailureStillResumes(t *testing.T) {
	f := newFixture(t)
	f.cont.err = errors.New("queue down")
	r := f.createRun(t, model.RunStatusPaused)

	got, err := f.ctl.Resume(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestStop(t *testing.T) {
	for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusPaused} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			r := f.createRun(t, status)

			got, err := f.ctl.Stop(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusCancelled, got.Status)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, []string{"store-9"}, f.gw.DeletedStores())

			_, err = f.ctl.Stop(context.Background(), r.ID)
			assert.Equal(t, runerr.KindInvalidTransition, runerr.KindOf(err))
			_, err = f.ctl.Resume(context.Background(), r.ID)
			assert.Equal(t, runerr.KindInvalidTransition, runerr.KindOf(err))
		})
	}
}

func TestStop_RejectsPendingAndTerminal(t *testing.T) {
	for _, status := range []model.RunStatus{model.RunStatusPending, model.RunStatusCompleted, model.RunStatusError} {
		f := newFixture(t)
		r := f.createRun(t, status)
		_, err := f.ctl.Stop(context.Background(), r.ID)
		assert.Equal(t, runerr.KindInvalidTransition, runerr.KindOf(err), status)
		assert.Empty(t, f.gw.DeletedStores())
	}
}

func TestStop_CancelsOutstandingInteractions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Candidates come back at once; every hypothesis interaction stays
	// running so the run parks in fan-out with live interactions.
	f.gw.Responder = func(req gateway.CreateRequest) gatewaytest.Script {
		if strings.Contains(req.Prompt, "Propose ") {
			return gatewaytest.Script{Text: `[{"title": "Mycorrhizae", "summary": "fungal networks"}, {"title": "Biochar", "summary": "pyrolysed residue"}]`}
		}
		return gatewaytest.Script{Polls: 1000}
	}
	exec := pipeline.New(f.store, f.gw, nil, pipeline.Config{PollInterval: time.Nanosecond}, testutil.TestLogger())

	r := f.createRun(t, model.RunStatusPending)
	for range 20 {
		res, err := exec.ExecuteNextStep(ctx, r.ID)
		require.NoError(t, err)
		if res.NextPhase == model.PhaseFanoutPolling {
			break
		}
		time.Sleep(time.Millisecond)
	}
	hyps, err := f.store.ListRunHypotheses(ctx, r.ID, false)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	var live []string
	for _, h := range hyps {
		require.NotNil(t, h.CurrentInteractionID)
		live = append(live, *h.CurrentInteractionID)
	}

	_, err = f.ctl.Stop(ctx, r.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, live, f.gw.Cancelled())

	hyps, err = f.store.ListRunHypotheses(ctx, r.ID, false)
	require.NoError(t, err)
	for _, h := range hyps {
		assert.Nil(t, h.CurrentInteractionID, h.DisplayTitle)
		assert.Nil(t, h.InteractionStartedAt, h.DisplayTitle)
	}

	// The executor treats the cancelled run as finished.
	res, err := exec.ExecuteNextStep(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, res.HasMore)
}

func TestNudge(t *testing.T) {
	tests := []struct {
		status    model.RunStatus
		continued bool
	}{
		{model.RunStatusPending, true},
		{model.RunStatusRunning, true},
		{model.RunStatusPaused, false},
		{model.RunStatusCompleted, false},
		{model.RunStatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			r := f.createRun(t, tt.status)

			got, continued, err := f.ctl.Nudge(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.continued, continued)
			assert.Equal(t, tt.status, got.Status)
			if tt.continued {
				assert.Equal(t, []continuation{{r.ID, 0}}, f.cont.all())
				assert.Equal(t, 1, f.audits(t, r.ID))
			} else {
				assert.Empty(t, f.cont.all())
				assert.Equal(t, 0, f.audits(t, r.ID))
			}
		})
	}
}

func TestNudge_ContinuationFailure(t *testing.T) {
	f := newFixture(t)
	f.cont.err = errors.New("queue down")
	r := f.createRun(t, model.RunStatusRunning)

	_, continued, err := f.ctl.Nudge(context.Background(), r.ID)
	require.Error(t, err)
	assert.False(t, continued)
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	_, err := f.ctl.Pause(context.Background(), id)
	assert.True(t, errors.Is(err, runerr.RunNotFound))
	_, err = f.ctl.Resume(context.Background(), id)
	assert.True(t, errors.Is(err, runerr.RunNotFound))
	_, err = f.ctl.Stop(context.Background(), id)
	assert.True(t, errors.Is(err, runerr.RunNotFound))
	_, _, err = f.ctl.Nudge(context.Background(), id)
	assert.True(t, errors.Is(err, runerr.RunNotFound))
}

func TestAuditAttributesClaims(t *testing.T) {
	f := newFixture(t)
	r := f.createRun(t, model.RunStatusRunning)

	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@lab"},
		Role:             auth.RoleOperator,
	})
	_, err := f.ctl.Pause(ctx, r.ID)
	require.NoError(t, err)

	entries, err := f.store.ListMutationAudit(context.Background(), "run", r.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops@lab", entries[0].Actor)
	assert.Equal(t, "operator", entries[0].ActorRole)
	assert.Equal(t, "run_pause", entries[0].Operation)
}
