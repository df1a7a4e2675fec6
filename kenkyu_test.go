package kenkyu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
)

type fakeGateway struct {
	submitErr error
	polled    Interaction
	pollErr   error
	submitted []InteractionRequest
}

func (f *fakeGateway) Submit(_ context.Context, req InteractionRequest) (string, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "ia-1", nil
}

func (f *fakeGateway) Poll(context.Context, string) (Interaction, error) { return f.polled, f.pollErr }
func (f *fakeGateway) Cancel(context.Context, string) error              { return nil }
func (f *fakeGateway) DeleteStore(context.Context, string) error         { return nil }

func (f *fakeGateway) Generate(context.Context, string, string) (string, error) {
	return "generated", nil
}

func TestGatewayAdapter_Submit(t *testing.T) {
	fg := &fakeGateway{}
	a := gatewayAdapter{g: fg}

	id, err := a.CreateInteraction(context.Background(), gateway.CreateRequest{Model: "m", Prompt: "p", AttachmentStoreID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "ia-1", id)
	assert.Equal(t, []InteractionRequest{{Model: "m", Prompt: "p", AttachmentStoreID: "s"}}, fg.submitted)
}

func TestGatewayAdapter_Poll(t *testing.T) {
	fg := &fakeGateway{polled: Interaction{Status: InteractionCompleted, Text: "findings"}}
	a := gatewayAdapter{g: fg}

	in, err := a.GetInteraction(context.Background(), "ia-7")
	require.NoError(t, err)
	assert.Equal(t, "ia-7", in.ID)
	assert.Equal(t, model.InteractionCompleted, in.Status)
	assert.Equal(t, "findings", in.Text())
}

func TestGatewayAdapter_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  runerr.Kind
		wantRetry time.Duration
	}{
		{"sentinel", fmt.Errorf("quota: %w", ErrRateLimited), runerr.KindRateLimit, 0},
		{"retry hint", &RateLimitError{RetryAfter: 3 * time.Second}, runerr.KindRateLimit, 3 * time.Second},
		{"deadline", context.DeadlineExceeded, runerr.KindTimeout, 0},
		{"other", errors.New("boom"), runerr.KindExternalOperation, 0},
		{"already classified", runerr.New(runerr.KindParsing, "bad"), runerr.KindParsing, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := gatewayAdapter{g: &fakeGateway{submitErr: tt.err}}
			_, err := a.CreateInteraction(context.Background(), gateway.CreateRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, runerr.KindOf(err))
			if tt.wantKind == runerr.KindRateLimit {
				d, ok := runerr.RetryAfterOf(err)
				assert.True(t, ok)
				assert.Equal(t, tt.wantRetry, d)
			}
		})
	}
}

func TestGatewayAdapter_EmptyID(t *testing.T) {
	a := gatewayAdapter{g: emptyIDGateway{&fakeGateway{}}}
	_, err := a.CreateInteraction(context.Background(), gateway.CreateRequest{})
	assert.Equal(t, runerr.KindExternalOperation, runerr.KindOf(err))
}

type emptyIDGateway struct{ *fakeGateway }

func (emptyIDGateway) Submit(context.Context, InteractionRequest) (string, error) { return "", nil }

type recordingPublisher struct {
	events []model.RunEvent
}

func (r *recordingPublisher) PublishRunEvent(_ context.Context, ev model.RunEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func TestEventPublisher_FansOutToHooks(t *testing.T) {
	next := &recordingPublisher{}
	var (
		mu  sync.Mutex
		got []RunEvent
		wg  sync.WaitGroup
	)
	wg.Add(2)
	hook := EventHookFunc(func(_ context.Context, ev RunEvent) error {
		defer wg.Done()
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	failing := EventHookFunc(func(context.Context, RunEvent) error {
		defer wg.Done()
		return errors.New("hook down")
	})
	p := &eventPublisher{next: next, hooks: []EventHook{hook, failing}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ev := model.RunEvent{RunID: uuid.New(), Status: model.RunStatusCompleted, Phase: model.PhaseCompleted, At: time.Now()}
	require.NoError(t, p.PublishRunEvent(context.Background(), ev))
	wg.Wait()

	require.Len(t, next.events, 1)
	require.Len(t, got, 1)
	assert.Equal(t, ev.RunID, got[0].RunID)
	assert.Equal(t, RunCompleted, got[0].Status)
	assert.Equal(t, "completed", got[0].Phase)
}

func TestNew_LiteStoreServes(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:"+filepath.Join(t.TempDir(), "kenkyu.db"))
	t.Setenv("KENKYU_INTERNAL_SECRET", "s3cret")
	t.Setenv("KENKYU_RATE_LIMIT_ENABLED", "false")

	app, err := New(
		WithVersion("test"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGateway(&fakeGateway{}),
	)
	require.NoError(t, err)
	t.Cleanup(app.close)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", health.Data.Version)
	assert.Equal(t, "lite", health.Data.Store)
	assert.Equal(t, "local", health.Data.LockBackend)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs/"+uuid.NewString()+"/process", nil)
	require.NoError(t, err)
	req.Header.Set(scheduler.InternalSecretHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var inv scheduler.Invocation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, inv.HasMore)
	assert.Contains(t, inv.Error, "RUN_NOT_FOUND")
}

func TestNew_RequiresGateway(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:"+filepath.Join(t.TempDir(), "kenkyu.db"))
	t.Setenv("KENKYU_GATEWAY_URL", "")

	_, err := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.ErrorContains(t, err, "KENKYU_GATEWAY_URL is required")
}
