package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/control"
	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/gateway/gatewaytest"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/ratelimit"
	"github.com/ashita-ai/kenkyu/internal/runlock"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
	"github.com/ashita-ai/kenkyu/internal/server"
	"github.com/ashita-ai/kenkyu/internal/storage/lite"
	"github.com/ashita-ai/kenkyu/internal/testutil"
)

const internalSecret = "test-internal-secret"

// queue records continuations instead of delivering them, so tests decide
// when the next invocation happens.
type queue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *queue) Continue(_ context.Context, runID uuid.UUID, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, runID)
	return nil
}

func (q *queue) take() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ids
	q.ids = nil
	return out
}

type env struct {
	srv      *httptest.Server
	store    *lite.Store
	gw       *gatewaytest.Fake
	cont     *queue
	admin    string
	operator string
	viewer   string
	jwtMgr   *auth.JWTManager
}

type envOptions struct {
	limiter ratelimit.Limiter
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	logger := testutil.TestLogger()

	store, err := lite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := gatewaytest.New(func(req gateway.CreateRequest) gatewaytest.Script {
		if strings.Contains(req.Prompt, "Propose ") {
			return gatewaytest.Script{Polls: 1, Text: "```json\n" +
				`[{"title": "Cover crops", "summary": "winter rye"}, {"title": "Biochar", "summary": "pyrolysed residue"}, {"title": "No-till", "summary": "undisturbed soil"}]` +
				"\n```"}
		}
		return gatewaytest.Script{Polls: 1, Text: "findings for " + req.Prompt[:min(20, len(req.Prompt))]}
	})

	broker := server.NewBroker(nil, logger)
	cont := &queue{}
	exec := pipeline.New(store, gw, nil, pipeline.Config{PollInterval: time.Nanosecond}, logger,
		pipeline.WithPublisher(broker))
	sched := scheduler.New(exec, runlock.NewLocal(), cont, scheduler.Config{}, logger)
	ctl := control.New(store, cont, gw, logger, control.WithPublisher(broker))
	recoverer := scheduler.NewRecoverer(store, cont, time.Nanosecond, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Processor:           sched,
		Controller:          ctl,
		Continuer:           cont,
		Logger:              logger,
		Sweeper:             recoverer,
		Limiter:             opts.limiter,
		Broker:              broker,
		InternalSecret:      internalSecret,
		Version:             "test",
		DefaultModel:        "deep-research",
		MaxRequestBodyBytes: 1 << 20,
		Health:              server.HealthInfo{Store: "lite", LockBackend: "local", Continuation: "http"},
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	e := &env{srv: ts, store: store, gw: gw, cont: cont, jwtMgr: jwtMgr}
	e.admin = e.token(t, "root", auth.RoleAdmin)
	e.operator = e.token(t, "ops", auth.RoleOperator)
	e.viewer = e.token(t, "watcher", auth.RoleViewer)
	return e
}

func (e *env) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken(subject, role)
	require.NoError(t, err)
	return tok
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (e *env) do(t *testing.T, method, path, token string, body any, headers ...string) response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: raw}
}

func data[T any](t *testing.T, r response) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.body, &envelope), string(r.body))
	return envelope.Data
}

func errorCode(t *testing.T, r response) string {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(r.body, &e), string(r.body))
	return e.Error.Code
}

func (e *env) createRun(t *testing.T, projectID uuid.UUID) model.Run {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/runs", e.operator, model.CreateRunRequest{
		ProjectID: projectID, Topic: "soil carbon sequestration", HypothesisCount: 3,
	})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	return data[model.Run](t, resp)
}

// process delivers a continuation the way the HTTP continuer does.
func (e *env) process(t *testing.T, runID uuid.UUID) scheduler.Invocation {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/runs/"+runID.String()+"/process", "", nil,
		scheduler.InternalSecretHeader, internalSecret)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var inv scheduler.Invocation
	require.NoError(t, json.Unmarshal(resp.body, &inv))
	return inv
}

// drain delivers queued continuations until none remain.
func (e *env) drain(t *testing.T) {
	t.Helper()
	for range 300 {
		next := e.cont.take()
		if len(next) == 0 {
			return
		}
		for _, id := range next {
			e.process(t, id)
		}
	}
	t.Fatal("continuations did not settle")
}

func (e *env) running(t *testing.T, projectID uuid.UUID) model.Run {
	t.Helper()
	r := e.createRun(t, projectID)
	e.cont.take()
	got, err := e.store.TransitionRunStatus(context.Background(), r.ID, model.StatusTransition{
		From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning, SetStartedAt: true,
	})
	require.NoError(t, err)
	return got
}

func TestHealthAndOpenAPI(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	h := data[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "lite", h.Store)
	assert.Equal(t, "local", h.LockBackend)
	assert.Equal(t, "running", h.SSEBroker)
	assert.Equal(t, "nosniff", resp.header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.header.Get("X-Request-ID"))

	resp = e.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "openapi: 3.1.0\n", string(resp.body))
}

func TestCreateRun(t *testing.T) {
	e := newEnv(t, envOptions{})
	projectID := uuid.New()

	r := e.createRun(t, projectID)
	assert.Equal(t, model.RunStatusPending, r.Status)
	assert.Equal(t, model.PhasePending, r.CurrentPhase)
	assert.Equal(t, "deep-research", r.Config.Model)
	assert.Equal(t, 1, r.Config.LoopCount)
	assert.Equal(t, []uuid.UUID{r.ID}, e.cont.take(), "a new run is continued immediately")

	n, err := e.store.CountMutationAudit(context.Background(), "run", r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t.Run("viewer cannot create", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/runs", e.viewer, model.CreateRunRequest{
			ProjectID: projectID, Topic: "x", HypothesisCount: 1,
		})
		assert.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("no token", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/runs", "", model.CreateRunRequest{ProjectID: projectID})
		assert.Equal(t, http.StatusUnauthorized, resp.status)
	})

	for name, body := range map[string]any{
		"missing project":     model.CreateRunRequest{Topic: "x", HypothesisCount: 1},
		"zero hypotheses":     model.CreateRunRequest{ProjectID: projectID, Topic: "x"},
		"too many hypotheses": model.CreateRunRequest{ProjectID: projectID, Topic: "x", HypothesisCount: model.MaxHypothesisCount + 1},
		"unknown field":       map[string]any{"project_id": projectID, "hypothesis_count": 1, "colour": "blue"},
		"too many loops":      model.CreateRunRequest{ProjectID: projectID, Topic: "x", HypothesisCount: 1, LoopCount: model.MaxLoopCount + 1},
	} {
		t.Run(name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/v1/runs", e.operator, body)
			assert.Equal(t, http.StatusBadRequest, resp.status, string(resp.body))
			assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
		})
	}
}

func TestCreateRun_Idempotency(t *testing.T) {
	e := newEnv(t, envOptions{})
	projectID := uuid.New()
	req := model.CreateRunRequest{ProjectID: projectID, Topic: "peat", HypothesisCount: 2}

	first := e.do(t, http.MethodPost, "/v1/runs", e.operator, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.status)
	second := e.do(t, http.MethodPost, "/v1/runs", e.operator, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.status)
	assert.Equal(t, "true", second.header.Get("Idempotent-Replayed"))
	assert.Equal(t, data[model.Run](t, first).ID, data[model.Run](t, second).ID)
	assert.Len(t, e.cont.take(), 1, "the replay does not continue the run again")

	list := e.do(t, http.MethodGet, "/v1/projects/"+projectID.String()+"/runs", e.viewer, nil)
	require.Equal(t, http.StatusOK, list.status)
	assert.Len(t, data[[]model.Run](t, list), 1)

	req.Topic = "wetlands"
	conflict := e.do(t, http.MethodPost, "/v1/runs", e.operator, req, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, conflict.status)
}

func TestRunCompletesThroughProcessEndpoint(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.createRun(t, uuid.New())
	e.drain(t)

	resp := e.do(t, http.MethodGet, "/v1/runs/"+r.ID.String(), e.viewer, nil)
	require.Equal(t, http.StatusOK, resp.status)
	got := data[model.Run](t, resp)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, model.PhaseCompleted, got.CurrentPhase)
	require.NotNil(t, got.Result)
	assert.Len(t, got.Result.Entries, 3)

	resp = e.do(t, http.MethodGet, "/v1/runs/"+r.ID.String()+"/hypotheses", e.viewer, nil)
	require.Equal(t, http.StatusOK, resp.status)
	hyps := data[[]model.Hypothesis](t, resp)
	require.Len(t, hyps, 3)
	for _, h := range hyps {
		assert.Equal(t, model.HypothesisCompleted, h.Status)
	}

	// A duplicate continuation after completion is harmless.
	inv := e.process(t, r.ID)
	assert.False(t, inv.HasMore)
	assert.Equal(t, model.PhaseCompleted, inv.Phase)
	assert.Empty(t, e.cont.take())
}

func TestProcessEndpoint_RawBody(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.createRun(t, uuid.New())
	e.cont.take()

	resp := e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/process", "", nil,
		scheduler.InternalSecretHeader, internalSecret)
	require.Equal(t, http.StatusOK, resp.status)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(resp.body, &raw))
	assert.Equal(t, r.ID.String(), raw["runId"])
	assert.Equal(t, true, raw["hasMore"])
	assert.Contains(t, raw, "phase")
	assert.Contains(t, raw, "iterations")
	assert.Contains(t, raw, "elapsedMs")
	assert.NotContains(t, raw, "data", "the invocation report is not enveloped")
}

func TestProcessEndpoint_RequiresSecret(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.createRun(t, uuid.New())

	resp := e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/process", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/process", e.admin, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status, "a user token is not the internal secret")

	resp = e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/process", "", nil,
		scheduler.InternalSecretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestProcessEndpoint_UnknownRun(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/process", "", nil,
		scheduler.InternalSecretHeader, internalSecret)
	assert.Equal(t, http.StatusOK, resp.status, "a missing run is reported, not retried")
	var inv scheduler.Invocation
	require.NoError(t, json.Unmarshal(resp.body, &inv))
	assert.False(t, inv.HasMore)
	assert.Contains(t, inv.Error, "RUN_NOT_FOUND")
}

func TestControlEndpoints(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.running(t, uuid.New())
	path := "/v1/runs/" + r.ID.String()

	resp := e.do(t, http.MethodPost, path+"/pause", e.viewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = e.do(t, http.MethodPost, path+"/pause", e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, model.RunStatusPaused, data[model.Run](t, resp).Status)
	assert.Empty(t, e.cont.take())

	resp = e.do(t, http.MethodPost, path+"/pause", e.operator, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, resp))

	resp = e.do(t, http.MethodPost, path+"/resume", e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	resumed := data[model.Run](t, resp)
	assert.Equal(t, model.RunStatusRunning, resumed.Status)
	assert.Equal(t, 1, resumed.ResumeCount)
	assert.Equal(t, []uuid.UUID{r.ID}, e.cont.take())

	resp = e.do(t, http.MethodPost, path+"/stop", e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	stopped := data[model.Run](t, resp)
	assert.Equal(t, model.RunStatusCancelled, stopped.Status)
	assert.NotNil(t, stopped.CompletedAt)

	resp = e.do(t, http.MethodPost, path+"/resume", e.operator, nil)
	assert.Equal(t, http.StatusConflict, resp.status)

	resp = e.do(t, http.MethodPost, path+"/nudge", e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	nudge := data[model.NudgeResponse](t, resp)
	assert.False(t, nudge.Continued)
	assert.Empty(t, e.cont.take())

	resp = e.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/stop", e.operator, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "RUN_NOT_FOUND", errorCode(t, resp))

	resp = e.do(t, http.MethodPost, "/v1/runs/not-a-uuid/stop", e.operator, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	n, err := e.store.CountMutationAudit(context.Background(), "run", r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "create, pause, resume and stop are audited")
}

func TestNudge_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, envOptions{limiter: limiter})
	r := e.running(t, uuid.New())
	path := "/v1/runs/" + r.ID.String() + "/nudge"

	resp := e.do(t, http.MethodPost, path, e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.True(t, data[model.NudgeResponse](t, resp).Continued)
	assert.Equal(t, []uuid.UUID{r.ID}, e.cont.take())

	resp = e.do(t, http.MethodPost, path, e.operator, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.status)
	assert.NotEmpty(t, resp.header.Get("Retry-After"))
	assert.Empty(t, e.cont.take())

	resp = e.do(t, http.MethodPost, path, e.admin, nil)
	assert.Equal(t, http.StatusOK, resp.status, "admins are exempt")
}

func TestDeleteHypothesis(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.createRun(t, uuid.New())
	e.drain(t)

	hyps := data[[]model.Hypothesis](t, e.do(t, http.MethodGet, "/v1/runs/"+r.ID.String()+"/hypotheses", e.viewer, nil))
	require.Len(t, hyps, 3)
	target := hyps[0].ID

	resp := e.do(t, http.MethodDelete, "/v1/hypotheses/"+target.String(), e.viewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = e.do(t, http.MethodDelete, "/v1/hypotheses/"+target.String(), e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.NotNil(t, data[model.Hypothesis](t, resp).DeletedAt)

	// Deleting again is a no-op and is not audited twice.
	resp = e.do(t, http.MethodDelete, "/v1/hypotheses/"+target.String(), e.operator, nil)
	require.Equal(t, http.StatusOK, resp.status)
	n, err := e.store.CountMutationAudit(context.Background(), "hypothesis", target.String())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	visible := data[[]model.Hypothesis](t, e.do(t, http.MethodGet, "/v1/runs/"+r.ID.String()+"/hypotheses", e.viewer, nil))
	assert.Len(t, visible, 2)
	all := data[[]model.Hypothesis](t, e.do(t, http.MethodGet, "/v1/runs/"+r.ID.String()+"/hypotheses?include_deleted=true", e.viewer, nil))
	assert.Len(t, all, 3)

	resp = e.do(t, http.MethodDelete, "/v1/hypotheses/"+uuid.NewString(), e.operator, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "HYPOTHESIS_NOT_FOUND", errorCode(t, resp))
}

func TestRecoverEndpoint(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.createRun(t, uuid.New())
	e.cont.take()
	time.Sleep(5 * time.Millisecond)

	resp := e.do(t, http.MethodPost, "/v1/recover", e.admin, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = e.do(t, http.MethodPost, "/v1/recover", "", nil, scheduler.InternalSecretHeader, internalSecret)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	got := data[model.RecoverResponse](t, resp)
	assert.Equal(t, 1, got.Continued)
	assert.Equal(t, []uuid.UUID{r.ID}, got.RunIDs)
	assert.Equal(t, []uuid.UUID{r.ID}, e.cont.take())
}

func TestScopedToken(t *testing.T) {
	e := newEnv(t, envOptions{})
	mine, theirs := uuid.New(), uuid.New()
	runMine := e.createRun(t, mine)
	runTheirs := e.createRun(t, theirs)

	resp := e.do(t, http.MethodPost, "/v1/auth/scoped-token", e.operator, model.ScopedTokenRequest{
		Subject: "dashboard", Role: "viewer", ProjectID: mine, ExpiresIn: 300,
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	scoped := data[model.ScopedTokenResponse](t, resp)
	assert.Equal(t, "ops", scoped.ScopedBy)
	assert.Equal(t, mine, scoped.ProjectID)

	t.Run("sees its own project", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/runs/"+runMine.ID.String(), scoped.Token, nil).status)
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/projects/"+mine.String()+"/runs", scoped.Token, nil).status)
	})

	t.Run("cannot see other projects", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/v1/runs/"+runTheirs.ID.String(), scoped.Token, nil)
		assert.Equal(t, http.StatusNotFound, resp.status)
		resp = e.do(t, http.MethodGet, "/v1/projects/"+theirs.String()+"/runs", scoped.Token, nil)
		assert.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("cannot act above its role", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/runs/"+runMine.ID.String()+"/stop", scoped.Token, nil)
		assert.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("operator cannot mint admin", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/auth/scoped-token", e.operator, model.ScopedTokenRequest{
			Subject: "x", Role: "admin", ProjectID: mine,
		})
		assert.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("no delegation chains", func(t *testing.T) {
		opScoped := data[model.ScopedTokenResponse](t, e.do(t, http.MethodPost, "/v1/auth/scoped-token", e.admin, model.ScopedTokenRequest{
			Subject: "bot", Role: "operator", ProjectID: mine,
		}))
		require.NotEmpty(t, opScoped.Token)
		resp := e.do(t, http.MethodPost, "/v1/auth/scoped-token", opScoped.Token, model.ScopedTokenRequest{
			Subject: "y", Role: "viewer", ProjectID: mine,
		})
		assert.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("viewer cannot issue", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/auth/scoped-token", e.viewer, model.ScopedTokenRequest{
			Subject: "z", ProjectID: mine,
		})
		assert.Equal(t, http.StatusForbidden, resp.status)
	})
}

func TestRunEventsStream(t *testing.T) {
	e := newEnv(t, envOptions{})
	r := e.running(t, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/runs/"+r.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.viewer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan model.RunEvent, 8)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev model.RunEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
	}()

	next := func() model.RunEvent {
		t.Helper()
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for run event")
			return model.RunEvent{}
		}
	}

	assert.Equal(t, model.RunStatusRunning, next().Status, "the stream opens with the current state")

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/pause", e.operator, nil).status)
	assert.Equal(t, model.RunStatusPaused, next().Status)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/runs/"+r.ID.String()+"/stop", e.operator, nil).status)
	assert.Equal(t, model.RunStatusCancelled, next().Status)

	select {
	case _, ok := <-events:
		assert.False(t, ok, "a terminal event ends the stream")
	case <-ctx.Done():
		t.Fatal("stream did not end after the run finished")
	}
}
