package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
)

// mockServer creates an httptest server with the given routes.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:        serverURL,
		Token:          "test-token",
		InternalSecret: "test-secret",
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestCreateRun(t *testing.T) {
	projectID := uuid.New()
	runID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

			var req model.CreateRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "solid-state batteries", req.Topic)

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": model.Run{ID: runID, ProjectID: projectID, Status: model.RunStatusPending},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	run, err := c.CreateRun(context.Background(), model.CreateRunRequest{
		ProjectID: projectID,
		Topic:     "solid-state batteries",
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
}

func TestListProjectRuns(t *testing.T) {
	projectID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/runs": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, projectID.String(), r.PathValue("project_id"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			assert.Equal(t, "4", r.URL.Query().Get("offset"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []model.Run{{ID: uuid.New()}, {ID: uuid.New()}},
				"total":    7,
				"has_more": true,
				"limit":    2,
				"offset":   4,
			})
		},
	})

	c := newTestClient(t, srv.URL)
	list, err := c.ListProjectRuns(context.Background(), projectID, 2, 4)
	require.NoError(t, err)
	assert.Len(t, list.Runs, 2)
	assert.Equal(t, 7, list.Total)
	assert.True(t, list.HasMore)
}

func TestListHypotheses_IncludeDeleted(t *testing.T) {
	runID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/hypotheses": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "true", r.URL.Query().Get("include_deleted"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data":  []model.Hypothesis{{Index: 0, DisplayTitle: "a"}, {Index: 1, DisplayTitle: "b"}},
				"total": 2,
			})
		},
	})

	c := newTestClient(t, srv.URL)
	hyps, err := c.ListHypotheses(context.Background(), runID, true)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, "b", hyps[1].DisplayTitle)
}

func TestControl(t *testing.T) {
	runID := uuid.New()
	var got []string

	handler := func(action string, status model.RunStatus) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			got = append(got, action)
			writeJSON(w, http.StatusOK, map[string]any{"data": model.Run{ID: runID, Status: status}})
		}
	}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/pause":  handler("pause", model.RunStatusPaused),
		"POST /v1/runs/{run_id}/resume": handler("resume", model.RunStatusRunning),
		"POST /v1/runs/{run_id}/stop":   handler("stop", model.RunStatusCancelled),
	})

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	run, err := c.PauseRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, run.Status)

	run, err = c.ResumeRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	run, err = c.StopRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, run.Status)

	assert.Equal(t, []string{"pause", "resume", "stop"}, got)
}

func TestControl_Conflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/resume": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "INVALID_TRANSITION", "message": "run is not paused"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.ResumeRun(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "INVALID_TRANSITION", apiErr.Code)
	assert.Equal(t, "run is not paused", apiErr.Message)
}

func TestNudge_RateLimited(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/nudge": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "12")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "slow down"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.NudgeRun(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 12*time.Second, apiErr.RetryAfter)
}

func TestErrorResponse_NonJSON(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream broke", http.StatusBadGateway)
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.GetRun(context.Background(), uuid.New())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Equal(t, "upstream broke", apiErr.Message)
}

func TestGetRun_NotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "RUN_NOT_FOUND", "message": "run not found"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.GetRun(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
}

func TestProcess_SendsInternalSecret(t *testing.T) {
	runID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/process": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-secret", r.Header.Get(scheduler.InternalSecretHeader))
			assert.Empty(t, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, scheduler.Invocation{RunID: runID, HasMore: true, Iterations: 3})
		},
	})

	c := newTestClient(t, srv.URL)
	inv, err := c.Process(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, inv.RunID)
	assert.True(t, inv.HasMore)
	assert.Equal(t, 3, inv.Iterations)
}

func TestProcess_RequiresSecret(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.Process(context.Background(), uuid.New())
	require.ErrorContains(t, err, "InternalSecret is required")
	_, err = c.Recover(context.Background())
	require.ErrorContains(t, err, "InternalSecret is required")
}

func TestRecover(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/recover": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-secret", r.Header.Get(scheduler.InternalSecretHeader))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.RecoverResponse{Continued: 2, RunIDs: ids},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	resp, err := c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Continued)
	assert.Equal(t, ids, resp.RunIDs)
}

func TestHealth_RawBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, model.HealthResponse{Status: "healthy", Version: "dev"})
		},
	})

	c := newTestClient(t, srv.URL)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "dev", h.Version)
}

func TestWatchRun(t *testing.T) {
	runID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/events": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusPaused, model.RunStatusCompleted} {
				payload, _ := json.Marshal(model.RunEvent{RunID: runID, Status: status})
				_, _ = fmt.Fprintf(w, "event: run\ndata: %s\n\n", payload)
				_, _ = fmt.Fprint(w, ":keepalive\n\n")
				flusher.Flush()
			}
			// Never reached by the client: the completed event ends the watch.
			payload, _ := json.Marshal(model.RunEvent{RunID: runID, Status: model.RunStatusRunning})
			_, _ = fmt.Fprintf(w, "event: run\ndata: %s\n\n", payload)
		},
	})

	c := newTestClient(t, srv.URL)
	var seen []model.RunStatus
	err := c.WatchRun(context.Background(), runID, func(ev model.RunEvent) error {
		seen = append(seen, ev.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.RunStatus{model.RunStatusRunning, model.RunStatusPaused, model.RunStatusCompleted}, seen)
}

func TestWatchRun_CallbackError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/events": func(w http.ResponseWriter, r *http.Request) {
			payload, _ := json.Marshal(model.RunEvent{Status: model.RunStatusRunning})
			_, _ = fmt.Fprintf(w, "event: run\ndata: %s\n\n", payload)
		},
	})

	c := newTestClient(t, srv.URL)
	stop := errors.New("stop")
	err := c.WatchRun(context.Background(), uuid.New(), func(model.RunEvent) error { return stop })
	assert.ErrorIs(t, err, stop)
}
