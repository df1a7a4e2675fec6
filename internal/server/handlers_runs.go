package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// HandleCreateRun handles POST /v1/runs. The run is stored as pending and
// handed to the scheduler with an immediate continuation.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ProjectID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}
	if !claims.CanAccessProject(req.ProjectID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to this project")
		return
	}
	cfg := req.Config(h.defaultModel)
	if err := cfg.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.Subject, "POST:/v1/runs", req)
	if !proceed {
		return
	}

	run := model.NewRun(req.ProjectID, cfg, time.Now().UTC())
	if err := h.store.CreateRun(r.Context(), &run); err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("run_id", run.ID.String()))
	h.logger.Info("run created",
		"run_id", run.ID,
		"project_id", run.ProjectID,
		"hypothesis_count", cfg.HypothesisCount,
		"loop_count", cfg.LoopCount,
		"request_id", RequestIDFromContext(r.Context()),
	)
	h.auditOrLog(r, "run_create", "run", run.ID.String(), nil, run, map[string]any{
		"project_id": run.ProjectID.String(),
	})

	if err := h.continuer.Continue(r.Context(), run.ID, 0); err != nil {
		// The run stays pending; the recovery sweep continues it.
		h.logger.Error("continue new run failed", "run_id", run.ID, "error", err)
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, run)
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRunHypotheses handles GET /v1/runs/{run_id}/hypotheses.
// Soft-deleted hypotheses are included with ?include_deleted=true.
func (h *Handlers) HandleListRunHypotheses(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	hyps, err := h.store.ListRunHypotheses(r.Context(), run.ID, queryBool(r, "include_deleted"))
	if err != nil {
		h.writeInternalError(w, r, "failed to list hypotheses", err)
		return
	}
	if hyps == nil {
		hyps = []model.Hypothesis{}
	}
	writeList(w, r, hyps, len(hyps), len(hyps), 0, len(hyps))
}

// HandleListProjectRuns handles GET /v1/projects/{project_id}/runs.
func (h *Handlers) HandleListProjectRuns(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parsePathID(w, r, "project_id")
	if !ok {
		return
	}
	if !ctxutil.ClaimsFromContext(r.Context()).CanAccessProject(projectID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to this project")
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	runs, total, err := h.store.ListProjectRuns(r.Context(), projectID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeList(w, r, runs, total, limit, offset, len(runs))
}

// HandleDeleteHypothesis handles DELETE /v1/hypotheses/{hypothesis_id}.
// The row is soft-deleted: it stays visible to audits but stops counting
// for de-duplication of later runs.
func (h *Handlers) HandleDeleteHypothesis(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "hypothesis_id")
	if !ok {
		return
	}

	before, err := h.store.GetHypothesis(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) ||
		(err == nil && !ctxutil.ClaimsFromContext(r.Context()).CanAccessProject(before.ProjectID)) {
		h.writeRunError(w, r, runerr.New(runerr.KindHypothesisNotFound, "hypothesis %s not found", id))
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load hypothesis", err)
		return
	}

	after, err := h.store.SoftDeleteHypothesis(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to delete hypothesis", err)
		return
	}

	if before.DeletedAt == nil {
		h.logger.Info("hypothesis deleted",
			"hypothesis_id", id,
			"project_id", after.ProjectID,
			"request_id", RequestIDFromContext(r.Context()),
		)
		h.auditOrLog(r, "hypothesis_delete", "hypothesis", id.String(),
			map[string]any{"deleted_at": nil, "content_hash": before.ContentHash},
			map[string]any{"deleted_at": after.DeletedAt, "content_hash": after.ContentHash},
			map[string]any{"project_id": after.ProjectID.String()},
		)
	}
	writeJSON(w, r, http.StatusOK, after)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events (SSE). The first
// event is the run's current state; a terminal run ends the stream there.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before sending the snapshot so no transition is missed.
	ch := h.broker.Subscribe(run.ID)
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Long-lived connection: lift the server's write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	snapshot, _ := json.Marshal(model.EventFor(run, time.Now().UTC()))
	if _, err := w.Write(formatSSE("run", snapshot)); err != nil {
		return
	}
	flusher.Flush()
	if run.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
			if terminalEvent(event) {
				return
			}
		}
	}
}

// terminalEvent reports whether an SSE payload announces a finished run.
func terminalEvent(event []byte) bool {
	const prefix = "event: run\ndata: "
	if len(event) <= len(prefix) {
		return false
	}
	var ev model.RunEvent
	if err := json.Unmarshal(event[len(prefix):], &ev); err != nil {
		return false
	}
	return ev.Status.Terminal()
}

// loadRun fetches the run named by the run_id path parameter and checks the
// caller may see its project. It writes the error response itself.
func (h *Handlers) loadRun(w http.ResponseWriter, r *http.Request) (model.Run, bool) {
	id, ok := parsePathID(w, r, "run_id")
	if !ok {
		return model.Run{}, false
	}
	run, err := h.getVisibleRun(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return model.Run{}, false
	}
	return run, true
}

// getVisibleRun returns RUN_NOT_FOUND both for missing runs and for runs
// outside the caller's project scope.
func (h *Handlers) getVisibleRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := h.store.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Run{}, runerr.New(runerr.KindRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return model.Run{}, err
	}
	if c := ctxutil.ClaimsFromContext(ctx); c != nil && !c.CanAccessProject(run.ProjectID) {
		return model.Run{}, runerr.New(runerr.KindRunNotFound, "run %s not found", id)
	}
	return run, nil
}
