package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
)

// HandlePauseRun handles POST /v1/runs/{run_id}/pause.
func (h *Handlers) HandlePauseRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.controller.Pause)
}

// HandleResumeRun handles POST /v1/runs/{run_id}/resume.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.controller.Resume)
}

// HandleStopRun handles POST /v1/runs/{run_id}/stop.
func (h *Handlers) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.controller.Stop)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID) (model.Run, error)) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	updated, err := action(r.Context(), run.ID)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleNudgeRun handles POST /v1/runs/{run_id}/nudge. A run that is not
// pending or running is returned unchanged with continued=false.
func (h *Handlers) HandleNudgeRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	updated, continued, err := h.controller.Nudge(r.Context(), run.ID)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NudgeResponse{Run: updated, Continued: continued})
}

// HandleProcessRun handles POST /v1/runs/{run_id}/process, the internal
// trigger behind every continuation. The invocation report is returned
// without the envelope. Pipeline failures are recorded on the run and
// reported in the body with a 200, so the caller never retries them. A run
// that no longer exists is reported the same way. Only infrastructure
// failures produce a 500, which the caller may retry.
func (h *Handlers) HandleProcessRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "run_id")
	if !ok {
		return
	}
	inv, err := h.processor.Process(r.Context(), id)
	if runerr.KindOf(err) == runerr.KindRunNotFound {
		inv.RunID = id
		inv.Error = err.Error()
		writeRawJSON(w, http.StatusOK, inv)
		return
	}
	if err != nil {
		h.logger.Error("process run failed",
			"run_id", id,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
		if inv.Error == "" {
			inv.Error = err.Error()
		}
		inv.RunID = id
		writeRawJSON(w, http.StatusInternalServerError, inv)
		return
	}
	writeRawJSON(w, http.StatusOK, inv)
}

// HandleRecover handles POST /v1/recover, the periodic trigger that
// re-continues runs whose continuation was lost.
func (h *Handlers) HandleRecover(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "recovery not configured")
		return
	}
	ids, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "recovery sweep failed", err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeJSON(w, r, http.StatusOK, model.RecoverResponse{Continued: len(ids), RunIDs: ids})
}
