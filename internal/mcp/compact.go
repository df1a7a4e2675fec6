package mcp

import (
	"fmt"

	"github.com/ashita-ai/kenkyu/internal/model"
)

const maxCompactSummary = 200

// compactRun returns the fields of a run an agent acts on. Interaction
// records, raw divergent output and phase timings are dropped.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":           r.ID,
		"project_id":   r.ProjectID,
		"topic":        truncate(r.Config.Topic, maxCompactSummary),
		"status":       r.Status,
		"phase":        r.CurrentPhase,
		"step":         r.CurrentStep,
		"loop":         fmt.Sprintf("%d/%d", r.CurrentLoop(), r.TotalLoops()),
		"hypotheses":   r.Config.HypothesisCount,
		"resume_count": r.ResumeCount,
		"created_at":   r.CreatedAt,
	}
	if r.PreviousRunID != nil {
		m["previous_run_id"] = r.PreviousRunID
	}
	if f := r.Progress.Fanout; f != nil {
		m["fanout"] = map[string]int{"total": f.Total, "completed": f.Completed, "failed": f.Failed}
	}
	if r.ErrorMessage != nil {
		m["error"] = truncate(*r.ErrorMessage, maxCompactSummary)
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
	}
	if r.Result != nil {
		m["result_digest"] = r.Result.Digest
	}
	if note := runNote(r); note != "" {
		m["note"] = note
	}
	return m
}

// runNote tells the agent what the run is waiting on. First match wins.
func runNote(r model.Run) string {
	switch r.Status {
	case model.RunStatusPaused:
		return fmt.Sprintf("Paused at %s. Call kenkyu_resume_run to continue from there.", r.CurrentPhase)
	case model.RunStatusCancelled:
		return "Stopped by an operator. The run cannot be resumed."
	case model.RunStatusError:
		if f := r.Progress.Failure; f != nil {
			return fmt.Sprintf("Failed during %s (%s).", f.Phase, f.Code)
		}
		return "Failed."
	case model.RunStatusCompleted:
		if r.Result != nil {
			return fmt.Sprintf("Completed with %d hypotheses, %d failed.", len(r.Result.Entries), len(r.Result.Failed))
		}
		return "Completed."
	}

	if rl := r.Progress.RateLimit; rl != nil && rl.NextAttemptAt != nil {
		return fmt.Sprintf("Backing off after %d rate-limited attempt(s); next attempt at %s.",
			rl.Consecutive, rl.NextAttemptAt.UTC().Format("15:04:05Z"))
	}
	if f := r.Progress.Fanout; f != nil && f.Total > 0 {
		return fmt.Sprintf("Fan-out: %d of %d hypotheses finished.", f.Completed+f.Failed, f.Total)
	}
	if r.Status == model.RunStatusPending {
		return "Waiting for its first invocation."
	}
	return ""
}

// compactHypothesis drops phase outputs, keeping only which ones exist.
func compactHypothesis(h model.Hypothesis) map[string]any {
	m := map[string]any{
		"id":      h.ID,
		"index":   h.Index,
		"title":   h.DisplayTitle,
		"summary": truncate(h.Summary, maxCompactSummary),
		"status":  h.Status,
		"outputs": map[string]bool{
			"phase_b": h.Outputs.PhaseB != nil,
			"phase_c": h.Outputs.PhaseC != nil,
			"phase_d": h.Outputs.PhaseD != nil,
		},
	}
	if h.RateLimitHits > 0 {
		m["rate_limit_hits"] = h.RateLimitHits
	}
	if h.ErrorMessage != nil {
		m["error"] = truncate(*h.ErrorMessage, maxCompactSummary)
	}
	if h.DeletedAt != nil {
		m["deleted_at"] = h.DeletedAt
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
