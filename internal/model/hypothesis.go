package model

import (
	"time"

	"github.com/google/uuid"
)

// HypothesisStatus is the position of one candidate in its sub-pipeline.
type HypothesisStatus string

const (
	HypothesisPending   HypothesisStatus = "pending"
	HypothesisPhaseB    HypothesisStatus = "phase_b"
	HypothesisPhaseC    HypothesisStatus = "phase_c"
	HypothesisPhaseD    HypothesisStatus = "phase_d"
	HypothesisCompleted HypothesisStatus = "completed"
	HypothesisError     HypothesisStatus = "error"
)

// Terminal reports whether the hypothesis is done, successfully or not.
func (s HypothesisStatus) Terminal() bool {
	return s == HypothesisCompleted || s == HypothesisError
}

// Next returns the status that follows a completed phase.
func (s HypothesisStatus) Next() HypothesisStatus {
	switch s {
	case HypothesisPending:
		return HypothesisPhaseB
	case HypothesisPhaseB:
		return HypothesisPhaseC
	case HypothesisPhaseC:
		return HypothesisPhaseD
	case HypothesisPhaseD:
		return HypothesisCompleted
	default:
		return s
	}
}

// Step returns the interaction step name for an active phase.
func (s HypothesisStatus) Step() string {
	switch s {
	case HypothesisPhaseB:
		return StepPhaseB
	case HypothesisPhaseC:
		return StepPhaseC
	case HypothesisPhaseD:
		return StepPhaseD
	default:
		return ""
	}
}

// HypothesisOutputs holds the per-phase results.
type HypothesisOutputs struct {
	PhaseB *string `json:"phase_b,omitempty"`
	PhaseC *string `json:"phase_c,omitempty"`
	PhaseD *string `json:"phase_d,omitempty"`
}

// Hypothesis is one candidate generated by a run.
type Hypothesis struct {
	ID                   uuid.UUID         `json:"id"`
	Seq                  int64             `json:"seq"`
	Index                int               `json:"index"`
	RunID                *uuid.UUID        `json:"run_id,omitempty"`
	ProjectID            uuid.UUID         `json:"project_id"`
	DisplayTitle         string            `json:"display_title"`
	Summary              string            `json:"summary"`
	ContentHash          string            `json:"content_hash"`
	Outputs              HypothesisOutputs `json:"outputs"`
	Status               HypothesisStatus  `json:"processing_status"`
	CurrentInteractionID *string           `json:"current_interaction_id,omitempty"`
	InteractionStartedAt *time.Time        `json:"interaction_started_at,omitempty"`
	LastPolledAt         *time.Time        `json:"last_polled_at,omitempty"`
	NextAttemptAt        *time.Time        `json:"next_attempt_at,omitempty"`
	RateLimitHits        int               `json:"rate_limit_hits"`
	ErrorMessage         *string           `json:"error_message,omitempty"`
	DeletedAt            *time.Time        `json:"deleted_at,omitempty"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// NeedsSubmission reports whether the hypothesis sits in an active phase
// with no interaction in flight.
func (h Hypothesis) NeedsSubmission() bool {
	return h.Status.Step() != "" && h.CurrentInteractionID == nil
}

// PrerequisitesMet reports whether every earlier phase's output exists for
// the current status. A hypothesis that fails this check is corrupt.
func (h Hypothesis) PrerequisitesMet() bool {
	switch h.Status {
	case HypothesisPhaseC:
		return h.Outputs.PhaseB != nil
	case HypothesisPhaseD:
		return h.Outputs.PhaseB != nil && h.Outputs.PhaseC != nil
	case HypothesisCompleted:
		return h.Outputs.PhaseB != nil && h.Outputs.PhaseC != nil && h.Outputs.PhaseD != nil
	default:
		return true
	}
}

// SetOutput stores text as the output of the phase the hypothesis is in.
func (h *Hypothesis) SetOutput(text string) {
	switch h.Status {
	case HypothesisPhaseB:
		h.Outputs.PhaseB = &text
	case HypothesisPhaseC:
		h.Outputs.PhaseC = &text
	case HypothesisPhaseD:
		h.Outputs.PhaseD = &text
	}
}

// PreviousOutput returns the output the current phase builds on.
func (h Hypothesis) PreviousOutput() string {
	switch h.Status {
	case HypothesisPhaseC:
		return deref(h.Outputs.PhaseB)
	case HypothesisPhaseD:
		return deref(h.Outputs.PhaseC)
	default:
		return ""
	}
}

// Fail moves the hypothesis to error.
func (h *Hypothesis) Fail(msg string) {
	h.Status = HypothesisError
	h.ErrorMessage = &msg
	h.CurrentInteractionID = nil
	h.InteractionStartedAt = nil
	h.NextAttemptAt = nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
