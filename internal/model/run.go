// Package model defines the core domain types for kenkyu.
//
// Runs and hypotheses map directly onto the runs and hypotheses tables.
// Everything the executor needs to resume a run lives on these types; no
// in-memory state survives between invocations.
package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the user-visible lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError || s == RunStatusCancelled
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// Limits on run configuration.
const (
	MaxHypothesisCount = 50
	MaxLoopCount       = 10
	MaxTopicLen        = 16 * 1024
)

// RunConfig is the immutable configuration a run was created with.
type RunConfig struct {
	HypothesisCount   int    `json:"hypothesis_count"`
	LoopCount         int    `json:"loop_count"`
	LoopIndex         int    `json:"loop_index"`
	Model             string `json:"model,omitempty"`
	Topic             string `json:"topic"`
	AttachmentStoreID string `json:"attachment_store_id,omitempty"`
}

// Validate checks the configuration limits. A missing topic is not rejected
// here: it surfaces as MISSING_INPUT when the divergent step needs it.
func (c RunConfig) Validate() error {
	if c.HypothesisCount < 1 || c.HypothesisCount > MaxHypothesisCount {
		return fmt.Errorf("hypothesis_count must be between 1 and %d", MaxHypothesisCount)
	}
	if c.LoopCount < 1 || c.LoopCount > MaxLoopCount {
		return fmt.Errorf("loop_count must be between 1 and %d", MaxLoopCount)
	}
	if c.LoopIndex < 1 || c.LoopIndex > c.LoopCount {
		return fmt.Errorf("loop_index must be between 1 and loop_count")
	}
	if len(c.Topic) > MaxTopicLen {
		return fmt.Errorf("topic exceeds maximum length of %d bytes", MaxTopicLen)
	}
	return nil
}

// InteractionStatus mirrors the gateway's view of a long-running operation.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionRunning   InteractionStatus = "running"
	InteractionCompleted InteractionStatus = "completed"
	InteractionFailed    InteractionStatus = "failed"
	InteractionCancelled InteractionStatus = "cancelled"
)

// Outstanding reports whether the interaction may still produce output.
func (s InteractionStatus) Outstanding() bool {
	return s == InteractionPending || s == InteractionRunning || s == ""
}

// Interaction steps recorded on a run.
const (
	StepDivergent = "divergent"
	StepPhaseB    = "phase_b"
	StepPhaseC    = "phase_c"
	StepPhaseD    = "phase_d"
)

// InteractionRecord is an append-only log entry for one external operation.
type InteractionRecord struct {
	Step          string            `json:"step"`
	HypothesisID  *uuid.UUID        `json:"hypothesis_id,omitempty"`
	InteractionID string            `json:"interaction_id"`
	Status        InteractionStatus `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// DivergentOutput is the raw result of the divergent operation.
type DivergentOutput struct {
	InteractionID string    `json:"interaction_id"`
	Text          string    `json:"text"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Candidate is one hypothesis candidate extracted from the divergent output.
type Candidate struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// ResultEntry is one completed hypothesis inside the integrated result.
type ResultEntry struct {
	HypothesisID uuid.UUID `json:"hypothesis_id"`
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	ContentHash  string    `json:"content_hash"`
	PhaseB       string    `json:"phase_b"`
	PhaseC       string    `json:"phase_c"`
	PhaseD       string    `json:"phase_d"`
}

// FailedEntry records a hypothesis that ended in error.
type FailedEntry struct {
	HypothesisID uuid.UUID `json:"hypothesis_id"`
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Error        string    `json:"error"`
}

// IntegratedResult is the aggregate output of a finished run.
type IntegratedResult struct {
	Entries     []ResultEntry `json:"entries"`
	Failed      []FailedEntry `json:"failed,omitempty"`
	Digest      string        `json:"digest"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Run is one end-to-end execution of the pipeline for a project.
type Run struct {
	ID              uuid.UUID           `json:"id"`
	ProjectID       uuid.UUID           `json:"project_id"`
	PreviousRunID   *uuid.UUID          `json:"previous_run_id,omitempty"`
	Config          RunConfig           `json:"config"`
	Status          RunStatus           `json:"status"`
	CurrentPhase    Phase               `json:"current_phase"`
	CurrentStep     int                 `json:"current_step"`
	Interactions    []InteractionRecord `json:"interactions"`
	DivergentOutput *DivergentOutput    `json:"divergent_output,omitempty"`
	Result          *IntegratedResult   `json:"result,omitempty"`
	Progress        Progress            `json:"progress"`
	ResumeCount     int                 `json:"resume_count"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// NewRun builds a pending run ready to be inserted.
func NewRun(projectID uuid.UUID, cfg RunConfig, now time.Time) Run {
	return Run{
		ID:           uuid.New(),
		ProjectID:    projectID,
		Config:       cfg,
		Status:       RunStatusPending,
		CurrentPhase: PhasePending,
		Interactions: []InteractionRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Successor builds the pending run for the next loop iteration, or returns
// false when this run is the last loop.
func (r Run) Successor(now time.Time) (Run, bool) {
	if r.Config.LoopIndex >= r.Config.LoopCount {
		return Run{}, false
	}
	cfg := r.Config
	cfg.LoopIndex++
	next := NewRun(r.ProjectID, cfg, now)
	prev := r.ID
	next.PreviousRunID = &prev
	return next, true
}

// CurrentLoop and TotalLoops expose the loop position.
func (r Run) CurrentLoop() int { return r.Config.LoopIndex }
func (r Run) TotalLoops() int  { return r.Config.LoopCount }

// SetPhase moves the run to next and keeps the coarse step in sync. It
// refuses moves that would lower the phase rank.
func (r *Run) SetPhase(next Phase) error {
	if !r.CurrentPhase.CanAdvanceTo(next) {
		return fmt.Errorf("model: phase %s cannot follow %s", next, r.CurrentPhase)
	}
	r.CurrentPhase = next
	r.CurrentStep = next.Step()
	return nil
}

// OutstandingInteraction returns the latest interaction for step (and
// hypothesis, when non-nil) that has not reached a final status.
func (r *Run) OutstandingInteraction(step string, hypothesisID *uuid.UUID) *InteractionRecord {
	for i := len(r.Interactions) - 1; i >= 0; i-- {
		rec := &r.Interactions[i]
		if rec.Step != step || !sameID(rec.HypothesisID, hypothesisID) {
			continue
		}
		if rec.Status.Outstanding() {
			return rec
		}
		return nil
	}
	return nil
}

// RecordInteraction appends a submitted interaction.
func (r *Run) RecordInteraction(step string, hypothesisID *uuid.UUID, interactionID string, now time.Time) {
	r.Interactions = append(r.Interactions, InteractionRecord{
		Step:          step,
		HypothesisID:  hypothesisID,
		InteractionID: interactionID,
		Status:        InteractionPending,
		StartedAt:     now,
	})
}

// FinishInteraction marks the record with interactionID as done. Unknown ids
// are ignored.
func (r *Run) FinishInteraction(interactionID string, status InteractionStatus, now time.Time) {
	idx := slices.IndexFunc(r.Interactions, func(rec InteractionRecord) bool {
		return rec.InteractionID == interactionID
	})
	if idx < 0 {
		return
	}
	r.Interactions[idx].Status = status
	if !status.Outstanding() {
		t := now
		r.Interactions[idx].CompletedAt = &t
	}
}

// PendingInteractionIDs lists every interaction that may still be running.
func (r Run) PendingInteractionIDs() []string {
	var ids []string
	for _, rec := range r.Interactions {
		if rec.Status.Outstanding() {
			ids = append(ids, rec.InteractionID)
		}
	}
	return ids
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StatusTransition describes a guarded status change applied by run control
// and by the executor's first step. The write succeeds only when the current
// status is one of From.
type StatusTransition struct {
	From            []RunStatus
	To              RunStatus
	IncrementResume bool
	SetStartedAt    bool
	SetCompletedAt  bool
}
