package kenkyu

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a research run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// RunEvent is the public representation of a run status or phase change.
// No internal package imports; safe to use from outside the module.
type RunEvent struct {
	RunID     uuid.UUID
	ProjectID uuid.UUID
	Status    RunStatus
	// Phase is the fine-grained pipeline position, e.g. "fanout_polling".
	Phase string
	// Error is set when Status is RunError.
	Error string
	At    time.Time
}

// InteractionStatus is the state of a long-running gateway interaction.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionRunning   InteractionStatus = "running"
	InteractionCompleted InteractionStatus = "completed"
	InteractionFailed    InteractionStatus = "failed"
	InteractionCancelled InteractionStatus = "cancelled"
)

// Interaction is what a Gateway reports when polled.
type Interaction struct {
	ID     string
	Status InteractionStatus
	// Text is the interaction's text output, joined in order.
	Text  string
	Error string
}

// InteractionRequest describes one interaction submission.
type InteractionRequest struct {
	Model             string
	Prompt            string
	AttachmentStoreID string
}
