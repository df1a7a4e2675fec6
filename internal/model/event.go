package model

import (
	"time"

	"github.com/google/uuid"
)

// RunEvent is published whenever a run changes phase or status. It is the
// payload of the run-events notification channel and of the SSE stream.
type RunEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Status    RunStatus `json:"status"`
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// EventFor builds the event describing r's current state.
func EventFor(r Run, at time.Time) RunEvent {
	ev := RunEvent{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Status:    r.Status,
		Phase:     r.CurrentPhase,
		At:        at,
	}
	if r.ErrorMessage != nil {
		ev.Error = *r.ErrorMessage
	}
	return ev
}
