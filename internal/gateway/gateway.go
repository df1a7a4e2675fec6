// Package gateway is the client side of the external AI research API.
//
// Long-running work is modelled as interactions: CreateInteraction submits
// and returns an id immediately, GetInteraction polls. Nothing here blocks
// until an interaction finishes. Failures are classified with runerr so the
// pipeline can tell rate limits (retry later) from hard failures.
package gateway

import (
	"context"
	"strings"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// CreateRequest describes one interaction submission.
type CreateRequest struct {
	Model             string
	Prompt            string
	AttachmentStoreID string
}

// Output is one output part of an interaction.
type Output struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Interaction is the gateway's view of a long-running operation.
type Interaction struct {
	ID      string                  `json:"id"`
	Status  model.InteractionStatus `json:"status"`
	Outputs []Output                `json:"outputs"`
	Error   string                  `json:"error,omitempty"`
}

// Text joins the text outputs in order.
func (i Interaction) Text() string {
	var parts []string
	for _, o := range i.Outputs {
		if o.Type == "" || o.Type == "text" {
			parts = append(parts, o.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Client is the AI gateway contract used by the pipeline.
type Client interface {
	// CreateInteraction submits a background interaction and returns its id.
	CreateInteraction(ctx context.Context, req CreateRequest) (string, error)

	// GetInteraction returns the current status and outputs.
	GetInteraction(ctx context.Context, id string) (Interaction, error)

	// CancelInteraction asks the gateway to stop an interaction. Cancelling a
	// finished interaction is not an error.
	CancelInteraction(ctx context.Context, id string) error

	// DeleteTransientStore removes an attachment store created for a run.
	DeleteTransientStore(ctx context.Context, storeID string) error

	// Generate runs a short synchronous completion.
	Generate(ctx context.Context, model, prompt string) (string, error)
}
