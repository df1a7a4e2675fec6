package kenkyu

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/runerr"
)

// gatewayAdapter exposes a public Gateway as the internal gateway.Client,
// classifying its errors so the pipeline can tell throttling from failure.
type gatewayAdapter struct {
	g Gateway
}

func (a gatewayAdapter) CreateInteraction(ctx context.Context, req gateway.CreateRequest) (string, error) {
	id, err := a.g.Submit(ctx, InteractionRequest{
		Model:             req.Model,
		Prompt:            req.Prompt,
		AttachmentStoreID: req.AttachmentStoreID,
	})
	if err != nil {
		return "", classify(err, "gateway submit")
	}
	if id == "" {
		return "", runerr.New(runerr.KindExternalOperation, "gateway returned an interaction without an id")
	}
	return id, nil
}

func (a gatewayAdapter) GetInteraction(ctx context.Context, id string) (gateway.Interaction, error) {
	in, err := a.g.Poll(ctx, id)
	if err != nil {
		return gateway.Interaction{}, classify(err, "gateway poll %s", id)
	}
	out := gateway.Interaction{
		ID:     in.ID,
		Status: model.InteractionStatus(in.Status),
		Error:  in.Error,
	}
	if out.ID == "" {
		out.ID = id
	}
	if in.Text != "" {
		out.Outputs = []gateway.Output{{Type: "text", Text: in.Text}}
	}
	return out, nil
}

func (a gatewayAdapter) CancelInteraction(ctx context.Context, id string) error {
	if err := a.g.Cancel(ctx, id); err != nil {
		return classify(err, "gateway cancel %s", id)
	}
	return nil
}

func (a gatewayAdapter) DeleteTransientStore(ctx context.Context, storeID string) error {
	if err := a.g.DeleteStore(ctx, storeID); err != nil {
		return classify(err, "gateway delete store %s", storeID)
	}
	return nil
}

func (a gatewayAdapter) Generate(ctx context.Context, modelName, prompt string) (string, error) {
	text, err := a.g.Generate(ctx, modelName, prompt)
	if err != nil {
		return "", classify(err, "gateway generate")
	}
	return text, nil
}

// classify maps a public gateway error onto the internal error kinds.
// err must be non-nil.
func classify(err error, format string, args ...any) error {
	if runerr.KindOf(err) != runerr.KindInternal {
		return err
	}
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		return runerr.NewRateLimit(rl.RetryAfter, format+": rate limited", args...)
	case errors.Is(err, ErrRateLimited):
		return runerr.NewRateLimit(0, format+": rate limited", args...)
	case errors.Is(err, context.DeadlineExceeded):
		return runerr.Wrap(runerr.KindTimeout, err, format, args...)
	}
	return runerr.Wrap(runerr.KindExternalOperation, err, format, args...)
}

// eventPublisher forwards run events to the configured transport (broker
// or NOTIFY) and to every registered EventHook.
type eventPublisher struct {
	next   pipeline.Publisher
	hooks  []EventHook
	logger *slog.Logger
}

func (p *eventPublisher) PublishRunEvent(ctx context.Context, ev model.RunEvent) error {
	if len(p.hooks) > 0 {
		pub := toPublicEvent(ev)
		hookCtx := context.WithoutCancel(ctx)
		for _, h := range p.hooks {
			go func(h EventHook) {
				if err := h.OnRunEvent(hookCtx, pub); err != nil {
					p.logger.Warn("event hook failed", "run_id", ev.RunID, "status", ev.Status, "error", err)
				}
			}(h)
		}
	}
	return p.next.PublishRunEvent(ctx, ev)
}

func toPublicEvent(ev model.RunEvent) RunEvent {
	return RunEvent{
		RunID:     ev.RunID,
		ProjectID: ev.ProjectID,
		Status:    RunStatus(ev.Status),
		Phase:     string(ev.Phase),
		Error:     ev.Error,
		At:        ev.At,
	}
}
