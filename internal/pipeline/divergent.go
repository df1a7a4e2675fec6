package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/prompts"
	"github.com/ashita-ai/kenkyu/internal/runerr"
)

// divergentStarting submits the divergent interaction. It is one-shot: a
// recorded, outstanding interaction means a previous call already
// submitted, so the run only moves on to polling.
func (e *Executor) divergentStarting(ctx context.Context, r *model.Run) (StepResult, error) {
	const phase = model.PhaseDivergentStarting

	if rec := r.OutstandingInteraction(model.StepDivergent, nil); rec != nil {
		if r.Progress.Divergent == nil {
			r.Progress.Divergent = &model.DivergentProgress{InteractionID: rec.InteractionID, SubmittedAt: rec.StartedAt}
		}
		if err := e.advance(r, model.PhaseDivergentPolling); err != nil {
			return StepResult{}, err
		}
		if err := e.save(ctx, r, phase); err != nil {
			return e.handleSaveError(ctx, r, phase, err)
		}
		return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true}, nil
	}

	if wait := e.rateLimitWait(r); wait > 0 {
		return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: wait}, nil
	}
	if strings.TrimSpace(r.Config.Topic) == "" {
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindMissingInput, "run has no research topic"))
	}

	prompt, err := e.prompts.Render(prompts.Divergent, promptData(r))
	if err != nil {
		return e.failRun(ctx, r, phase, runerr.Wrap(runerr.KindContentGeneration, err, "render divergent prompt"))
	}

	id, err := e.gw.CreateInteraction(ctx, gateway.CreateRequest{
		Model:             e.modelFor(r),
		Prompt:            prompt,
		AttachmentStoreID: r.Config.AttachmentStoreID,
	})
	if err != nil {
		return e.divergentGatewayError(ctx, r, phase, err)
	}

	now := e.now()
	r.RecordInteraction(model.StepDivergent, nil, id, now)
	r.Progress.Divergent = &model.DivergentProgress{InteractionID: id, SubmittedAt: now}
	r.Progress.RateLimit = nil
	if err := e.advance(r, model.PhaseDivergentPolling); err != nil {
		e.cancelInteractions(ctx, []string{id})
		return StepResult{}, err
	}
	// The interaction exists now; losing its id to a cancelled caller would
	// mean submitting it again.
	if err := e.save(context.WithoutCancel(ctx), r, phase); err != nil {
		return e.handleSaveError(ctx, r, phase, err, id)
	}
	e.logger.Info("pipeline: divergent interaction submitted", "run_id", r.ID, "interaction_id", id)
	return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true}, nil
}

// divergentPolling checks the divergent interaction once.
func (e *Executor) divergentPolling(ctx context.Context, r *model.Run) (StepResult, error) {
	const phase = model.PhaseDivergentPolling

	rec := r.OutstandingInteraction(model.StepDivergent, nil)
	if rec == nil {
		if r.DivergentOutput != nil {
			if err := e.advance(r, model.PhaseDivergentExtract); err != nil {
				return StepResult{}, err
			}
			if err := e.save(ctx, r, phase); err != nil {
				return e.handleSaveError(ctx, r, phase, err)
			}
			return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true}, nil
		}
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindMissingInput, "no divergent interaction recorded"))
	}
	interactionID := rec.InteractionID
	now := e.now()

	prog := r.Progress.Divergent
	if prog == nil {
		prog = &model.DivergentProgress{InteractionID: interactionID, SubmittedAt: rec.StartedAt}
		r.Progress.Divergent = prog
	}
	if now.Sub(prog.SubmittedAt) > e.cfg.OperationTimeout {
		r.FinishInteraction(interactionID, model.InteractionCancelled, now)
		e.cancelInteractions(ctx, []string{interactionID})
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindTimeout,
			"divergent interaction did not finish within %s", e.cfg.OperationTimeout).
			With("interaction_id", interactionID))
	}
	if wait := e.rateLimitWait(r); wait > 0 {
		return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: wait}, nil
	}
	if prog.LastPolledAt != nil {
		if wait := prog.LastPolledAt.Add(e.cfg.PollInterval).Sub(now); wait > 0 {
			return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: wait}, nil
		}
	}

	ia, err := e.gw.GetInteraction(ctx, interactionID)
	if err != nil {
		return e.divergentGatewayError(ctx, r, phase, err)
	}
	r.Progress.RateLimit = nil

	switch ia.Status {
	case model.InteractionCompleted:
		r.FinishInteraction(interactionID, model.InteractionCompleted, now)
		r.DivergentOutput = &model.DivergentOutput{InteractionID: interactionID, Text: ia.Text(), CompletedAt: now}
		prog.Polls++
		prog.LastPolledAt = &now
		if err := e.advance(r, model.PhaseDivergentExtract); err != nil {
			return StepResult{}, err
		}
		if err := e.save(ctx, r, phase); err != nil {
			return e.handleSaveError(ctx, r, phase, err)
		}
		return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true}, nil

	case model.InteractionFailed, model.InteractionCancelled:
		r.FinishInteraction(interactionID, ia.Status, now)
		reason := ia.Error
		if reason == "" {
			reason = string(ia.Status)
		}
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindExternalOperation,
			"divergent interaction %s: %s", ia.Status, reason).With("interaction_id", interactionID))

	default:
		r.FinishInteraction(interactionID, ia.Status, now)
		prog.Polls++
		prog.LastPolledAt = &now
		if err := e.save(ctx, r, phase); err != nil {
			return e.handleSaveError(ctx, r, phase, err)
		}
		return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: e.cfg.PollInterval}, nil
	}
}

// rateLimitWait is the time left before the run's divergent step may call
// the gateway again.
func (e *Executor) rateLimitWait(r *model.Run) time.Duration {
	if r.Progress.RateLimit == nil {
		return 0
	}
	return until(r.Progress.RateLimit.NextAttemptAt, e.now())
}

// divergentGatewayError backs off on rate limits and fails the run on
// anything else.
func (e *Executor) divergentGatewayError(ctx context.Context, r *model.Run, phase model.Phase, err error) (StepResult, error) {
	hint, limited := runerr.RetryAfterOf(err)
	if !limited {
		if runerr.KindOf(err) == runerr.KindInternal {
			err = runerr.Wrap(runerr.KindExternalOperation, err, "divergent gateway call failed")
		}
		return e.failRun(ctx, r, phase, err)
	}

	rl := r.Progress.RateLimit
	if rl == nil {
		rl = &model.RateLimitProgress{}
		r.Progress.RateLimit = rl
	}
	rl.Consecutive++
	if rl.Consecutive > e.cfg.MaxRateLimitRetries {
		return e.failRun(ctx, r, phase, runerr.NewRateLimit(hint,
			"gateway rate limit persisted after %d retries", e.cfg.MaxRateLimitRetries))
	}
	delay := e.backoff(rl.Consecutive, hint)
	next := e.now().Add(delay)
	rl.NextAttemptAt = &next
	if serr := e.save(ctx, r, phase); serr != nil {
		return e.handleSaveError(ctx, r, phase, serr)
	}
	e.logger.Info("pipeline: divergent step rate limited",
		"run_id", r.ID, "phase", phase, "consecutive", rl.Consecutive, "retry_after", delay)
	return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true, RetryAfter: delay}, nil
}
