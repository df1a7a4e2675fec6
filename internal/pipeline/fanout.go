package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// hypothesisStep is the outcome of one unit of work on one hypothesis.
type hypothesisStep struct {
	h model.Hypothesis

	submitted      string // interaction submitted by this step
	step           string
	finished       string // interaction that reached a final status
	finishedStatus model.InteractionStatus
	stale          bool
}

// fanout advances up to FanoutWidth non-terminal hypotheses by one unit of
// work each. Hypotheses are independent: a failure is recorded on that
// hypothesis and never stops its siblings.
func (e *Executor) fanout(ctx context.Context, r *model.Run) (StepResult, error) {
	phase := r.CurrentPhase

	hyps, err := e.store.ListRunHypotheses(ctx, r.ID, false)
	if err != nil {
		return StepResult{}, fmt.Errorf("pipeline: list hypotheses: %w", err)
	}
	prog := r.Progress.Fanout
	if prog == nil {
		prog = &model.FanoutProgress{Total: len(hyps)}
		r.Progress.Fanout = prog
	}

	now := e.now()
	var actionable []int
	for i, h := range hyps {
		if !h.Status.Terminal() && e.hypothesisWait(h, now) == 0 {
			actionable = append(actionable, i)
		}
	}
	selected := roundRobin(hyps, actionable, prog.Cursor, e.cfg.FanoutWidth)

	if len(selected) == 0 && !allTerminal(hyps) {
		return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: e.nextWait(hyps)}, nil
	}

	steps := make([]hypothesisStep, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.GatewayConcurrency)
	for k, i := range selected {
		g.Go(func() error {
			s, err := e.advanceHypothesis(gctx, r, hyps[i], now)
			steps[k] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}

	var submitted []string
	for k, i := range selected {
		s := steps[k]
		if s.stale {
			continue
		}
		hyps[i] = s.h
		id := s.h.ID
		if s.submitted != "" {
			r.RecordInteraction(s.step, &id, s.submitted, now)
			submitted = append(submitted, s.submitted)
		}
		if s.finished != "" {
			r.FinishInteraction(s.finished, s.finishedStatus, now)
		}
	}
	if len(selected) > 0 {
		prog.Cursor = hyps[selected[len(selected)-1]].Index + 1
	}
	prog.Total = len(hyps)
	prog.Completed, prog.Failed = 0, 0
	for _, h := range hyps {
		switch h.Status {
		case model.HypothesisCompleted:
			prog.Completed++
		case model.HypothesisError:
			prog.Failed++
		}
	}

	reported := model.PhaseFanoutPolling
	if len(submitted) > 0 {
		reported = model.PhaseFanoutParallel
	}
	next := reported
	if allTerminal(hyps) {
		next = model.PhaseAggregate
	}
	if phase == model.PhaseFanoutStarting {
		reported = phase
	}

	if err := e.advance(r, next); err != nil {
		return StepResult{}, err
	}
	if err := e.save(ctx, r, phase); err != nil {
		res, herr := e.handleSaveError(ctx, r, reported, err)
		if herr == nil && !res.HasMore {
			// The run was stopped under us; nothing will poll these.
			e.cancelInteractions(ctx, submitted)
		}
		return res, herr
	}

	res := StepResult{Phase: reported, NextPhase: next, HasMore: true}
	if next != model.PhaseAggregate {
		res.RetryAfter = e.nextWait(hyps)
	}
	return res, nil
}

// advanceHypothesis performs one submit or poll for h and saves it. A
// failed save cancels what the step submitted; a stale one also discards
// the step.
func (e *Executor) advanceHypothesis(ctx context.Context, r *model.Run, h model.Hypothesis, now time.Time) (hypothesisStep, error) {
	s := hypothesisStep{h: h}
	hp := &s.h

	switch {
	case !hp.PrerequisitesMet():
		hp.Fail(fmt.Sprintf("%s: output of an earlier phase is missing", runerr.KindMissingInput))
	case hp.CurrentInteractionID == nil:
		if hp.Status == model.HypothesisPending {
			hp.Status = hp.Status.Next()
		}
		e.submitHypothesis(ctx, r, &s, now)
	default:
		e.pollHypothesis(ctx, &s, now)
	}

	saveCtx := ctx
	if s.submitted != "" {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := e.store.SaveHypothesis(saveCtx, hp); err != nil {
		if s.submitted != "" {
			e.cancelInteractions(ctx, []string{s.submitted})
		}
		if errors.Is(err, storage.ErrStale) {
			s.stale = true
			return s, nil
		}
		return s, fmt.Errorf("pipeline: save hypothesis %s: %w", hp.ID, err)
	}
	if hp.Status.Terminal() {
		e.logger.Info("pipeline: hypothesis finished",
			"run_id", r.ID, "hypothesis_id", hp.ID, "status", hp.Status)
	}
	return s, nil
}

func (e *Executor) submitHypothesis(ctx context.Context, r *model.Run, s *hypothesisStep, now time.Time) {
	hp := &s.h
	step := hp.Status.Step()

	data := promptData(r)
	data.Title = hp.DisplayTitle
	data.Summary = hp.Summary
	data.Previous = hp.PreviousOutput()
	prompt, err := e.prompts.Render(step, data)
	if err != nil {
		hp.Fail(fmt.Sprintf("%s: %v", runerr.KindContentGeneration, err))
		return
	}

	id, err := e.gw.CreateInteraction(ctx, gateway.CreateRequest{
		Model:             e.modelFor(r),
		Prompt:            prompt,
		AttachmentStoreID: r.Config.AttachmentStoreID,
	})
	if err != nil {
		e.hypothesisGatewayError(ctx, s, err, now)
		return
	}
	hp.CurrentInteractionID = &id
	hp.InteractionStartedAt = &now
	hp.LastPolledAt = nil
	hp.NextAttemptAt = nil
	hp.RateLimitHits = 0
	s.submitted = id
	s.step = step
}

func (e *Executor) pollHypothesis(ctx context.Context, s *hypothesisStep, now time.Time) {
	hp := &s.h
	id := *hp.CurrentInteractionID

	if hp.InteractionStartedAt != nil && now.Sub(*hp.InteractionStartedAt) > e.cfg.OperationTimeout {
		e.cancelInteractions(ctx, []string{id})
		s.finished, s.finishedStatus = id, model.InteractionCancelled
		hp.Fail(fmt.Sprintf("%s: %s did not finish within %s", runerr.KindTimeout, hp.Status, e.cfg.OperationTimeout))
		return
	}

	ia, err := e.gw.GetInteraction(ctx, id)
	if err != nil {
		e.hypothesisGatewayError(ctx, s, err, now)
		return
	}
	hp.RateLimitHits = 0
	hp.NextAttemptAt = nil

	switch ia.Status {
	case model.InteractionCompleted:
		s.finished, s.finishedStatus = id, model.InteractionCompleted
		hp.SetOutput(ia.Text())
		hp.Status = hp.Status.Next()
		hp.CurrentInteractionID = nil
		hp.InteractionStartedAt = nil
		hp.LastPolledAt = nil
	case model.InteractionFailed, model.InteractionCancelled:
		s.finished, s.finishedStatus = id, ia.Status
		reason := ia.Error
		if reason == "" {
			reason = string(ia.Status)
		}
		hp.Fail(fmt.Sprintf("%s: %s interaction %s: %s", runerr.KindExternalOperation, hp.Status, ia.Status, reason))
	default:
		hp.LastPolledAt = &now
	}
}

// hypothesisGatewayError backs the hypothesis off on rate limits and fails
// it on anything else.
func (e *Executor) hypothesisGatewayError(ctx context.Context, s *hypothesisStep, err error, now time.Time) {
	hp := &s.h
	hint, limited := runerr.RetryAfterOf(err)
	if limited {
		hp.RateLimitHits++
		if hp.RateLimitHits <= e.cfg.MaxRateLimitRetries {
			next := now.Add(e.backoff(hp.RateLimitHits, hint))
			hp.NextAttemptAt = &next
			return
		}
	}
	if hp.CurrentInteractionID != nil {
		id := *hp.CurrentInteractionID
		e.cancelInteractions(ctx, []string{id})
		s.finished, s.finishedStatus = id, model.InteractionCancelled
	}
	kind := runerr.KindOf(err)
	if kind == runerr.KindInternal {
		kind = runerr.KindExternalOperation
	}
	hp.Fail(fmt.Sprintf("%s: %s", kind, runerr.Message(err)))
}

// hypothesisWait is how long h must wait before its next unit of work.
func (e *Executor) hypothesisWait(h model.Hypothesis, now time.Time) time.Duration {
	wait := until(h.NextAttemptAt, now)
	if h.CurrentInteractionID != nil && h.LastPolledAt != nil {
		next := h.LastPolledAt.Add(e.cfg.PollInterval)
		if d := until(&next, now); d > wait {
			wait = d
		}
	}
	return wait
}

// nextWait is the shortest wait among non-terminal hypotheses.
func (e *Executor) nextWait(hyps []model.Hypothesis) time.Duration {
	now := e.now()
	var best time.Duration = -1
	for _, h := range hyps {
		if h.Status.Terminal() {
			continue
		}
		if w := e.hypothesisWait(h, now); best < 0 || w < best {
			best = w
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func allTerminal(hyps []model.Hypothesis) bool {
	for _, h := range hyps {
		if !h.Status.Terminal() {
			return false
		}
	}
	return true
}

// roundRobin picks up to width entries of actionable (indexes into hyps,
// ordered by hypothesis index), starting at the first hypothesis whose
// index is at or after cursor and wrapping around.
func roundRobin(hyps []model.Hypothesis, actionable []int, cursor, width int) []int {
	if len(actionable) <= width {
		return actionable
	}
	start := 0
	for k, i := range actionable {
		if hyps[i].Index >= cursor {
			start = k
			break
		}
	}
	out := make([]int, 0, width)
	for k := range width {
		out = append(out, actionable[(start+k)%len(actionable)])
	}
	return out
}
