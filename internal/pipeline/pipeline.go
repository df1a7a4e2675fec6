// Package pipeline is the step executor for runs.
//
// ExecuteNextStep reads a run, performs exactly one unit of work for its
// current phase, persists the outcome and returns. It keeps no state
// between calls, never waits for an external operation to finish, and is
// safe to call repeatedly: submissions are one-shot (a recorded interaction
// id means "poll, don't submit"), and every save is conditional on the
// run's version so a concurrent or replayed call can never overwrite newer
// progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/prompts"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// Store is the persistence the executor needs. Both storage.DB and
// lite.Store implement it.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	SaveRun(ctx context.Context, r *model.Run) error
	FinishRun(ctx context.Context, r *model.Run, successor *model.Run) error
	TransitionRunStatus(ctx context.Context, id uuid.UUID, tr model.StatusTransition) (model.Run, error)
	CreateHypotheses(ctx context.Context, r *model.Run, hyps []model.Hypothesis) error
	ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error)
	SaveHypothesis(ctx context.Context, h *model.Hypothesis) error
	ActiveProjectHashes(ctx context.Context, projectID, excludeRun uuid.UUID) (map[string]struct{}, error)
}

// Publisher receives run events after a phase or status change.
type Publisher interface {
	PublishRunEvent(ctx context.Context, ev model.RunEvent) error
}

// Config tunes the executor. Zero values take the defaults below.
type Config struct {
	// PollInterval is the minimum gap between two polls of one interaction.
	PollInterval time.Duration
	// OperationTimeout fails an interaction that has not finished this long
	// after submission.
	OperationTimeout time.Duration
	// FanoutWidth bounds how many hypotheses one call advances.
	FanoutWidth int
	// GatewayConcurrency bounds concurrent gateway calls within one call.
	GatewayConcurrency int
	// MaxRateLimitRetries is how many consecutive rate-limit responses a
	// scope (the run's divergent step or one hypothesis) tolerates.
	MaxRateLimitRetries int
	RateLimitBaseDelay  time.Duration
	RateLimitMaxDelay   time.Duration
	DefaultModel        string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Hour
	}
	if c.FanoutWidth <= 0 {
		c.FanoutWidth = 8
	}
	if c.GatewayConcurrency <= 0 {
		c.GatewayConcurrency = 4
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 5
	}
	if c.RateLimitBaseDelay <= 0 {
		c.RateLimitBaseDelay = 2 * time.Second
	}
	if c.RateLimitMaxDelay <= 0 {
		c.RateLimitMaxDelay = 2 * time.Minute
	}
	return c
}

// StepResult reports one executor call.
type StepResult struct {
	// Phase is the phase whose unit of work was performed.
	Phase model.Phase
	// NextPhase is the persisted phase after the call.
	NextPhase model.Phase
	HasMore   bool
	// Error is the run-level failure message once the run is in error.
	Error string
	// RetryAfter asks the caller not to call again before this delay.
	RetryAfter time.Duration
	// Successor is the next loop's run, when this call created one.
	Successor *uuid.UUID
}

// Executor advances runs one step at a time.
type Executor struct {
	store     Store
	gw        gateway.Client
	prompts   *prompts.Catalogue
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets where run events go.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor.
func New(store Store, gw gateway.Client, catalogue *prompts.Catalogue, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	meter := telemetry.Meter("kenkyu/pipeline")
	steps, _ := meter.Int64Counter("kenkyu.pipeline.steps",
		metric.WithDescription("Executor steps by phase and outcome"),
	)
	stepDur, _ := meter.Float64Histogram("kenkyu.pipeline.step.duration",
		metric.WithDescription("Time to execute one step (ms)"),
		metric.WithUnit("ms"),
	)
	if catalogue == nil {
		catalogue = prompts.Default()
	}
	e := &Executor{
		store:        store,
		gw:           gw,
		prompts:      catalogue,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer("kenkyu/pipeline"),
		steps:        steps,
		stepDuration: stepDur,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteNextStep performs the next unit of work for runID. Run-level
// failures are persisted and reported in StepResult.Error; the returned
// error is reserved for infrastructure failures and unknown runs
// (runerr.KindRunNotFound).
func (e *Executor) ExecuteNextStep(ctx context.Context, runID uuid.UUID) (StepResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "pipeline.ExecuteNextStep",
		trace.WithAttributes(attribute.String("kenkyu.run_id", runID.String())))
	defer span.End()

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return StepResult{}, runerr.Wrap(runerr.KindRunNotFound, err, "run %s not found", runID)
		}
		return StepResult{}, fmt.Errorf("pipeline: load run: %w", err)
	}

	res, err := e.step(ctx, &r)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failure"
		span.RecordError(err)
	case res.Error != "":
		outcome = "run_error"
	case !res.HasMore:
		outcome = "done"
	}
	span.SetAttributes(
		attribute.String("kenkyu.phase", string(res.Phase)),
		attribute.String("kenkyu.next_phase", string(res.NextPhase)),
		attribute.Bool("kenkyu.has_more", res.HasMore),
	)
	attrs := metric.WithAttributes(
		attribute.String("phase", string(res.Phase)),
		attribute.String("outcome", outcome),
	)
	e.steps.Add(ctx, 1, attrs)
	e.stepDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	return res, err
}

func (e *Executor) step(ctx context.Context, r *model.Run) (StepResult, error) {
	switch r.Status {
	case model.RunStatusCompleted, model.RunStatusError, model.RunStatusCancelled:
		return settled(*r), nil
	case model.RunStatusPaused:
		return StepResult{Phase: r.CurrentPhase, NextPhase: r.CurrentPhase}, nil
	case model.RunStatusPending:
		return e.start(ctx, r)
	}

	switch r.CurrentPhase {
	case model.PhasePending:
		return e.enterDivergent(ctx, r)
	case model.PhaseDivergentStarting:
		return e.divergentStarting(ctx, r)
	case model.PhaseDivergentPolling:
		return e.divergentPolling(ctx, r)
	case model.PhaseDivergentExtract:
		return e.divergentExtract(ctx, r)
	case model.PhaseFanoutStarting, model.PhaseFanoutParallel, model.PhaseFanoutPolling:
		return e.fanout(ctx, r)
	case model.PhaseAggregate:
		return e.aggregate(ctx, r)
	case model.PhaseCompleted, model.PhaseError:
		return settled(*r), nil
	default:
		return e.failRun(ctx, r, r.CurrentPhase,
			runerr.New(runerr.KindInternal, "unknown phase %q", r.CurrentPhase))
	}
}

// settled describes a run that needs no more work.
func settled(r model.Run) StepResult {
	res := StepResult{Phase: r.CurrentPhase, NextPhase: r.CurrentPhase}
	if r.Status == model.RunStatusError && r.ErrorMessage != nil {
		res.Error = *r.ErrorMessage
	}
	return res
}

// start moves a pending run to running. Losing the race to another caller
// is fine: the run is reloaded and stepped as-is.
func (e *Executor) start(ctx context.Context, r *model.Run) (StepResult, error) {
	started, err := e.store.TransitionRunStatus(ctx, r.ID, model.StatusTransition{
		From:         []model.RunStatus{model.RunStatusPending},
		To:           model.RunStatusRunning,
		SetStartedAt: true,
	})
	switch {
	case err == nil:
		*r = started
		e.publish(ctx, *r)
		return e.enterDivergent(ctx, r)
	case errors.Is(err, storage.ErrTransitionRejected):
		fresh, gerr := e.store.GetRun(ctx, r.ID)
		if gerr != nil {
			return StepResult{}, fmt.Errorf("pipeline: reload run: %w", gerr)
		}
		*r = fresh
		if r.Status == model.RunStatusPending {
			return StepResult{}, fmt.Errorf("pipeline: run %s stuck in pending", r.ID)
		}
		return e.step(ctx, r)
	default:
		return StepResult{}, fmt.Errorf("pipeline: start run: %w", err)
	}
}

// enterDivergent is the pending phase's unit of work: pure bookkeeping.
func (e *Executor) enterDivergent(ctx context.Context, r *model.Run) (StepResult, error) {
	if err := e.advance(r, model.PhaseDivergentStarting); err != nil {
		return StepResult{}, err
	}
	if err := e.save(ctx, r, model.PhasePending); err != nil {
		return e.handleSaveError(ctx, r, model.PhasePending, err)
	}
	return StepResult{Phase: model.PhasePending, NextPhase: r.CurrentPhase, HasMore: true}, nil
}

// advance moves r to next and records phase timings.
func (e *Executor) advance(r *model.Run, next model.Phase) error {
	from := r.CurrentPhase
	if err := r.SetPhase(next); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	r.Progress.MarkPhase(from, next, e.now())
	return nil
}

// save persists r and publishes an event when the phase moved off from.
func (e *Executor) save(ctx context.Context, r *model.Run, from model.Phase) error {
	r.Progress.Iteration++
	if err := e.store.SaveRun(ctx, r); err != nil {
		r.Progress.Iteration--
		return err
	}
	if r.CurrentPhase != from {
		e.publish(ctx, *r)
	}
	return nil
}

// handleSaveError cancels any interactions the lost step submitted, since
// nothing recorded them, then turns a stale save into a "no progress"
// result. Other errors are infrastructure failures.
func (e *Executor) handleSaveError(ctx context.Context, r *model.Run, phase model.Phase, err error, orphans ...string) (StepResult, error) {
	e.cancelInteractions(ctx, orphans)
	if !errors.Is(err, storage.ErrStale) {
		return StepResult{}, fmt.Errorf("pipeline: save run: %w", err)
	}
	fresh, gerr := e.store.GetRun(ctx, r.ID)
	if gerr != nil {
		return StepResult{}, fmt.Errorf("pipeline: reload run: %w", gerr)
	}
	e.logger.Info("pipeline: stale save, step discarded",
		"run_id", r.ID, "phase", phase, "status", fresh.Status, "current_phase", fresh.CurrentPhase)
	res := settled(fresh)
	res.Phase = phase
	res.HasMore = fresh.Status == model.RunStatusRunning || fresh.Status == model.RunStatusPending
	return res, nil
}

// failRun marks the run as failed and finishes it. Outstanding
// interactions are cancelled best-effort.
func (e *Executor) failRun(ctx context.Context, r *model.Run, phase model.Phase, cause error) (StepResult, error) {
	msg := runerr.Message(cause)
	kind := runerr.KindOf(cause)
	e.logger.Warn("pipeline: run failed", "run_id", r.ID, "phase", phase, "code", kind, "error", cause)

	pending := r.PendingInteractionIDs()
	now := e.now()
	for _, id := range pending {
		r.FinishInteraction(id, model.InteractionCancelled, now)
	}
	r.ErrorMessage = &msg
	r.Progress.Failure = &model.FailureProgress{Phase: r.CurrentPhase, Code: string(kind)}
	r.Status = model.RunStatusError
	if err := e.advance(r, model.PhaseError); err != nil {
		return StepResult{}, err
	}
	r.Progress.Iteration++
	if err := e.store.FinishRun(ctx, r, nil); err != nil {
		return e.handleSaveError(ctx, r, phase, err)
	}
	e.publish(ctx, *r)
	e.cancelInteractions(ctx, pending)
	e.deleteTransientStore(ctx, r)
	return StepResult{Phase: phase, NextPhase: model.PhaseError, Error: msg}, nil
}

func (e *Executor) cancelInteractions(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := e.gw.CancelInteraction(context.WithoutCancel(ctx), id); err != nil {
			e.logger.Warn("pipeline: cancel interaction failed", "interaction_id", id, "error", err)
		}
	}
}

func (e *Executor) deleteTransientStore(ctx context.Context, r *model.Run) {
	if r.Config.AttachmentStoreID == "" {
		return
	}
	if err := e.gw.DeleteTransientStore(context.WithoutCancel(ctx), r.Config.AttachmentStoreID); err != nil {
		e.logger.Warn("pipeline: delete transient store failed",
			"run_id", r.ID, "store_id", r.Config.AttachmentStoreID, "error", err)
	}
}

func (e *Executor) publish(ctx context.Context, r model.Run) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishRunEvent(ctx, model.EventFor(r, e.now())); err != nil {
		e.logger.Warn("pipeline: publish run event failed", "run_id", r.ID, "error", err)
	}
}

func (e *Executor) modelFor(r *model.Run) string {
	if r.Config.Model != "" {
		return r.Config.Model
	}
	return e.cfg.DefaultModel
}

// backoff returns the delay before retrying after the n-th consecutive rate
// limit. A server hint wins when it is longer.
func (e *Executor) backoff(n int, hint time.Duration) time.Duration {
	d := e.cfg.RateLimitBaseDelay
	for i := 1; i < n && d < e.cfg.RateLimitMaxDelay; i++ {
		d *= 2
	}
	if hint > d {
		d = hint
	}
	if d > e.cfg.RateLimitMaxDelay {
		d = e.cfg.RateLimitMaxDelay
	}
	return d
}

func promptData(r *model.Run) prompts.Data {
	return prompts.Data{
		Topic:           r.Config.Topic,
		HypothesisCount: r.Config.HypothesisCount,
		Loop:            r.CurrentLoop(),
		TotalLoops:      r.TotalLoops(),
	}
}

// until returns the time left before t, or 0 when t is nil or past.
func until(t *time.Time, now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}
