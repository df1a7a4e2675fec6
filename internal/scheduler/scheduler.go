// Package scheduler drives runs forward across short invocations.
//
// One call to Process executes as many cheap steps as fit in the
// invocation budget, stops at the first slow step (a gateway submission),
// a requested wait, or the end of the run, and then hands the run to a
// Continuer so the next invocation picks it up. Each invocation issues at
// most one continuation per run; the continuation is the only link between
// invocations.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/runlock"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// Executor performs one unit of work on a run.
type Executor interface {
	ExecuteNextStep(ctx context.Context, runID uuid.UUID) (pipeline.StepResult, error)
}

// Continuer arranges for Process to be invoked for runID after delay.
// Delivery is at least once.
type Continuer interface {
	Continue(ctx context.Context, runID uuid.UUID, delay time.Duration) error
}

// ContinuerFunc adapts a function to Continuer.
type ContinuerFunc func(ctx context.Context, runID uuid.UUID, delay time.Duration) error

// Continue implements Continuer.
func (f ContinuerFunc) Continue(ctx context.Context, runID uuid.UUID, delay time.Duration) error {
	return f(ctx, runID, delay)
}

// Config bounds one invocation.
type Config struct {
	// Budget is the wall-clock time after which no new step is started.
	Budget time.Duration
	// MaxIterations caps the steps executed by one invocation.
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 50 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	return c
}

// Invocation reports one Process call. It is also the process endpoint's
// response body.
type Invocation struct {
	RunID      uuid.UUID   `json:"runId"`
	Phase      model.Phase `json:"phase"`
	HasMore    bool        `json:"hasMore"`
	Error      string      `json:"error,omitempty"`
	Iterations int         `json:"iterations"`
	ElapsedMs  int64       `json:"elapsedMs"`
	Continued  bool        `json:"continued"`

	// Locked is set when another invocation holds the run; nothing ran.
	Locked       bool       `json:"locked,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
	SuccessorID  *uuid.UUID `json:"successorRunId,omitempty"`
}

// Scheduler runs invocations.
type Scheduler struct {
	exec      Executor
	locker    runlock.Locker
	continuer Continuer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group

	invocations   metric.Int64Counter
	continuations metric.Int64Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for the budget.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. A nil locker means runlock.Noop.
func New(exec Executor, locker runlock.Locker, continuer Continuer, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if locker == nil {
		locker = runlock.Noop{}
	}
	meter := telemetry.Meter("kenkyu/scheduler")
	invocations, _ := meter.Int64Counter("kenkyu.scheduler.invocations",
		metric.WithDescription("Scheduler invocations by outcome"),
	)
	continuations, _ := meter.Int64Counter("kenkyu.scheduler.continuations",
		metric.WithDescription("Continuations issued by the scheduler"),
	)
	s := &Scheduler{
		exec:          exec,
		locker:        locker,
		continuer:     continuer,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		now:           time.Now,
		invocations:   invocations,
		continuations: continuations,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process executes steps for runID until the run stops, a slow step has
// been performed, the executor asks for a wait, or the budget runs out.
// When work remains it issues exactly one continuation. Concurrent calls
// for the same run within this process share one invocation.
func (s *Scheduler) Process(ctx context.Context, runID uuid.UUID) (Invocation, error) {
	v, err, shared := s.group.Do(runID.String(), func() (any, error) {
		return s.process(ctx, runID)
	})
	inv, _ := v.(Invocation)
	if shared {
		s.logger.Debug("scheduler: duplicate invocation collapsed", "run_id", runID)
	}
	return inv, err
}

func (s *Scheduler) process(ctx context.Context, runID uuid.UUID) (Invocation, error) {
	start := s.now()
	inv := Invocation{RunID: runID}

	release, ok, err := s.locker.TryLock(ctx, runID)
	if err != nil {
		s.count(ctx, "lock_error")
		return inv, fmt.Errorf("scheduler: lock run %s: %w", runID, err)
	}
	if !ok {
		s.count(ctx, "locked")
		s.logger.Info("scheduler: run busy, skipping", "run_id", runID)
		inv.Locked = true
		return inv, nil
	}

	var last pipeline.StepResult
	for {
		res, err := s.exec.ExecuteNextStep(ctx, runID)
		if err != nil {
			release()
			s.count(ctx, "failure")
			inv.ElapsedMs = s.now().Sub(start).Milliseconds()
			return inv, err
		}
		last = res
		inv.Iterations++
		inv.Phase = res.NextPhase
		inv.HasMore = res.HasMore
		inv.Error = res.Error
		if res.Successor != nil {
			inv.SuccessorID = res.Successor
		}

		if !res.HasMore || res.RetryAfter > 0 || !res.Phase.Quick() {
			break
		}
		if inv.Iterations >= s.cfg.MaxIterations || s.now().Sub(start) >= s.cfg.Budget {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	release()

	inv.ElapsedMs = s.now().Sub(start).Milliseconds()
	inv.RetryAfterMs = last.RetryAfter.Milliseconds()
	if inv.HasMore {
		inv.Continued = s.continueRun(ctx, runID, last.RetryAfter)
	}
	if inv.SuccessorID != nil {
		s.continueRun(ctx, *inv.SuccessorID, 0)
	}

	outcome := "done"
	switch {
	case inv.Error != "":
		outcome = "run_error"
	case inv.HasMore:
		outcome = "continued"
	}
	s.count(ctx, outcome)
	s.logger.Info("scheduler: invocation finished",
		"run_id", runID,
		"phase", inv.Phase,
		"iterations", inv.Iterations,
		"elapsed_ms", inv.ElapsedMs,
		"has_more", inv.HasMore,
		"retry_after", last.RetryAfter,
	)
	return inv, nil
}

// continueRun issues one continuation. A failure is logged and left to the
// recovery sweep.
func (s *Scheduler) continueRun(ctx context.Context, runID uuid.UUID, delay time.Duration) bool {
	if s.continuer == nil {
		return false
	}
	if err := s.continuer.Continue(ctx, runID, delay); err != nil {
		s.logger.Error("scheduler: continuation failed, run left for recovery",
			"run_id", runID, "delay", delay, "error", err)
		return false
	}
	s.continuations.Add(ctx, 1)
	return true
}

func (s *Scheduler) count(ctx context.Context, outcome string) {
	s.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
