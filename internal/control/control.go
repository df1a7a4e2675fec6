// Package control applies operator actions to runs: pause, resume, stop and
// nudge. Every action is a status-guarded write, so it never races the
// executor's version-guarded saves into an inconsistent state, and every
// action lands in the mutation audit log.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// Action names a control operation. The value is also the audit operation.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
	ActionNudge  Action = "nudge"
)

// Store is the persistence run control needs.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	TransitionRunStatus(ctx context.Context, id uuid.UUID, tr model.StatusTransition) (model.Run, error)
	ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error)
	SaveHypothesis(ctx context.Context, h *model.Hypothesis) error
	InsertMutationAudit(ctx context.Context, e storage.MutationAuditEntry) error
}

// Publisher receives an event after each successful transition.
type Publisher interface {
	PublishRunEvent(ctx context.Context, ev model.RunEvent) error
}

var transitions = map[Action]model.StatusTransition{
	ActionPause: {
		From: []model.RunStatus{model.RunStatusRunning},
		To:   model.RunStatusPaused,
	},
	ActionResume: {
		From:            []model.RunStatus{model.RunStatusPaused},
		To:              model.RunStatusRunning,
		IncrementResume: true,
	},
	ActionStop: {
		From:           []model.RunStatus{model.RunStatusRunning, model.RunStatusPaused},
		To:             model.RunStatusCancelled,
		SetCompletedAt: true,
	},
}

// Controller applies control actions.
type Controller struct {
	store     Store
	continuer scheduler.Continuer
	gw        gateway.Client
	pub       Publisher
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher publishes a run event after every transition.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

// WithClock overrides the clock used for events.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. gw may be nil, in which case stop does not
// cancel outstanding interactions.
func New(store Store, continuer scheduler.Continuer, gw gateway.Client, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		continuer: continuer,
		gw:        gw,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer("kenkyu/control"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Pause moves a running run to paused. An in-flight step finishes but the
// scheduler does not continue the run.
func (c *Controller) Pause(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	r, _, err := c.transition(ctx, runID, ActionPause)
	return r, err
}

// Resume moves a paused run back to running and continues it immediately at
// its stored phase.
func (c *Controller) Resume(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	r, _, err := c.transition(ctx, runID, ActionResume)
	if err != nil {
		return r, err
	}
	if err := c.continuer.Continue(ctx, runID, 0); err != nil {
		// The run is running again; the recovery sweep will pick it up.
		c.logger.Error("control: continue resumed run failed", "run_id", runID, "error", err)
	}
	return r, nil
}

// Stop cancels a running or paused run. Outstanding gateway interactions
// and the run's attachment store are released best effort.
func (c *Controller) Stop(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	r, before, err := c.transition(ctx, runID, ActionStop)
	if err != nil {
		return r, err
	}
	c.release(ctx, before)
	return r, nil
}

// Nudge issues a continuation for a pending or running run. For any other
// status it does nothing and reports false.
func (c *Controller) Nudge(ctx context.Context, runID uuid.UUID) (model.Run, bool, error) {
	ctx, span := c.tracer.Start(ctx, "control.nudge", trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	r, err := c.getRun(ctx, runID)
	if err != nil {
		return model.Run{}, false, err
	}
	if r.Status != model.RunStatusPending && r.Status != model.RunStatusRunning {
		return r, false, nil
	}
	if err := c.continuer.Continue(ctx, runID, 0); err != nil {
		return r, false, fmt.Errorf("control: nudge run %s: %w", runID, err)
	}
	c.audit(ctx, ActionNudge, r, nil)
	return r, true, nil
}

// transition applies the guarded status change for action and returns the
// updated run and the run as read before the change.
func (c *Controller) transition(ctx context.Context, runID uuid.UUID, action Action) (model.Run, model.Run, error) {
	ctx, span := c.tracer.Start(ctx, "control."+string(action), trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	before, err := c.getRun(ctx, runID)
	if err != nil {
		return model.Run{}, model.Run{}, err
	}

	after, err := c.store.TransitionRunStatus(ctx, runID, transitions[action])
	switch {
	case errors.Is(err, storage.ErrTransitionRejected):
		// The status may have moved since the read; report the current one.
		status := before.Status
		if cur, gerr := c.store.GetRun(ctx, runID); gerr == nil {
			status = cur.Status
		}
		return model.Run{}, model.Run{}, runerr.New(runerr.KindInvalidTransition, "cannot %s a %s run", action, status).
			With("run_id", runID.String()).
			With("status", string(status))
	case errors.Is(err, storage.ErrNotFound):
		return model.Run{}, model.Run{}, runerr.New(runerr.KindRunNotFound, "run %s not found", runID)
	case err != nil:
		return model.Run{}, model.Run{}, fmt.Errorf("control: %s run %s: %w", action, runID, err)
	}

	c.logger.Info("control: run transitioned",
		"run_id", runID,
		"action", action,
		"from", before.Status,
		"to", after.Status,
		"phase", after.CurrentPhase,
	)
	c.audit(ctx, action, before, &after)
	c.publish(ctx, after)
	return after, before, nil
}

func (c *Controller) getRun(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	r, err := c.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Run{}, runerr.New(runerr.KindRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("control: get run %s: %w", runID, err)
	}
	return r, nil
}

// release cancels every interaction the stopped run may still have running,
// clears them from the hypotheses that held them and deletes the run's
// attachment store.
func (c *Controller) release(ctx context.Context, r model.Run) {
	ctx = context.WithoutCancel(ctx)

	ids := r.PendingInteractionIDs()
	hyps, err := c.store.ListRunHypotheses(ctx, r.ID, false)
	if err != nil {
		c.logger.Warn("control: list hypotheses for stop failed", "run_id", r.ID, "error", err)
	}
	var holding []model.Hypothesis
	for _, h := range hyps {
		if h.CurrentInteractionID != nil && !h.Status.Terminal() {
			ids = append(ids, *h.CurrentInteractionID)
			holding = append(holding, h)
		}
	}

	if c.gw != nil {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if err := c.gw.CancelInteraction(ctx, id); err != nil {
				c.logger.Warn("control: cancel interaction failed", "run_id", r.ID, "interaction_id", id, "error", err)
			}
		}
	}

	for i := range holding {
		h := &holding[i]
		h.CurrentInteractionID = nil
		h.InteractionStartedAt = nil
		h.LastPolledAt = nil
		h.NextAttemptAt = nil
		if err := c.store.SaveHypothesis(ctx, h); err != nil {
			// A stale save means a step that was in flight at stop time
			// wrote the row first; the stopped run never polls it again.
			c.logger.Warn("control: clear hypothesis interaction failed",
				"run_id", r.ID, "hypothesis_id", h.ID, "error", err)
		}
	}

	if c.gw != nil && r.Config.AttachmentStoreID != "" {
		if err := c.gw.DeleteTransientStore(ctx, r.Config.AttachmentStoreID); err != nil {
			c.logger.Warn("control: delete attachment store failed", "run_id", r.ID, "error", err)
		}
	}
}

// audit records the action. A failed write is logged and never fails the
// action itself.
func (c *Controller) audit(ctx context.Context, action Action, before model.Run, after *model.Run) {
	meta := ctxutil.AuditMetaFromContext(ctx)
	entry := storage.MutationAuditEntry{
		RequestID:    meta.RequestID,
		Actor:        meta.Actor,
		ActorRole:    meta.ActorRole,
		HTTPMethod:   meta.HTTPMethod,
		Endpoint:     meta.Endpoint,
		Operation:    "run_" + string(action),
		ResourceType: "run",
		ResourceID:   before.ID.String(),
		BeforeData:   statusSnapshot(before),
		Metadata: map[string]any{
			"project_id": before.ProjectID.String(),
		},
	}
	if after != nil {
		entry.AfterData = statusSnapshot(*after)
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	if err := c.store.InsertMutationAudit(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("control: mutation audit write failed",
			"run_id", before.ID, "operation", entry.Operation, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, r model.Run) {
	if c.pub == nil {
		return
	}
	if err := c.pub.PublishRunEvent(ctx, model.EventFor(r, c.now())); err != nil {
		c.logger.Warn("control: publish run event failed", "run_id", r.ID, "error", err)
	}
}

type snapshot struct {
	Status      model.RunStatus `json:"status"`
	Phase       model.Phase     `json:"phase"`
	ResumeCount int             `json:"resume_count"`
	Version     int64           `json:"version"`
}

func statusSnapshot(r model.Run) snapshot {
	return snapshot{Status: r.Status, Phase: r.CurrentPhase, ResumeCount: r.ResumeCount, Version: r.Version}
}
