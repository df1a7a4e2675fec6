package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// ContinuationStore is the durable side of the outbox.
type ContinuationStore interface {
	ClaimContinuations(ctx context.Context, limit, maxAttempts int, lockFor time.Duration) ([]storage.Continuation, error)
	CompleteContinuation(ctx context.Context, c storage.Continuation) error
	FailContinuation(ctx context.Context, c storage.Continuation, errMsg string) error
	CleanupDeadContinuations(ctx context.Context, maxAttempts int, olderThan time.Duration) (int64, error)
	ContinuationDepth(ctx context.Context, maxAttempts int) (int64, error)
}

// Processor runs one invocation for a run.
type Processor interface {
	Process(ctx context.Context, runID uuid.UUID) (Invocation, error)
}

// OutboxConfig tunes the OutboxWorker.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Concurrency bounds how many invocations run at once.
	Concurrency int
	// MaxAttempts is how many failed deliveries an intent gets before it
	// is dead-lettered.
	MaxAttempts int
	// LockFor must exceed the invocation budget so a slow delivery is
	// never claimed twice.
	LockFor time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.LockFor <= 0 {
		c.LockFor = 2 * time.Minute
	}
	return c
}

// OutboxWorker polls run_continuations and runs an invocation for each due
// intent.
type OutboxWorker struct {
	store  ContinuationStore
	proc   Processor
	logger *slog.Logger
	cfg    OutboxConfig

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(store ContinuationStore, proc Processor, logger *slog.Logger, cfg OutboxConfig) *OutboxWorker {
	return &OutboxWorker{
		store:   store,
		proc:    proc,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("continuation outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, delivers what is due, and blocks
// until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("continuation outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims due intents and delivers them. It returns how many
// were claimed.
func (w *OutboxWorker) ProcessBatch(ctx context.Context) int {
	entries, err := w.store.ClaimContinuations(ctx, w.cfg.BatchSize, w.cfg.MaxAttempts, w.cfg.LockFor)
	if err != nil {
		w.logger.Error("continuation outbox: claim", "error", err)
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, c := range entries {
		g.Go(func() error {
			w.deliver(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
	return len(entries)
}

func (w *OutboxWorker) deliver(ctx context.Context, c storage.Continuation) {
	inv, err := w.proc.Process(ctx, c.RunID)
	switch {
	case err == nil:
		if inv.Locked {
			// Whoever holds the run continues it.
			w.logger.Debug("continuation outbox: run busy, dropping intent", "run_id", c.RunID)
		}
		if cerr := w.store.CompleteContinuation(ctx, c); cerr != nil {
			w.logger.Error("continuation outbox: complete", "run_id", c.RunID, "error", cerr)
		}
	case errors.Is(err, runerr.RunNotFound):
		w.logger.Warn("continuation outbox: run no longer exists", "run_id", c.RunID)
		if cerr := w.store.CompleteContinuation(ctx, c); cerr != nil {
			w.logger.Error("continuation outbox: complete", "run_id", c.RunID, "error", cerr)
		}
	default:
		w.logger.Error("continuation outbox: invocation failed", "run_id", c.RunID, "attempts", c.Attempts+1, "error", err)
		if ferr := w.store.FailContinuation(ctx, c, err.Error()); ferr != nil {
			w.logger.Error("continuation outbox: record failure", "run_id", c.RunID, "error", ferr)
		}
		if c.Attempts+1 >= w.cfg.MaxAttempts {
			w.logger.Warn("continuation outbox: dead-letter entry",
				"outbox_id", c.ID,
				"run_id", c.RunID,
				"attempts", c.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	n, err := w.store.CleanupDeadContinuations(ctx, w.cfg.MaxAttempts, 7*24*time.Hour)
	if err != nil {
		w.logger.Error("continuation outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("continuation outbox: cleaned dead-letter entries", "deleted", n)
	}
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("kenkyu/outbox")

	_, _ = meter.Int64ObservableGauge("kenkyu.outbox.depth",
		metric.WithDescription("Number of pending continuation intents"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.store.ContinuationDepth(ctx, w.cfg.MaxAttempts)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
