package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InternalSecretHeader carries the shared secret on internal calls.
const InternalSecretHeader = "X-Kenkyu-Internal-Secret"

// HTTPContinuer re-invokes the process endpoint over HTTP. The call runs in
// the background: Continue returns as soon as the delivery is scheduled.
type HTTPContinuer struct {
	baseURL     string
	secret      string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[uuid.UUID]int
	stop     chan struct{}
	stopOnce sync.Once
}

// HTTPContinuerOption configures an HTTPContinuer.
type HTTPContinuerOption func(*HTTPContinuer)

// WithContinuerClient replaces the HTTP client.
func WithContinuerClient(c *http.Client) HTTPContinuerOption {
	return func(h *HTTPContinuer) { h.client = c }
}

// WithDeliveryRetries sets how many attempts a delivery gets and the delay
// before the first retry. The delay doubles after each failure.
func WithDeliveryRetries(attempts int, delay time.Duration) HTTPContinuerOption {
	return func(h *HTTPContinuer) {
		h.maxAttempts = attempts
		h.retryDelay = delay
	}
}

// NewHTTPContinuer creates a continuer posting to baseURL. The client
// timeout must exceed the scheduler budget since the endpoint runs a full
// invocation before answering.
func NewHTTPContinuer(baseURL, secret string, logger *slog.Logger, opts ...HTTPContinuerOption) *HTTPContinuer {
	h := &HTTPContinuer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secret:      secret,
		client:      &http.Client{Timeout: 90 * time.Second},
		logger:      logger,
		maxAttempts: 4,
		retryDelay:  time.Second,
		inflight:    make(map[uuid.UUID]int),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Continue implements Continuer.
func (h *HTTPContinuer) Continue(ctx context.Context, runID uuid.UUID, delay time.Duration) error {
	// The delivery outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	h.track(runID, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.track(runID, -1)
		h.sleep(delay)
		if err := h.deliver(ctx, runID); err != nil {
			h.logger.Error("scheduler: continuation delivery failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Wait wakes deliveries that are still sleeping out their delay so they
// are sent at once, then blocks until all of them finish or ctx is done.
// Runs whose delivery is still in flight when ctx ends are logged; the
// recovery sweep picks them up.
func (h *HTTPContinuer) Wait(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stop) })
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.mu.Lock()
		runs := make([]string, 0, len(h.inflight))
		for id := range h.inflight {
			runs = append(runs, id.String())
		}
		h.mu.Unlock()
		h.logger.Warn("scheduler: continuation deliveries still in flight at shutdown",
			"count", len(runs), "run_ids", runs)
	}
}

func (h *HTTPContinuer) track(runID uuid.UUID, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight[runID] += delta
	if h.inflight[runID] <= 0 {
		delete(h.inflight, runID)
	}
}

// sleep waits for d, returning early once Wait has been called.
func (h *HTTPContinuer) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-h.stop:
	}
}

func (h *HTTPContinuer) deliver(ctx context.Context, runID uuid.UUID) error {
	url := fmt.Sprintf("%s/v1/runs/%s/process", h.baseURL, runID)
	delay := h.retryDelay
	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		retry, err := h.post(ctx, url)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if attempt < h.maxAttempts {
			h.logger.Warn("scheduler: continuation attempt failed, retrying",
				"run_id", runID, "attempt", attempt, "error", err)
			h.sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("scheduler: continuation gave up after %d attempts: %w", h.maxAttempts, lastErr)
}

// post sends one delivery. retry reports whether a failure is transient.
func (h *HTTPContinuer) post(ctx context.Context, url string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, fmt.Errorf("scheduler: build continuation request: %w", err)
	}
	req.Header.Set(InternalSecretHeader, h.secret)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("scheduler: post continuation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("scheduler: continuation returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("scheduler: continuation rejected with %d", resp.StatusCode)
	}
}

// ContinuationQueue stores durable continuation intents.
type ContinuationQueue interface {
	EnqueueContinuation(ctx context.Context, runID uuid.UUID, notBefore time.Time) error
}

// OutboxContinuer records continuations in the run_continuations table for
// the OutboxWorker to deliver. The write is durable before Continue
// returns, so a crash after an invocation never strands a run.
type OutboxContinuer struct {
	queue ContinuationQueue
	now   func() time.Time
}

// NewOutboxContinuer creates an OutboxContinuer.
func NewOutboxContinuer(queue ContinuationQueue) *OutboxContinuer {
	return &OutboxContinuer{queue: queue, now: time.Now}
}

// Continue implements Continuer.
func (o *OutboxContinuer) Continue(ctx context.Context, runID uuid.UUID, delay time.Duration) error {
	return o.queue.EnqueueContinuation(context.WithoutCancel(ctx), runID, o.now().Add(delay))
}
