package kenkyu

import (
	"context"
	"errors"
	"time"
)

// Gateway is the AI research backend. When provided via WithGateway it
// replaces the HTTP gateway client configured by KENKYU_GATEWAY_URL.
//
// None of the methods may block until an interaction finishes: Submit
// returns an id at once and Poll reports the current state.
type Gateway interface {
	Submit(ctx context.Context, req InteractionRequest) (id string, err error)
	Poll(ctx context.Context, id string) (Interaction, error)
	// Cancel stops an interaction. Cancelling a finished one is not an error.
	Cancel(ctx context.Context, id string) error
	// DeleteStore removes an attachment store created for a run.
	DeleteStore(ctx context.Context, storeID string) error
	// Generate runs a short synchronous completion.
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// ErrRateLimited is returned (possibly wrapped) by a Gateway that is being
// throttled. The run backs off and retries instead of failing. Wrap it in a
// RateLimitError to suggest a delay.
var ErrRateLimited = errors.New("kenkyu: gateway rate limited")

// RateLimitError carries the backend's retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// EventHook receives run events after each phase or status change.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks run in goroutines and must not block indefinitely. Failures are
// logged but never affect the run.
type EventHook interface {
	OnRunEvent(ctx context.Context, event RunEvent) error
}

// EventHookFunc adapts a function to EventHook.
type EventHookFunc func(ctx context.Context, event RunEvent) error

// OnRunEvent implements EventHook.
func (f EventHookFunc) OnRunEvent(ctx context.Context, event RunEvent) error { return f(ctx, event) }
