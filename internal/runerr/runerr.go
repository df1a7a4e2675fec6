// Package runerr defines the error family shared by the pipeline, the
// scheduler, run control and the HTTP surface. Every failure that is
// persisted on a run or hypothesis, or returned to a caller, carries one of
// the kinds below so callers can branch on it without string matching.
package runerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure. The string value is the stable code
// exposed over the API and stored in progress metadata.
type Kind string

const (
	KindRunNotFound        Kind = "RUN_NOT_FOUND"
	KindMissingInput       Kind = "MISSING_INPUT"
	KindHypothesisNotFound Kind = "HYPOTHESIS_NOT_FOUND"
	KindExternalOperation  Kind = "EXTERNAL_OPERATION_ERROR"
	KindContentGeneration  Kind = "CONTENT_GENERATION_ERROR"
	KindParsing            Kind = "PARSING_ERROR"
	KindRateLimit          Kind = "RATE_LIMIT_ERROR"
	KindTimeout            Kind = "TIMEOUT_ERROR"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Error is a classified pipeline error.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, runerr.RunNotFound)
// style comparisons work against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is. They carry no message so they match any error of
// the same kind.
var (
	RunNotFound        = &Error{Kind: KindRunNotFound}
	MissingInput       = &Error{Kind: KindMissingInput}
	HypothesisNotFound = &Error{Kind: KindHypothesisNotFound}
	ExternalOperation  = &Error{Kind: KindExternalOperation}
	ContentGeneration  = &Error{Kind: KindContentGeneration}
	Parsing            = &Error{Kind: KindParsing}
	RateLimit          = &Error{Kind: KindRateLimit}
	Timeout            = &Error{Kind: KindTimeout}
	InvalidTransition  = &Error{Kind: KindInvalidTransition}
)

// New returns a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying cause. A nil cause yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewRateLimit builds a RATE_LIMIT_ERROR carrying the server's retry hint.
func NewRateLimit(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimit, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// With attaches a structured detail and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for unclassified errors. nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint carried by a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter, true
	}
	return 0, false
}

// Message returns the human-readable message of a classified error, or
// err.Error() for anything else.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
