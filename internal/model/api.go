package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes. Pipeline failures use
// the runerr kinds as codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	ProjectID         uuid.UUID `json:"project_id"`
	Topic             string    `json:"topic"`
	HypothesisCount   int       `json:"hypothesis_count"`
	LoopCount         int       `json:"loop_count,omitempty"`
	Model             string    `json:"model,omitempty"`
	AttachmentStoreID string    `json:"attachment_store_id,omitempty"`
}

// Config converts the request into a first-loop run configuration.
func (r CreateRunRequest) Config(defaultModel string) RunConfig {
	loops := r.LoopCount
	if loops == 0 {
		loops = 1
	}
	m := r.Model
	if m == "" {
		m = defaultModel
	}
	return RunConfig{
		HypothesisCount:   r.HypothesisCount,
		LoopCount:         loops,
		LoopIndex:         1,
		Model:             m,
		Topic:             r.Topic,
		AttachmentStoreID: r.AttachmentStoreID,
	}
}

// RecoverResponse is returned by the recovery endpoint.
type RecoverResponse struct {
	Continued int         `json:"continued"`
	RunIDs    []uuid.UUID `json:"run_ids"`
}

// NudgeResponse is returned by the nudge endpoint. Continued is false when
// the run was not in a state that accepts a continuation.
type NudgeResponse struct {
	Run       Run  `json:"run"`
	Continued bool `json:"continued"`
}

// ScopedTokenRequest is the request body for POST /v1/auth/scoped-token.
type ScopedTokenRequest struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ProjectID uuid.UUID `json:"project_id"`
	ExpiresIn int       `json:"expires_in,omitempty"`
}

// ScopedTokenResponse carries a token restricted to one project.
type ScopedTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ProjectID uuid.UUID `json:"project_id"`
	ScopedBy  string    `json:"scoped_by"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	LockBackend  string `json:"lock_backend"`
	Continuation string `json:"continuation"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}
