package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/ashita-ai/kenkyu/internal/runerr"
)

// HTTPClient talks to the gateway over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(h *HTTPClient) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPClient creates a gateway client rooted at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type createInteractionRequest struct {
	Model             string `json:"model,omitempty"`
	Input             string `json:"input"`
	AttachmentStoreID string `json:"attachment_store_id,omitempty"`
	Background        bool   `json:"background"`
}

type generateRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CreateInteraction implements Client.
func (h *HTTPClient) CreateInteraction(ctx context.Context, req CreateRequest) (string, error) {
	var out Interaction
	err := h.do(ctx, http.MethodPost, "/v1/interactions", createInteractionRequest{
		Model:             req.Model,
		Input:             req.Prompt,
		AttachmentStoreID: req.AttachmentStoreID,
		Background:        true,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", runerr.New(runerr.KindExternalOperation, "gateway returned an interaction without an id")
	}
	return out.ID, nil
}

// GetInteraction implements Client.
func (h *HTTPClient) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	var out Interaction
	if err := h.do(ctx, http.MethodGet, "/v1/interactions/"+url.PathEscape(id), nil, &out); err != nil {
		return Interaction{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out, nil
}

// CancelInteraction implements Client.
func (h *HTTPClient) CancelInteraction(ctx context.Context, id string) error {
	err := h.do(ctx, http.MethodPost, "/v1/interactions/"+url.PathEscape(id)+"/cancel", nil, nil)
	var rerr *runerr.Error
	if errors.As(err, &rerr) && rerr.Details["status"] == http.StatusConflict {
		return nil // already finished
	}
	return err
}

// DeleteTransientStore implements Client.
func (h *HTTPClient) DeleteTransientStore(ctx context.Context, storeID string) error {
	err := h.do(ctx, http.MethodDelete, "/v1/stores/"+url.PathEscape(storeID), nil, nil)
	var rerr *runerr.Error
	if errors.As(err, &rerr) && rerr.Details["status"] == http.StatusNotFound {
		return nil
	}
	return err
}

// Generate implements Client.
func (h *HTTPClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	var out generateResponse
	if err := h.do(ctx, http.MethodPost, "/v1/generate", generateRequest{Model: model, Input: prompt}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return runerr.Wrap(runerr.KindTimeout, err, "waiting for gateway rate limiter")
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return runerr.Wrap(runerr.KindTimeout, err, "gateway %s %s timed out", method, path)
		}
		return runerr.Wrap(runerr.KindExternalOperation, err, "gateway %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return statusError(resp, method, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return runerr.Wrap(runerr.KindExternalOperation, err, "gateway %s %s: decode response", method, path)
	}
	return nil
}

func statusError(resp *http.Response, method, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return runerr.NewRateLimit(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			"gateway %s %s rate limited", method, path).
			With("status", resp.StatusCode)
	}
	return runerr.New(runerr.KindExternalOperation, "gateway %s %s: status %d: %s", method, path, resp.StatusCode, msg).
		With("status", resp.StatusCode)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// missing values yield 0, leaving the backoff to the caller.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
