// Package client is a typed HTTP client for the kenkyu API, used by
// kenkyuctl and by services that drive runs programmatically.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kenkyu server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a JWT sent as a bearer token on user endpoints.
	Token string

	// InternalSecret authenticates Process and Recover. Optional.
	InternalSecret string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// It does not apply to WatchRun.
	Timeout time.Duration
}

// Client calls the kenkyu HTTP API. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	secret  string
	client  *http.Client
	stream  *http.Client
}

// New creates a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kenkyu: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	stream := *httpClient
	stream.Timeout = 0

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		secret:  cfg.InternalSecret,
		client:  httpClient,
		stream:  &stream,
	}, nil
}

// RunList is one page of a project's runs.
type RunList struct {
	Runs    []model.Run
	Total   int
	HasMore bool
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun starts a new run. A non-empty idempotencyKey makes retries of
// the same request return the originally created run.
func (c *Client) CreateRun(ctx context.Context, req model.CreateRunRequest, idempotencyKey string) (*model.Run, error) {
	var run model.Run
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, headers, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns a run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	var run model.Run
	if err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListProjectRuns returns a page of a project's runs, newest first.
func (c *Client) ListProjectRuns(ctx context.Context, projectID uuid.UUID, limit, offset int) (*RunList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/projects/" + projectID.String() + "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var runs []model.Run
	env, err := c.doList(ctx, path, &runs)
	if err != nil {
		return nil, err
	}
	return &RunList{Runs: runs, Total: env.Total, HasMore: env.HasMore}, nil
}

// ListHypotheses returns the hypotheses of a run.
func (c *Client) ListHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error) {
	path := runPath(runID, "/hypotheses")
	if includeDeleted {
		path += "?include_deleted=true"
	}
	var hyps []model.Hypothesis
	if _, err := c.doList(ctx, path, &hyps); err != nil {
		return nil, err
	}
	return hyps, nil
}

// DeleteHypothesis soft-deletes a hypothesis so later runs may propose it again.
func (c *Client) DeleteHypothesis(ctx context.Context, id uuid.UUID) (*model.Hypothesis, error) {
	var h model.Hypothesis
	if err := c.do(ctx, http.MethodDelete, "/v1/hypotheses/"+id.String(), nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// Run control
// ---------------------------------------------------------------------------

// PauseRun pauses a running run.
func (c *Client) PauseRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	return c.control(ctx, runID, "pause")
}

// ResumeRun resumes a paused run.
func (c *Client) ResumeRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	return c.control(ctx, runID, "resume")
}

// StopRun cancels a running or paused run.
func (c *Client) StopRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	return c.control(ctx, runID, "stop")
}

func (c *Client) control(ctx context.Context, runID uuid.UUID, action string) (*model.Run, error) {
	var run model.Run
	if err := c.do(ctx, http.MethodPost, runPath(runID, "/"+action), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// NudgeRun issues a continuation for a pending or running run.
func (c *Client) NudgeRun(ctx context.Context, runID uuid.UUID) (*model.NudgeResponse, error) {
	var resp model.NudgeResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID, "/nudge"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchRun streams the run's events to fn until the run finishes, ctx is
// done, or fn returns an error. The first event is the run's current state.
func (c *Client) WatchRun(ctx context.Context, runID uuid.UUID, fn func(model.RunEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+runPath(runID, "/events"), nil)
	if err != nil {
		return fmt.Errorf("kenkyu: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("kenkyu: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp, body)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev model.RunEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("kenkyu: decode run event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Status.Terminal() {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("kenkyu: read event stream: %w", err)
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Internal triggers
// ---------------------------------------------------------------------------

// Process runs one scheduler invocation for the run. It requires
// Config.InternalSecret.
func (c *Client) Process(ctx context.Context, runID uuid.UUID) (*scheduler.Invocation, error) {
	req, err := c.internalRequest(ctx, runPath(runID, "/process"))
	if err != nil {
		return nil, err
	}
	body, err := c.send(req)
	if err != nil {
		return nil, err
	}
	var inv scheduler.Invocation
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("kenkyu: decode invocation: %w", err)
	}
	return &inv, nil
}

// Recover runs one stalled-run sweep on the server. It requires
// Config.InternalSecret.
func (c *Client) Recover(ctx context.Context) (*model.RecoverResponse, error) {
	req, err := c.internalRequest(ctx, "/v1/recover")
	if err != nil {
		return nil, err
	}
	body, err := c.send(req)
	if err != nil {
		return nil, err
	}
	var resp model.RecoverResponse
	if err := decodeEnvelope(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Auth and health
// ---------------------------------------------------------------------------

// IssueScopedToken mints a project-scoped token on behalf of the caller.
func (c *Client) IssueScopedToken(ctx context.Context, req model.ScopedTokenRequest) (*model.ScopedTokenResponse, error) {
	var resp model.ScopedTokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/scoped-token", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server health. It needs no credentials.
func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	var resp model.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func runPath(runID uuid.UUID, suffix string) string {
	return "/v1/runs/" + runID.String() + suffix
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) internalRequest(ctx context.Context, path string) (*http.Request, error) {
	if c.secret == "" {
		return nil, fmt.Errorf("kenkyu: InternalSecret is required for %s", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("kenkyu: create request: %w", err)
	}
	req.Header.Set(scheduler.InternalSecretHeader, c.secret)
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, dest any) error {
	var rdr io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kenkyu: marshal request body: %w", err)
		}
		rdr = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("kenkyu: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.authorize(req)

	respBody, err := c.send(req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	return decodeEnvelope(respBody, dest)
}

func (c *Client) doList(ctx context.Context, path string, dest any) (listEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return listEnvelope{}, fmt.Errorf("kenkyu: create request: %w", err)
	}
	c.authorize(req)
	body, err := c.send(req)
	if err != nil {
		return listEnvelope{}, err
	}
	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return listEnvelope{}, fmt.Errorf("kenkyu: decode list envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return listEnvelope{}, fmt.Errorf("kenkyu: decode list data: %w", err)
	}
	return env, nil
}

// send performs req and returns the body of a 2xx response.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kenkyu: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kenkyu: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp, body)
	}
	return body, nil
}

func decodeEnvelope(body []byte, dest any) error {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("kenkyu: decode response envelope: %w", err)
	}
	if env.Data == nil {
		return json.Unmarshal(body, dest)
	}
	return json.Unmarshal(env.Data, dest)
}

func parseErrorResponse(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
