package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// Store is the persistence the HTTP API reads and writes directly. Both
// *storage.DB and *lite.Store implement it.
type Store interface {
	Ping(ctx context.Context) error
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListProjectRuns(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Run, int, error)
	ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error)
	GetHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error)
	SoftDeleteHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error)
	InsertMutationAudit(ctx context.Context, e storage.MutationAuditEntry) error
	BeginIdempotency(ctx context.Context, actor, endpoint, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, actor, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, actor, endpoint, key string) error
}

// Processor runs one scheduler invocation.
type Processor interface {
	Process(ctx context.Context, runID uuid.UUID) (scheduler.Invocation, error)
}

// RunController applies operator actions to runs.
type RunController interface {
	Pause(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Resume(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Stop(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Nudge(ctx context.Context, runID uuid.UUID) (model.Run, bool, error)
}

// Sweeper re-continues stalled runs.
type Sweeper interface {
	Sweep(ctx context.Context) ([]uuid.UUID, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jwtMgr              *auth.JWTManager
	processor           Processor
	controller          RunController
	sweeper             Sweeper
	continuer           scheduler.Continuer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	defaultModel        string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	health              HealthInfo
}

// HealthInfo describes the deployment shape reported by GET /health.
type HealthInfo struct {
	Store        string
	LockBackend  string
	Continuation string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Sweeper, Broker, OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	JWTMgr              *auth.JWTManager
	Processor           Processor
	Controller          RunController
	Sweeper             Sweeper
	Continuer           scheduler.Continuer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	DefaultModel        string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	Health              HealthInfo
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		processor:           d.Processor,
		controller:          d.Controller,
		sweeper:             d.Sweeper,
		continuer:           d.Continuer,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		defaultModel:        d.DefaultModel,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		health:              d.Health,
	}
}

// HandleScopedToken handles POST /v1/auth/scoped-token (operator+).
// Issues a short-lived token restricted to one project, with the issuer's
// subject recorded in the ScopedBy claim. The role cannot exceed the
// issuer's own.
func (h *Handlers) HandleScopedToken(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	// No delegation chains.
	if claims.ScopedBy != "" {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"scoped tokens cannot issue further scoped tokens")
		return
	}

	var req model.ScopedTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}
	if req.ProjectID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}
	role := auth.Role(req.Role)
	if role == "" {
		role = auth.RoleViewer
	}
	if !role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role: "+req.Role)
		return
	}
	if !claims.Role.AtLeast(role) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"cannot issue a scoped token with a role above your own")
		return
	}

	ttl := 5 * time.Minute
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	if ttl > auth.MaxScopedTokenTTL {
		ttl = auth.MaxScopedTokenTTL
	}

	token, expiresAt, err := h.jwtMgr.IssueScopedToken(claims, req.Subject, role, req.ProjectID, ttl)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue scoped token", err)
		return
	}

	h.logger.Info("scoped token issued",
		"issuer", claims.Subject,
		"subject", req.Subject,
		"role", role,
		"project_id", req.ProjectID,
		"ttl_seconds", int(ttl.Seconds()),
		"request_id", RequestIDFromContext(r.Context()),
	)
	h.auditOrLog(r, "scoped_token_issued", "auth_token", req.Subject, nil, nil, map[string]any{
		"issuer":      claims.Subject,
		"role":        string(role),
		"project_id":  req.ProjectID.String(),
		"ttl_seconds": int(ttl.Seconds()),
		"token_exp":   expiresAt,
	})

	writeJSON(w, r, http.StatusOK, model.ScopedTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Subject:   req.Subject,
		Role:      string(role),
		ProjectID: req.ProjectID,
		ScopedBy:  claims.Subject,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	store := h.health.Store
	if err := h.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		store += " (disconnected)"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        store,
		LockBackend:  h.health.LockBackend,
		Continuation: h.health.Continuation,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// parsePathID parses a UUID path parameter, writing a 400 when it is
// malformed.
func parsePathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryLimit returns the page size, clamped to [1, 200].
func queryLimit(r *http.Request, def int) int {
	n := queryInt(r, "limit", def)
	if n < 1 {
		return def
	}
	if n > 200 {
		return 200
	}
	return n
}

// queryOffset returns a non-negative offset.
func queryOffset(r *http.Request) int {
	n := queryInt(r, "offset", 0)
	if n < 0 {
		return 0
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
