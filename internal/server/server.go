package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/ratelimit"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
)

// Server is the kenkyu HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Sweeper, Limiter, Broker, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store      Store
	JWTMgr     *auth.JWTManager
	Processor  Processor
	Controller RunController
	Continuer  scheduler.Continuer
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Sweeper   Sweeper
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// InternalSecret authenticates the process and recover endpoints.
	// Empty disables them.
	InternalSecret string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	DefaultModel        string
	MaxRequestBodyBytes int64
	Health              HealthInfo

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Processor:           cfg.Processor,
		Controller:          cfg.Controller,
		Sweeper:             cfg.Sweeper,
		Continuer:           cfg.Continuer,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		DefaultModel:        cfg.DefaultModel,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		Health:              cfg.Health,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules for user-triggered work.
	createRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{Prefix: "create"}, subjectKeyFunc, reqIDFunc, cfg.Logger)
	nudgeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{Prefix: "nudge"}, subjectKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	viewer := requireRole(auth.RoleViewer)
	operator := requireRole(auth.RoleOperator)
	internal := requireInternalSecret(cfg.InternalSecret)

	// Runs.
	mux.Handle("POST /v1/runs", createRL(operator(http.HandlerFunc(h.HandleCreateRun))))
	mux.Handle("GET /v1/runs/{run_id}", viewer(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/hypotheses", viewer(http.HandlerFunc(h.HandleListRunHypotheses)))
	mux.Handle("GET /v1/projects/{project_id}/runs", viewer(http.HandlerFunc(h.HandleListProjectRuns)))
	mux.Handle("DELETE /v1/hypotheses/{hypothesis_id}", operator(http.HandlerFunc(h.HandleDeleteHypothesis)))

	// Run control.
	mux.Handle("POST /v1/runs/{run_id}/pause", operator(http.HandlerFunc(h.HandlePauseRun)))
	mux.Handle("POST /v1/runs/{run_id}/resume", operator(http.HandlerFunc(h.HandleResumeRun)))
	mux.Handle("POST /v1/runs/{run_id}/stop", operator(http.HandlerFunc(h.HandleStopRun)))
	mux.Handle("POST /v1/runs/{run_id}/nudge", nudgeRL(operator(http.HandlerFunc(h.HandleNudgeRun))))

	// Run events (viewer+, no rate limit; long-lived connection).
	mux.Handle("GET /v1/runs/{run_id}/events", viewer(http.HandlerFunc(h.HandleRunEvents)))

	// Internal triggers (shared secret, no JWT).
	mux.Handle("POST /v1/runs/{run_id}/process", internal(http.HandlerFunc(h.HandleProcessRun)))
	mux.Handle("POST /v1/recover", internal(http.HandlerFunc(h.HandleRecover)))

	// Token delegation.
	mux.Handle("POST /v1/auth/scoped-token", operator(http.HandlerFunc(h.HandleScopedToken)))

	// MCP StreamableHTTP transport (viewer+; tools check their own roles against the request's claims).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", viewer(mcpHTTP))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// subjectKeyFunc keys rate limits by token subject. Admins are exempt.
func subjectKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role.AtLeast(auth.RoleAdmin) {
		return ""
	}
	return claims.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
