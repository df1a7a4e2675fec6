// Package mcp exposes kenkyu runs to MCP-compatible agents.
//
// The tools mirror the HTTP API's read and control operations: agents can
// inspect runs and hypotheses and pause, resume, stop or nudge a run. Calls
// arrive over the /mcp route, so the request context carries the caller's
// JWT claims and every tool applies the same role and project checks as the
// HTTP handlers.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// nudgeWindow is how long a caller's nudge suppresses repeat nudges of the
// same run through MCP.
const nudgeWindow = 30 * time.Second

// Store is the read side the tools need.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListProjectRuns(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Run, int, error)
	ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error)
}

// Controller applies run control actions.
type Controller interface {
	Pause(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Resume(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Stop(ctx context.Context, runID uuid.UUID) (model.Run, error)
	Nudge(ctx context.Context, runID uuid.UUID) (model.Run, bool, error)
}

// Server wraps the mcp-go server with kenkyu's store and run control.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	store      Store
	controller Controller
	nudges     *nudgeTracker
	logger     *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and prompts.
func New(store Store, controller Controller, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:      store,
		controller: controller,
		nudges:     newNudgeTracker(nudgeWindow),
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kenkyu",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("kenkyu runs long AI research pipelines. "+
			"Use kenkyu_get_run to see where a run is, kenkyu_list_hypotheses for its candidates, "+
			"and the pause/resume/stop/nudge tools to steer it."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
