package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

func (s *Server) registerTools() {
	// kenkyu_get_run: where a run is and what it is waiting on.
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_get_run",
			mcplib.WithDescription(`Get the current state of a research run.

WHAT YOU GET BACK:
- status: pending, running, paused, completed, error or cancelled
- phase: the pipeline phase the run will execute next
- fanout: how many hypotheses have finished, when the run is in fan-out
- note: a one-line hint about what the run is waiting on

Runs advance on their own. Poll this tool to follow progress; do not nudge
a run just because it has not moved for a few seconds.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run's UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// kenkyu_list_runs: runs of one project, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_list_runs",
			mcplib.WithDescription("List the runs of a project, newest first. Successive loops of the same research appear as separate runs linked by previous_run_id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("project_id",
				mcplib.Description("The project's UUID"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Number of runs to skip"),
				mcplib.Min(0),
			),
		),
		s.handleListRuns,
	)

	// kenkyu_list_hypotheses: the candidates a run generated.
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_list_hypotheses",
			mcplib.WithDescription("List the hypotheses a run generated with their processing status. Phase outputs are summarised as present or absent; read the run result over the HTTP API for full text."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run's UUID"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_deleted",
				mcplib.Description("Include soft-deleted hypotheses"),
			),
		),
		s.handleListHypotheses,
	)

	// kenkyu_pause_run / kenkyu_resume_run / kenkyu_stop_run: run control.
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_pause_run",
			mcplib.WithDescription("Pause a running run. A step already in progress finishes, then the run waits at its current phase until resumed. Requires the operator role."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("The run's UUID"), mcplib.Required()),
		),
		s.handlePauseRun,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_resume_run",
			mcplib.WithDescription("Resume a paused run from the phase it stopped at. Requires the operator role."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("The run's UUID"), mcplib.Required()),
		),
		s.handleResumeRun,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_stop_run",
			mcplib.WithDescription("Stop a running or paused run for good. Outstanding AI operations are cancelled. A stopped run cannot be resumed. Requires the operator role."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("The run's UUID"), mcplib.Required()),
		),
		s.handleStopRun,
	)

	// kenkyu_nudge_run: re-trigger a run that appears stuck.
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_nudge_run",
			mcplib.WithDescription(`Issue a fresh continuation for a pending or running run.

WHEN TO USE: only when kenkyu_get_run shows the same phase and updated_at
for several minutes and the note does not mention a rate-limit backoff.
Nudging a healthy run is harmless but wasted work. Repeated nudges of the
same run within 30 seconds are refused. Requires the operator role.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("The run's UUID"), mcplib.Required()),
		),
		s.handleNudgeRun,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := authorize(ctx, auth.RoleViewer)
	if denied != nil {
		return denied, nil
	}
	runID, bad := uuidArg(request, "run_id")
	if bad != nil {
		return bad, nil
	}
	run, err := s.visibleRun(ctx, claims, runID)
	if err != nil {
		return s.toolError(ctx, "get run", err), nil
	}
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := authorize(ctx, auth.RoleViewer)
	if denied != nil {
		return denied, nil
	}
	projectID, bad := uuidArg(request, "project_id")
	if bad != nil {
		return bad, nil
	}
	if !claims.CanAccessProject(projectID) {
		return errorResult("token is not scoped to this project"), nil
	}

	limit := min(max(request.GetInt("limit", 10), 1), 100)
	offset := max(request.GetInt("offset", 0), 0)
	runs, total, err := s.store.ListProjectRuns(ctx, projectID, limit, offset)
	if err != nil {
		return s.toolError(ctx, "list runs", err), nil
	}

	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonResult(map[string]any{
		"runs":     compact,
		"total":    total,
		"has_more": offset+len(runs) < total,
	}), nil
}

func (s *Server) handleListHypotheses(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := authorize(ctx, auth.RoleViewer)
	if denied != nil {
		return denied, nil
	}
	runID, bad := uuidArg(request, "run_id")
	if bad != nil {
		return bad, nil
	}
	if _, err := s.visibleRun(ctx, claims, runID); err != nil {
		return s.toolError(ctx, "list hypotheses", err), nil
	}

	hyps, err := s.store.ListRunHypotheses(ctx, runID, request.GetBool("include_deleted", false))
	if err != nil {
		return s.toolError(ctx, "list hypotheses", err), nil
	}
	compact := make([]map[string]any, len(hyps))
	for i, h := range hyps {
		compact[i] = compactHypothesis(h)
	}
	return jsonResult(map[string]any{
		"run_id":     runID,
		"hypotheses": compact,
		"total":      len(hyps),
	}), nil
}

func (s *Server) handlePauseRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.control(ctx, request, "pause", s.controller.Pause), nil
}

func (s *Server) handleResumeRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.control(ctx, request, "resume", s.controller.Resume), nil
}

func (s *Server) handleStopRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.control(ctx, request, "stop", s.controller.Stop), nil
}

func (s *Server) control(ctx context.Context, request mcplib.CallToolRequest, action string, fn func(context.Context, uuid.UUID) (model.Run, error)) *mcplib.CallToolResult {
	claims, denied := authorize(ctx, auth.RoleOperator)
	if denied != nil {
		return denied
	}
	runID, bad := uuidArg(request, "run_id")
	if bad != nil {
		return bad
	}
	if _, err := s.visibleRun(ctx, claims, runID); err != nil {
		return s.toolError(ctx, action+" run", err)
	}
	run, err := fn(withAudit(ctx, claims, "kenkyu_"+action+"_run"), runID)
	if err != nil {
		return s.toolError(ctx, action+" run", err)
	}
	return jsonResult(compactRun(run))
}

func (s *Server) handleNudgeRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := authorize(ctx, auth.RoleOperator)
	if denied != nil {
		return denied, nil
	}
	runID, bad := uuidArg(request, "run_id")
	if bad != nil {
		return bad, nil
	}
	if _, err := s.visibleRun(ctx, claims, runID); err != nil {
		return s.toolError(ctx, "nudge run", err), nil
	}
	if recent, wait := s.nudges.Recent(claims.Subject, runID); recent {
		return errorResult(fmt.Sprintf("%s: run was nudged recently; try again in %ds",
			runerr.KindRateLimit, int(wait.Seconds())+1)), nil
	}

	run, continued, err := s.controller.Nudge(withAudit(ctx, claims, "kenkyu_nudge_run"), runID)
	if err != nil {
		return s.toolError(ctx, "nudge run", err), nil
	}
	if continued {
		s.nudges.Record(claims.Subject, runID)
	}
	return jsonResult(map[string]any{
		"run":       compactRun(run),
		"continued": continued,
	}), nil
}

// visibleRun loads a run, reporting RUN_NOT_FOUND for runs outside the
// caller's project scope.
func (s *Server) visibleRun(ctx context.Context, claims *auth.Claims, id uuid.UUID) (model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !claims.CanAccessProject(run.ProjectID)) {
		return model.Run{}, runerr.New(runerr.KindRunNotFound, "run %s not found", id)
	}
	return run, err
}

// toolError turns err into a tool-level error. Classified errors are shown
// to the agent; anything else is logged and reported generically.
func (s *Server) toolError(ctx context.Context, op string, err error) *mcplib.CallToolResult {
	if kind := runerr.KindOf(err); kind != runerr.KindInternal {
		return errorResult(fmt.Sprintf("%s: %s", kind, runerr.Message(err)))
	}
	s.logger.ErrorContext(ctx, "mcp: tool failed", "op", op, "error", err)
	return errorResult(op + " failed: internal error")
}

// authorize returns the caller's claims, or an error result when the call
// is unauthenticated or below min.
func authorize(ctx context.Context, min auth.Role) (*auth.Claims, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errorResult("authentication required")
	}
	if !claims.Role.AtLeast(min) {
		return nil, errorResult(fmt.Sprintf("this tool requires the %s role", min))
	}
	return claims, nil
}

// withAudit attributes control actions taken through MCP to the caller.
func withAudit(ctx context.Context, claims *auth.Claims, tool string) context.Context {
	meta := ctxutil.AuditMetaFromContext(ctx)
	meta.Actor = claims.Subject
	meta.ActorRole = string(claims.Role)
	meta.HTTPMethod = "MCP"
	meta.Endpoint = tool
	return ctxutil.WithAuditMeta(ctx, meta)
}

func uuidArg(request mcplib.CallToolRequest, name string) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString(name, "")
	if raw == "" {
		return uuid.Nil, errorResult(name + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("%s must be a UUID", name))
	}
	return id, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
