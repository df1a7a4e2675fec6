package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// watch-run: guides the agent through following a run to completion.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("watch-run",
			mcplib.WithPromptDescription("Follow a research run until it finishes, intervening only when it is stuck"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to follow"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWatchRunPrompt,
	)

	// operator-setup: system prompt snippet explaining how runs progress.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how kenkyu runs progress and which tools steer them"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleWatchRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Follow run %s to completion", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Follow research run %s until it finishes.

1. CALL kenkyu_get_run with run_id="%s". Read status, phase and note.

2. WHILE status is pending or running:
   - Wait at least a minute between checks. Divergent and fan-out phases
     poll long AI operations and can take many minutes.
   - If the note mentions a rate-limit backoff, keep waiting. The run
     retries on its own.
   - Only if phase and updated_at have not changed for ten minutes,
     CALL kenkyu_nudge_run once, then keep waiting.

3. WHEN status is completed, CALL kenkyu_list_hypotheses and report which
   hypotheses finished and which failed. Read kenkyu://runs/%s for the
   integrated result.

4. IF status is error, report the phase and error from the note. Do not
   retry the run yourself.

Never stop a run unless the user asks you to.`, runID, runID, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How kenkyu research runs progress",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can observe and steer kenkyu research runs.

## How a run progresses

A run moves through fixed phases: divergent (one long AI operation
proposes hypotheses), extract (the proposals are parsed and de-duplicated),
fan-out (each hypothesis runs its own three-step sub-pipeline, several at
a time) and aggregate (results are combined). The server advances runs in
short invocations and schedules the next one itself. Runs do not need
you to keep them moving.

## Available Tools

- kenkyu_get_run: current status, phase and a hint about what it waits on
- kenkyu_list_runs: runs of a project, newest first
- kenkyu_list_hypotheses: the candidates of a run and their progress
- kenkyu_pause_run / kenkyu_resume_run: hold a run and continue it later
  from the same phase
- kenkyu_stop_run: cancel a run for good
- kenkyu_nudge_run: re-trigger a run that has not moved for a long time

## Statuses

- pending: created, waiting for its first invocation
- running: advancing through phases
- paused: held by an operator; resume continues from the stored phase
- completed: finished; hypotheses that failed are listed in the result
- error: a run-level failure; the note names the phase
- cancelled: stopped by an operator`,
				},
			},
		},
	}, nil
}
