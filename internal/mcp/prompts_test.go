package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestWatchRunPrompt(t *testing.T) {
	f := newFixture(t)
	runID := "0b6f3a9e-4c1d-4e55-9a1e-2f5a8c3d7e10"

	result, err := f.srv.handleWatchRunPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "watch-run",
			Arguments: map[string]string{"run_id": runID},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, runID)

	text := promptText(t, result)
	assert.Contains(t, text, `kenkyu_get_run with run_id="`+runID+`"`)
	assert.Contains(t, text, "kenkyu_nudge_run")
	assert.Contains(t, text, "kenkyu://runs/"+runID)
}

func TestWatchRunPrompt_MissingRunID(t *testing.T) {
	f := newFixture(t)
	for name, args := range map[string]map[string]string{
		"nil":   nil,
		"empty": {"run_id": ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.srv.handleWatchRunPrompt(context.Background(), mcplib.GetPromptRequest{
				Params: mcplib.GetPromptParams{Name: "watch-run", Arguments: args},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "run_id")
		})
	}
}

func TestOperatorSetupPrompt(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleOperatorSetupPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "operator-setup"},
	})
	require.NoError(t, err)

	text := promptText(t, result)
	for _, tool := range []string{
		"kenkyu_get_run", "kenkyu_list_runs", "kenkyu_list_hypotheses",
		"kenkyu_pause_run", "kenkyu_resume_run", "kenkyu_stop_run", "kenkyu_nudge_run",
	} {
		assert.Contains(t, text, tool, "setup prompt should mention every tool")
	}
}
