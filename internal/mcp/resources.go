package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
)

const runURIPrefix = "kenkyu://runs/"

func (s *Server) registerResources() {
	// kenkyu://runs/{id}: full run document, including the integrated result.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}",
			"Run",
			mcplib.WithTemplateDescription("Full state of a research run, including its integrated result once completed"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)

	// kenkyu://runs/{id}/hypotheses: hypotheses with their phase outputs.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}/hypotheses",
			"Run Hypotheses",
			mcplib.WithTemplateDescription("Hypotheses generated by a run, with full phase outputs"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

// handleRunResource serves both run templates.
func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, sub, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}

	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !claims.Role.AtLeast(auth.RoleViewer) {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	run, err := s.visibleRun(ctx, claims, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: read %s: %w", uri, err)
	}

	var payload any = run
	if sub == "hypotheses" {
		hyps, err := s.store.ListRunHypotheses(ctx, runID, false)
		if err != nil {
			return nil, fmt.Errorf("mcp: read %s: %w", uri, err)
		}
		payload = map[string]any{"run_id": runID, "hypotheses": hyps}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunURI splits kenkyu://runs/{id}[/hypotheses] into the run ID and
// the optional sub-resource.
func parseRunURI(uri string) (uuid.UUID, string, error) {
	rest, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	idPart, sub, _ := strings.Cut(rest, "/")
	if idPart == "" {
		return uuid.Nil, "", fmt.Errorf("mcp: empty run id in URI: %s", uri)
	}
	if sub != "" && sub != "hypotheses" {
		return uuid.Nil, "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("mcp: run id in URI is not a UUID: %s", uri)
	}
	return id, sub, nil
}
