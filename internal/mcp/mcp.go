// Package mcp implements the Model Context Protocol server for kiroku.
//
// The MCP server exposes the replay side of the flight recorder through
// MCP resources and tools, letting MCP-compatible AI agents inspect
// recorded runs without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/replay"
)

// Server wraps the MCP server with kiroku's replay layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	catalog   *catalog.Catalog
	dataDir   string
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(cat *catalog.Catalog, dataDir string, logger *slog.Logger, version string) *Server {
	s := &Server{
		catalog: cat,
		dataDir: dataDir,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kiroku://runs/recent — the most recently started runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kiroku://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently started runs in the catalog"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)

	// kiroku://run/{id}/timeline — a run's chronological event timeline.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kiroku://run/{id}/timeline",
			"Run Timeline",
			mcplib.WithTemplateDescription("Chronological event timeline for a specific run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunTimelineResource,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.catalog.List(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kiroku://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunTimelineResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var runID string
	if _, err := fmt.Sscanf(uri, "kiroku://run/%s", &runID); err != nil || runID == "" {
		return nil, fmt.Errorf("mcp: invalid run timeline URI: %s", uri)
	}
	// Sscanf's %s is greedy; strip the trailing "/timeline".
	if len(runID) > 9 && runID[len(runID)-9:] == "/timeline" {
		runID = runID[:len(runID)-9]
	}

	run, err := replay.Open(s.dataDir, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run timeline: %w", err)
	}

	data, err := json.MarshalIndent(run.Timeline(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal timeline: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
