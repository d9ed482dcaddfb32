package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/artifact"
	"github.com/ashita-ai/kiroku/internal/metrics"
	"github.com/ashita-ai/kiroku/internal/replay"
)

func (s *Server) registerTools() {
	// kiroku_list_runs — browse the run catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_runs",
			mcplib.WithDescription(`List recorded runs, newest first.

WHEN TO USE: To get an overview of what the flight recorder has captured.
Useful at the start of a session, or to find the run_id you need for the
other kiroku tools.

Each entry includes the run's agent name, labels, status (running,
completed, or failed), start and finish timestamps, and error message
when the run failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Number of runs to skip, for paging"),
				mcplib.Min(0),
			),
		),
		s.handleListRuns,
	)

	// kiroku_run_timeline — replay a run's events in time order.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_run_timeline",
			mcplib.WithDescription(`Replay a run's full event timeline, ordered by timestamp.

WHEN TO USE: To understand exactly what happened during a run — which
steps started and finished when, which model calls were made, and which
artifacts were saved.

Returns the raw trace events. For a per-step summary joined across
start/finish pairs, use kiroku_run_steps instead.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run to replay"),
				mcplib.Required(),
			),
		),
		s.handleRunTimeline,
	)

	// kiroku_run_steps — the per-step view of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_run_steps",
			mcplib.WithDescription(`Summarize a run step by step.

WHEN TO USE: To see the structure of a run at a glance — each step's
name, status, duration, parent step, and the artifact references for its
result and its last model output.

A step's status is "completed" or "failed" when a finish event exists,
and "unknown" when the run stopped before the step finished.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run to summarize"),
				mcplib.Required(),
			),
		),
		s.handleRunSteps,
	)

	// kiroku_run_metrics — cost and usage rollup for a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_run_metrics",
			mcplib.WithDescription(`Compute usage metrics for a run from its trace.

WHEN TO USE: To answer "what did this run cost" questions. Returns
runtime, model call count, prompt and completion token totals, model
latency, estimated cost in USD, and estimated CO2, plus a per-step
breakdown. Duplicate records of the same model call are counted once.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run to analyze"),
				mcplib.Required(),
			),
		),
		s.handleRunMetrics,
	)

	// kiroku_read_artifact — fetch a stored artifact's content.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_read_artifact",
			mcplib.WithDescription(`Read a stored artifact from a run.

WHEN TO USE: After kiroku_run_steps or kiroku_run_timeline surfaces an
artifact reference you want to inspect — a step result, a model prompt
or output, or a file the agent saved explicitly.

Pass the path relative to the run's artifact root, e.g.
"steps/s1.json" or "calls/c1_output.txt". Artifact references of the
form artifact://artifacts/<path> use that same <path>.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run that owns the artifact"),
				mcplib.Required(),
			),
			mcplib.WithString("path",
				mcplib.Description("Artifact path relative to the run's artifact root"),
				mcplib.Required(),
			),
		),
		s.handleReadArtifact,
	)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	offset := request.GetInt("offset", 0)

	runs, err := s.catalog.List(ctx, limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"runs":  runs,
		"total": len(runs),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleRunTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.openRun(request)
	if errResult != nil {
		return errResult, nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"run_id":        run.RunID,
		"events":        run.Timeline(),
		"skipped_lines": run.SkippedLines(),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleRunSteps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.openRun(request)
	if errResult != nil {
		return errResult, nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"run_id": run.RunID,
		"info":   run.Info(),
		"steps":  run.Steps(),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleRunMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.openRun(request)
	if errResult != nil {
		return errResult, nil
	}

	report := metrics.Summarize(run.RunID, run.Events())
	resultData, _ := json.MarshalIndent(report, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleReadArtifact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.openRun(request)
	if errResult != nil {
		return errResult, nil
	}

	path := request.GetString("path", "")
	if path == "" {
		return errorResult("path is required"), nil
	}

	data, err := run.ReadArtifact(path)
	if errors.Is(err, artifact.ErrNotFound) {
		return errorResult(fmt.Sprintf("artifact not found: %s", path)), nil
	}
	if errors.Is(err, artifact.ErrInvalidRef) {
		return errorResult(fmt.Sprintf("invalid artifact path: %s", path)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("read artifact failed: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// openRun loads the request's run_id argument from disk, returning an
// error result when the run does not exist.
func (s *Server) openRun(request mcplib.CallToolRequest) (*replay.Run, *mcplib.CallToolResult) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return nil, errorResult("run_id is required")
	}

	run, err := replay.Open(s.dataDir, runID)
	if errors.Is(err, replay.ErrRunNotFound) {
		return nil, errorResult(fmt.Sprintf("run not found: %s", runID))
	}
	if err != nil {
		return nil, errorResult(fmt.Sprintf("failed to load run: %v", err))
	}
	return run, nil
}
