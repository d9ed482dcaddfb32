// recordsample records a small vendor-selection run directly through the
// recorder, without going through the HTTP API.
//
// Usage (run from the repo root):
//
//	go run scripts/recordsample/main.go [data-dir]
//
// Writes a complete trace under <data-dir>/runs/<run_id>/ (data-dir
// defaults to ./data) and prints the run ID. Useful for exercising the
// replay endpoints and the MCP tools against realistic data.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashita-ai/kiroku/internal/recorder"
	"github.com/ashita-ai/kiroku/internal/schema"
)

func main() {
	dataDir := "data"
	if len(os.Args) > 1 {
		dataDir = os.Args[1]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	rec, err := recorder.New(dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: recorder: %v\n", err)
		os.Exit(1)
	}

	runID, err := rec.StartRun("vendor_selection_workflow", map[string]string{
		"env":     "dev",
		"trigger": "recordsample",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: start run: %v\n", err)
		os.Exit(1)
	}

	steps := []struct {
		id, name, prompt, output string
	}{
		{"search", "Vendor Search", "List vendors offering widget manufacturing.", "acme, globex, initech"},
		{"shortlist", "Vendor Shortlist", "Shortlist the two strongest candidates.", "acme, globex"},
		{"evaluate", "Vendor Evaluation", "Compare shortlisted vendors on price and lead time.", "acme wins on price, globex on lead time"},
		{"decide", "Final Decision", "Pick one vendor and justify the choice.", "acme: 12% cheaper at comparable quality"},
	}

	// Chain each step under the previous one so the trace exercises
	// parent_step_id.
	parent := ""
	for _, s := range steps {
		must("start step", rec.StartStep(s.id, s.name, parent))
		parent = s.id

		start := time.Now()
		_, err := rec.RecordModelCall(recorder.ModelCall{
			StepID:           s.id,
			CallID:           fmt.Sprintf("%s_c1", s.id),
			Model:            schema.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
			Params:           map[string]any{"temperature": 0.2},
			Prompt:           s.prompt,
			Output:           s.output,
			PromptTokens:     len(s.prompt) / 4,
			CompletionTokens: len(s.output) / 4,
			LatencyMs:        time.Since(start).Milliseconds() + 350,
		})
		must("record model call", err)

		_, err = rec.FinishStep(s.id, s.name, map[string]any{"result": s.output}, "")
		must("finish step", err)
	}

	_, err = rec.SaveArtifact("report/decision.md", "# Vendor Decision\n\nSelected acme.\n", "text/markdown")
	must("save artifact", err)

	must("finish run", rec.FinishRun(true, ""))

	fmt.Println(runID)
}

func must(what string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", what, err)
		os.Exit(1)
	}
}
