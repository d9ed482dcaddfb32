package replay

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashita-ai/kiroku/internal/recorder"
	"github.com/ashita-ai/kiroku/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordSampleRun writes a complete two-step run through the real recorder
// so the replay tests read exactly what production writes.
func recordSampleRun(t *testing.T, root string) string {
	t.Helper()
	rec, err := recorder.New(root, testLogger())
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}

	runID, err := rec.StartRun("vendor_selection_workflow", map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := rec.StartStep("s1", "Vendor Search", ""); err != nil {
		t.Fatalf("StartStep s1: %v", err)
	}
	if _, err := rec.RecordModelCall(recorder.ModelCall{
		StepID:       "s1",
		CallID:       "c1",
		Model:        schema.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
		Prompt:       "find vendors",
		Output:       "",
		PromptTokens: 5,
		LatencyMs:    500,
	}); err != nil {
		t.Fatalf("RecordModelCall placeholder: %v", err)
	}
	if _, err := rec.RecordModelCall(recorder.ModelCall{
		StepID:           "s1",
		CallID:           "c1",
		Model:            schema.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
		Prompt:           "find vendors",
		Output:           "acme, globex",
		PromptTokens:     5,
		CompletionTokens: 8,
		LatencyMs:        500,
	}); err != nil {
		t.Fatalf("RecordModelCall final: %v", err)
	}
	if _, err := rec.FinishStep("s1", "Vendor Search", map[string]any{"result": "success"}, ""); err != nil {
		t.Fatalf("FinishStep s1: %v", err)
	}
	if err := rec.StartStep("s2", "Score Vendors", "s1"); err != nil {
		t.Fatalf("StartStep s2: %v", err)
	}
	if err := rec.FinishRun(true, ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return runID
}

func TestOpen_MissingRun(t *testing.T) {
	if _, err := Open(t.TempDir(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestTimeline_StableOrder(t *testing.T) {
	root := t.TempDir()
	runID := recordSampleRun(t, root)

	run, err := Open(root, runID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tl := run.Timeline()
	if len(tl) != len(run.Events()) {
		t.Fatalf("timeline dropped events: %d vs %d", len(tl), len(run.Events()))
	}
	if tl[0].Type != schema.EventRunStarted {
		t.Fatalf("timeline should start with run.started, got %s", tl[0].Type)
	}
	if tl[len(tl)-1].Type != schema.EventRunFinished {
		t.Fatalf("timeline should end with run.finished, got %s", tl[len(tl)-1].Type)
	}
	for i := 1; i < len(tl); i++ {
		if tl[i].TsMs < tl[i-1].TsMs {
			t.Fatalf("timeline not sorted at %d", i)
		}
	}

	// Events recorded in the same millisecond keep file order: the two c1
	// model calls must appear placeholder first, final second.
	var outputs []string
	for _, ev := range tl {
		if ev.Type == schema.EventModelCall {
			outputs = append(outputs, ev.OutputRef)
		}
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 model.call events, got %d", len(outputs))
	}
}

func TestSteps_JoinAndLastWriteWins(t *testing.T) {
	root := t.TempDir()
	runID := recordSampleRun(t, root)

	run, err := Open(root, runID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	steps := run.Steps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	s1 := steps[0]
	if s1.StepID != "s1" || s1.Status != "completed" {
		t.Fatalf("s1 summary wrong: %+v", s1)
	}
	if s1.DurationMs == nil || *s1.DurationMs < 0 {
		t.Fatalf("s1 duration wrong: %v", s1.DurationMs)
	}
	if s1.OutputRef == "" {
		t.Fatal("s1 should carry a result output_ref")
	}
	if s1.ModelOutputRef != "artifact://artifacts/calls/c1_output.txt" {
		t.Fatalf("model output ref wrong: %q", s1.ModelOutputRef)
	}
	if s1.ModelCalls != 1 {
		t.Fatalf("repeated call id should count once, got %d", s1.ModelCalls)
	}

	// The duplicate model call's last output must be the authoritative one.
	data, err := run.Artifact(s1.ModelOutputRef)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if string(data) != "acme, globex" {
		t.Fatalf("last write should win: %q", data)
	}

	s2 := steps[1]
	if s2.StepID != "s2" || s2.Status != "unknown" {
		t.Fatalf("open step should be unknown: %+v", s2)
	}
	if s2.OutputRef != "" || s2.FinishedMs != nil {
		t.Fatalf("open step should have no finish data: %+v", s2)
	}
	if s2.ParentStepID == nil || *s2.ParentStepID != "s1" {
		t.Fatalf("parent step lost: %v", s2.ParentStepID)
	}
}

func TestSteps_ResultArtifactRoundTrip(t *testing.T) {
	root := t.TempDir()
	runID := recordSampleRun(t, root)

	run, err := Open(root, runID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ref string
	for _, s := range run.Steps() {
		if s.StepID == "s1" {
			ref = s.OutputRef
		}
	}
	data, err := run.Artifact(ref)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if string(data) != "{\n  \"result\": \"success\"\n}" {
		t.Fatalf("step result artifact wrong: %q", data)
	}
}

func TestInfo(t *testing.T) {
	root := t.TempDir()
	runID := recordSampleRun(t, root)

	run, err := Open(root, runID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	info := run.Info()
	if info.Agent != "vendor_selection_workflow" || info.Status != "completed" {
		t.Fatalf("run info wrong: %+v", info)
	}
	if info.FinishedMs == nil || *info.FinishedMs < info.StartedMs {
		t.Fatalf("finish timestamp wrong: %+v", info)
	}
}

func TestOpen_TolerantReader(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "runs", "r1")
	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	log := `{"type":"run.started","schema_version":"1.0","run_id":"r1","ts_ms":100,"agent":"a"}
not json at all
{"type":"step.started","schema_version":"1.0","run_id":"r1","ts_ms":110,"step_id":"s1","name":"Search"}
{"type":"step.fini`
	if err := os.WriteFile(filepath.Join(runDir, "events.jsonl"), []byte(log), 0o640); err != nil {
		t.Fatalf("write log: %v", err)
	}

	run, err := Open(root, "r1")
	if err != nil {
		t.Fatalf("Open should tolerate corruption: %v", err)
	}
	if len(run.Events()) != 2 {
		t.Fatalf("expected 2 parsed events, got %d", len(run.Events()))
	}
	if run.SkippedLines() != 2 {
		t.Fatalf("expected 2 skipped lines, got %d", run.SkippedLines())
	}

	steps := run.Steps()
	if len(steps) != 1 || steps[0].Status != "unknown" {
		t.Fatalf("truncated step should be unknown: %+v", steps)
	}
	if run.Info().Status != "unknown" {
		t.Fatalf("unfinished run should be unknown: %+v", run.Info())
	}
}

func TestListRuns(t *testing.T) {
	root := t.TempDir()
	if ids, err := ListRuns(root); err != nil || ids != nil {
		t.Fatalf("empty root should list nothing: %v %v", ids, err)
	}
	a := recordSampleRun(t, root)
	b := recordSampleRun(t, root)
	ids, err := ListRuns(root)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 runs, got %v", ids)
	}
	for _, want := range []string{a, b} {
		found := false
		for _, id := range ids {
			if id == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("run %s missing from %v", want, ids)
		}
	}
}
