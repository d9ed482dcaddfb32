package metrics

import (
	"math"
	"testing"

	"github.com/ashita-ai/kiroku/internal/schema"
)

func ptr[T any](v T) *T { return &v }

func sampleEvents() []schema.Event {
	ok := true
	return []schema.Event{
		{Type: schema.EventRunStarted, SchemaVersion: "1.0", RunID: "r1", TsMs: 1000, Agent: "vendor_selection_workflow"},
		{Type: schema.EventStepStarted, SchemaVersion: "1.0", RunID: "r1", TsMs: 1010, StepID: "s1", Name: "Vendor Search"},
		{
			Type: schema.EventModelCall, SchemaVersion: "1.0", RunID: "r1", TsMs: 1020,
			StepID: "s1", CallID: "c1",
			Model:     &schema.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
			PromptRef: "artifact://artifacts/calls/c1_prompt.txt",
			OutputRef: "artifact://artifacts/calls/c1_output.txt",
			Tokens:    &schema.TokenUsage{Prompt: 5, Completion: 0},
			LatencyMs: ptr(int64(0)),
		},
		{
			Type: schema.EventModelCall, SchemaVersion: "1.0", RunID: "r1", TsMs: 1520,
			StepID: "s1", CallID: "c1",
			Model:     &schema.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
			PromptRef: "artifact://artifacts/calls/c1_prompt.txt",
			OutputRef: "artifact://artifacts/calls/c1_output.txt",
			Tokens:    &schema.TokenUsage{Prompt: 5, Completion: 8},
			LatencyMs: ptr(int64(500)),
		},
		{
			Type: schema.EventStepFinished, SchemaVersion: "1.0", RunID: "r1", TsMs: 1600,
			StepID: "s1", Name: "Vendor Search", DurationMs: ptr(int64(590)),
		},
		{Type: schema.EventStepStarted, SchemaVersion: "1.0", RunID: "r1", TsMs: 1610, StepID: "s2", Name: "Score Vendors"},
		{Type: schema.EventRunFinished, SchemaVersion: "1.0", RunID: "r1", TsMs: 3000, OK: &ok},
	}
}

func TestSummarize(t *testing.T) {
	rep := Summarize("r1", sampleEvents())

	if rep.Agent != "vendor_selection_workflow" {
		t.Fatalf("agent wrong: %q", rep.Agent)
	}
	if rep.StepCount != 2 {
		t.Fatalf("step count wrong: %d", rep.StepCount)
	}
	if rep.RuntimeS != 2.0 {
		t.Fatalf("runtime wrong: %v", rep.RuntimeS)
	}

	// The duplicate c1 events collapse to the last one.
	if rep.ModelCalls != 1 {
		t.Fatalf("model calls should dedupe by call id: %d", rep.ModelCalls)
	}
	if rep.PromptTokens != 5 || rep.CompletionTokens != 8 {
		t.Fatalf("token totals wrong: %d/%d", rep.PromptTokens, rep.CompletionTokens)
	}
	if rep.ModelLatencyS != 0.5 {
		t.Fatalf("model latency wrong: %v", rep.ModelLatencyS)
	}

	if math.Abs(rep.EstimatedCostUSD-0.002) > 1e-9 {
		t.Fatalf("cost estimate wrong: %v", rep.EstimatedCostUSD)
	}
	if math.Abs(rep.EstimatedCO2Kg-0.5*1*0.0005) > 1e-9 {
		t.Fatalf("co2 estimate wrong: %v", rep.EstimatedCO2Kg)
	}
}

func TestSummarize_PerStep(t *testing.T) {
	rep := Summarize("r1", sampleEvents())
	if len(rep.Steps) != 2 {
		t.Fatalf("expected 2 step entries, got %d", len(rep.Steps))
	}

	s1 := rep.Steps[0]
	if s1.StepID != "s1" || s1.Name != "Vendor Search" {
		t.Fatalf("s1 identity wrong: %+v", s1)
	}
	if s1.LatencyS != 0.59 {
		t.Fatalf("s1 latency wrong: %v", s1.LatencyS)
	}
	if s1.ModelCalls != 1 || s1.PromptTokens != 5 || s1.CompletionTokens != 8 {
		t.Fatalf("s1 call rollup wrong: %+v", s1)
	}

	s2 := rep.Steps[1]
	if s2.StepID != "s2" || s2.LatencyS != 0 || s2.ModelCalls != 0 {
		t.Fatalf("open step should contribute nothing: %+v", s2)
	}
}

func TestSummarize_UnfinishedRun(t *testing.T) {
	evs := sampleEvents()
	evs = evs[:len(evs)-1] // drop run.finished

	rep := Summarize("r1", evs)
	if rep.RuntimeS != 0.61 {
		t.Fatalf("runtime should span to last event: %v", rep.RuntimeS)
	}
}

func TestSummarize_Empty(t *testing.T) {
	rep := Summarize("r1", nil)
	if rep.StepCount != 0 || rep.ModelCalls != 0 || rep.RuntimeS != 0 {
		t.Fatalf("empty run should be all zeros: %+v", rep)
	}
	if rep.EstimatedCostUSD != 0 || rep.EstimatedCO2Kg != 0 {
		t.Fatalf("estimates should be zero: %+v", rep)
	}
}
