package schema

import (
	"errors"
	"testing"
)

func validRunStarted() Event {
	return Event{
		Type:          EventRunStarted,
		SchemaVersion: CurrentVersion,
		RunID:         "run-1",
		TsMs:          1234567890,
		Agent:         "vendor_selection_workflow",
		Labels:        map[string]string{"env": "test"},
	}
}

func TestValidate_RunStarted(t *testing.T) {
	if err := Validate(validRunStarted()); err != nil {
		t.Fatalf("valid run.started rejected: %v", err)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	ev := validRunStarted()
	if err := Validate(ev); err != nil {
		t.Fatalf("first validation failed: %v", err)
	}
	if err := Validate(ev); err != nil {
		t.Fatalf("second validation of the same event failed: %v", err)
	}
}

func TestValidate_UnknownType(t *testing.T) {
	ev := validRunStarted()
	ev.Type = "run.paused"
	err := Validate(ev)
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestValidate_FutureVersionRejected(t *testing.T) {
	ev := validRunStarted()
	ev.SchemaVersion = "2.0"
	err := Validate(ev)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion for plausible future version, got %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	lat := int64(500)
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"run.started missing agent", func(ev *Event) {
			ev.Agent = ""
		}},
		{"run.finished missing ok", func(ev *Event) {
			ev.Type = EventRunFinished
			ev.Agent = ""
			ev.OK = nil
		}},
		{"step.started missing step_id", func(ev *Event) {
			ev.Type = EventStepStarted
			ev.Agent = ""
			ev.Name = "Vendor Search"
		}},
		{"step.finished missing name", func(ev *Event) {
			ev.Type = EventStepFinished
			ev.Agent = ""
			ev.StepID = "s1"
		}},
		{"model.call missing prompt_ref", func(ev *Event) {
			ev.Type = EventModelCall
			ev.Agent = ""
			ev.StepID = "s1"
			ev.CallID = "c1"
			ev.Model = &ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"}
			ev.OutputRef = "artifact://artifacts/calls/c1_output.txt"
			ev.Tokens = &TokenUsage{Prompt: 5, Completion: 8}
			ev.LatencyMs = &lat
		}},
		{"artifact.saved missing sha256", func(ev *Event) {
			ev.Type = EventArtifactSaved
			ev.Agent = ""
			ev.ArtifactID = "test.txt"
			ev.MIME = "text/plain"
			b := int64(13)
			ev.Bytes = &b
			ev.Path = "/tmp/x/test.txt"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validRunStarted()
			tc.mutate(&ev)
			err := Validate(ev)
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
		})
	}
}

func TestValidate_CompleteModelCall(t *testing.T) {
	lat := int64(500)
	ev := Event{
		Type:          EventModelCall,
		SchemaVersion: CurrentVersion,
		RunID:         "run-1",
		TsMs:          1234567890,
		StepID:        "s1",
		CallID:        "c1",
		Model:         &ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
		Params:        map[string]any{"temperature": 0.7},
		PromptRef:     "artifact://artifacts/calls/c1_prompt.txt",
		OutputRef:     "artifact://artifacts/calls/c1_output.txt",
		Tokens:        &TokenUsage{Prompt: 5, Completion: 8},
		LatencyMs:     &lat,
	}
	if err := Validate(ev); err != nil {
		t.Fatalf("valid model.call rejected: %v", err)
	}
}

func TestValidate_NegativeDuration(t *testing.T) {
	d := int64(-1)
	ev := validRunStarted()
	ev.Type = EventStepFinished
	ev.Agent = ""
	ev.StepID = "s1"
	ev.Name = "Vendor Search"
	ev.DurationMs = &d
	if err := Validate(ev); err == nil {
		t.Fatal("negative duration_ms should fail validation")
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	line := []byte(`{"type":"run.started","schema_version":"1.0","run_id":"r1","ts_ms":42,"agent":"a"}`)
	ev, err := Decode(line)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Agent != "a" || ev.RunID != "r1" {
		t.Fatalf("decoded fields wrong: %+v", ev)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"run.start`)); err == nil {
		t.Fatal("truncated line should fail strict decode")
	}
}

func TestMigrate(t *testing.T) {
	ev := map[string]any{"type": "run.started", "schema_version": "1.0"}

	out, err := Migrate(ev, "1.0", "1.0")
	if err != nil {
		t.Fatalf("same-version migration should be a no-op: %v", err)
	}
	if out["type"] != "run.started" {
		t.Fatalf("migration mutated event: %v", out)
	}

	if _, err := Migrate(ev, "1.0", "2.0"); !errors.Is(err, ErrMigrationNotImplemented) {
		t.Fatalf("expected ErrMigrationNotImplemented, got %v", err)
	}
}
