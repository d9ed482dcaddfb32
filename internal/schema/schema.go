// Package schema defines the closed set of trace event kinds and validates
// candidate events before they reach durable storage. Validation is pure:
// it never touches the filesystem or mutates its input.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentVersion is the only schema version accepted for writing and
// validation. Forward compatibility goes through Migrate, which is wired but
// deliberately unimplemented until a second version exists.
const CurrentVersion = "1.0"

// EventType identifies one of the closed set of trace event kinds.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunFinished   EventType = "run.finished"
	EventStepStarted   EventType = "step.started"
	EventStepFinished  EventType = "step.finished"
	EventModelCall     EventType = "model.call"
	EventArtifactSaved EventType = "artifact.saved"
)

// Sentinel errors for validation and migration failures. Field-level failures
// wrap these with the event type and offending field name.
var (
	ErrUnknownEventType        = errors.New("schema: unknown event type")
	ErrUnsupportedVersion      = errors.New("schema: unsupported schema version")
	ErrMissingField            = errors.New("schema: missing required field")
	ErrMigrationNotImplemented = errors.New("schema: migration not implemented")
)

// ModelInfo identifies the model used in a call.
type ModelInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
}

// TokenUsage carries token counts for one model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Event is one record in a run's append-only trace log, serialized as a
// single JSON line. The envelope fields (Type, SchemaVersion, RunID, TsMs)
// are present on every event; the remaining fields are per-kind and omitted
// when empty. Events are immutable once written.
type Event struct {
	Type          EventType `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	RunID         string    `json:"run_id"`
	TsMs          int64     `json:"ts_ms"`

	// run.started
	Agent  string            `json:"agent,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	// run.finished / step.finished
	OK    *bool   `json:"ok,omitempty"`
	Error *string `json:"error,omitempty"`

	// step.started / step.finished / model.call
	StepID       string  `json:"step_id,omitempty"`
	Name         string  `json:"name,omitempty"`
	ParentStepID *string `json:"parent_step_id,omitempty"`
	OutputRef    string  `json:"output_ref,omitempty"`
	DurationMs   *int64  `json:"duration_ms,omitempty"`

	// model.call
	CallID    string         `json:"call_id,omitempty"`
	Model     *ModelInfo     `json:"model,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	PromptRef string         `json:"prompt_ref,omitempty"`
	Tokens    *TokenUsage    `json:"tokens,omitempty"`
	LatencyMs *int64         `json:"latency_ms,omitempty"`

	// artifact.saved
	ArtifactID string `json:"artifact_id,omitempty"`
	MIME       string `json:"mime,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Bytes      *int64 `json:"bytes,omitempty"`
	Path       string `json:"path,omitempty"`
}

// Validate checks the envelope and the per-kind required fields. It is
// idempotent: a valid event passes any number of times, and the event is
// never modified.
func Validate(ev Event) error {
	if ev.SchemaVersion != CurrentVersion {
		return fmt.Errorf("%w: %q (want %q)", ErrUnsupportedVersion, ev.SchemaVersion, CurrentVersion)
	}
	if ev.RunID == "" {
		return missing(ev.Type, "run_id")
	}
	if ev.TsMs <= 0 {
		return missing(ev.Type, "ts_ms")
	}

	switch ev.Type {
	case EventRunStarted:
		if ev.Agent == "" {
			return missing(ev.Type, "agent")
		}
	case EventRunFinished:
		if ev.OK == nil {
			return missing(ev.Type, "ok")
		}
	case EventStepStarted:
		if ev.StepID == "" {
			return missing(ev.Type, "step_id")
		}
		if ev.Name == "" {
			return missing(ev.Type, "name")
		}
	case EventStepFinished:
		if ev.StepID == "" {
			return missing(ev.Type, "step_id")
		}
		if ev.Name == "" {
			return missing(ev.Type, "name")
		}
		if ev.DurationMs != nil && *ev.DurationMs < 0 {
			return fmt.Errorf("schema: %s: duration_ms must be non-negative (got %d)", ev.Type, *ev.DurationMs)
		}
	case EventModelCall:
		if ev.StepID == "" {
			return missing(ev.Type, "step_id")
		}
		if ev.CallID == "" {
			return missing(ev.Type, "call_id")
		}
		if ev.Model == nil {
			return missing(ev.Type, "model")
		}
		if ev.Model.Name == "" {
			return missing(ev.Type, "model.name")
		}
		if ev.Model.Provider == "" {
			return missing(ev.Type, "model.provider")
		}
		if ev.PromptRef == "" {
			return missing(ev.Type, "prompt_ref")
		}
		if ev.OutputRef == "" {
			return missing(ev.Type, "output_ref")
		}
		if ev.Tokens == nil {
			return missing(ev.Type, "tokens")
		}
		if ev.LatencyMs == nil {
			return missing(ev.Type, "latency_ms")
		}
	case EventArtifactSaved:
		if ev.ArtifactID == "" {
			return missing(ev.Type, "artifact_id")
		}
		if ev.MIME == "" {
			return missing(ev.Type, "mime")
		}
		if ev.SHA256 == "" {
			return missing(ev.Type, "sha256")
		}
		if ev.Bytes == nil {
			return missing(ev.Type, "bytes")
		}
		if ev.Path == "" {
			return missing(ev.Type, "path")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	return nil
}

func missing(t EventType, field string) error {
	return fmt.Errorf("%w: %s event requires %q", ErrMissingField, t, field)
}

// Decode parses one trace log line into an Event and validates it. Used on
// the read path when strict decoding is wanted; the replay engine instead
// parses leniently and keeps whatever the writer recorded.
func Decode(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("schema: decode event: %w", err)
	}
	if err := Validate(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Migrate converts an event between schema versions. A same-version migration
// is the identity; anything else fails until real migration logic exists.
// The signature is the extension point for future versions — callers should
// route historical events through here rather than patching them ad hoc.
func Migrate(ev map[string]any, from, to string) (map[string]any, error) {
	if from == to {
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrMigrationNotImplemented, from, to)
}
