// Package recorder owns run and step lifecycle state and is the single
// writer of a run's append-only trace log.
//
// Every emission goes through one path: build the event, validate it against
// the schema, append exactly one JSON line. The log file is opened in append
// mode on every write, so a crashed process leaves at worst a partial last
// line — never a corrupted middle — and the replay engine's tolerant reader
// handles the rest.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/artifact"
	"github.com/ashita-ai/kiroku/internal/schema"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Lifecycle-contract errors. These indicate caller bugs, not recoverable
// conditions; they are surfaced immediately and never retried.
var (
	ErrNoActiveRun    = errors.New("recorder: no active run")
	ErrStepNotStarted = errors.New("recorder: no start time recorded")
)

// overlapError is the message written into the forced run.finished event
// when StartRun finds a previous run still open.
const overlapError = "new run started before previous run finished"

// Mapper is the capability a result object can expose to be persisted as a
// structured step output. Anything that is not a primitive, mapping, slice,
// or Mapper degrades to its string form.
type Mapper interface {
	AsMap() map[string]any
}

// Recorder records one run at a time. It is safe for concurrent use; a
// single mutex serializes lifecycle mutations and log appends. For
// concurrent runs, use one Recorder per run (see Registry).
type Recorder struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger

	runID     string
	runDir    string
	logPath   string
	store     *artifact.Store
	stepStart map[string]time.Time

	eventsWritten metric.Int64Counter
	bytesStored   metric.Int64Counter
}

// New creates a Recorder writing under root. The directory is created if
// missing so the first StartRun cannot fail on a cold data dir.
func New(root string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Join(root, "runs"), 0o750); err != nil {
		return nil, fmt.Errorf("recorder: create runs directory: %w", err)
	}

	r := &Recorder{
		root:      root,
		logger:    logger,
		stepStart: make(map[string]time.Time),
	}

	meter := telemetry.Meter("kiroku/recorder")
	r.eventsWritten, _ = meter.Int64Counter("kiroku.recorder.events_written",
		metric.WithDescription("Trace events appended to run logs"))
	r.bytesStored, _ = meter.Int64Counter("kiroku.recorder.artifact_bytes",
		metric.WithDescription("Bytes written to artifact stores"))

	return r, nil
}

// RunID returns the active run id, or "" when idle.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// StartRun opens a new run and emits run.started. If a run is already
// active it is first force-finished as failed — an explicit recovery rule
// that guarantees the old log is terminated rather than left open forever.
func (r *Recorder) StartRun(agent string, labels map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID != "" {
		r.logger.Warn("recorder: forcing previous run to failed", "run_id", r.runID)
		if err := r.finishRunLocked(false, overlapError); err != nil {
			return "", fmt.Errorf("recorder: force-finish previous run: %w", err)
		}
	}

	runID := uuid.NewString()
	runDir := filepath.Join(r.root, "runs", runID)
	store, err := artifact.NewStore(runDir)
	if err != nil {
		return "", fmt.Errorf("recorder: init run %s: %w", runID, err)
	}

	r.runID = runID
	r.runDir = runDir
	r.logPath = filepath.Join(runDir, "events.jsonl")
	r.store = store

	ev := r.envelope(schema.EventRunStarted)
	ev.Agent = agent
	ev.Labels = labels
	if ev.Labels == nil {
		ev.Labels = map[string]string{}
	}
	if err := r.appendLocked(ev); err != nil {
		return "", err
	}

	r.logger.Info("run started", "run_id", runID, "agent", agent)
	return runID, nil
}

// FinishRun emits run.finished and clears all in-memory lifecycle state.
// A no-op when no run is active, so finishing twice is safe.
func (r *Recorder) FinishRun(ok bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishRunLocked(ok, errMsg)
}

func (r *Recorder) finishRunLocked(ok bool, errMsg string) error {
	if r.runID == "" {
		return nil
	}

	ev := r.envelope(schema.EventRunFinished)
	ev.OK = &ok
	if errMsg != "" {
		ev.Error = &errMsg
	}
	if err := r.appendLocked(ev); err != nil {
		return err
	}

	r.logger.Info("run finished", "run_id", r.runID, "ok", ok)
	r.runID = ""
	r.runDir = ""
	r.logPath = ""
	r.store = nil
	r.stepStart = make(map[string]time.Time)
	return nil
}

// StartStep records a monotonic start time for stepID and emits
// step.started. The parent step is not required to exist or be open;
// nesting is the caller's contract.
func (r *Recorder) StartStep(stepID, name, parentStepID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return fmt.Errorf("%w: cannot start step %q", ErrNoActiveRun, stepID)
	}

	r.stepStart[stepID] = time.Now()

	ev := r.envelope(schema.EventStepStarted)
	ev.StepID = stepID
	ev.Name = name
	if parentStepID != "" {
		ev.ParentStepID = &parentStepID
	}
	return r.appendLocked(ev)
}

// FinishStep computes the step's duration, persists a non-nil result as a
// JSON artifact under steps/<step_id>.json, and emits step.finished.
// Finishing a step that was never started is a contract violation and
// writes nothing.
func (r *Recorder) FinishStep(stepID, name string, result any, errMsg string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return "", fmt.Errorf("%w: cannot finish step %q", ErrNoActiveRun, stepID)
	}
	started, ok := r.stepStart[stepID]
	if !ok {
		return "", fmt.Errorf("%w for step %q", ErrStepNotStarted, stepID)
	}

	durationMs := time.Since(started).Milliseconds()

	var outputRef string
	if result != nil {
		saved, err := r.storeLocked("steps/"+stepID+".json", toSerializable(result), "application/json")
		if err != nil {
			return "", err
		}
		outputRef = saved.Ref
	}

	ev := r.envelope(schema.EventStepFinished)
	ev.StepID = stepID
	ev.Name = name
	ev.OutputRef = outputRef
	ev.DurationMs = &durationMs
	if errMsg != "" {
		ev.Error = &errMsg
	}
	if err := r.appendLocked(ev); err != nil {
		return "", err
	}

	delete(r.stepStart, stepID)
	return outputRef, nil
}

// ModelCall carries everything recorded about one LLM invocation. Prompt and
// output text are persisted as artifacts, never embedded in the event.
type ModelCall struct {
	StepID           string
	CallID           string
	Model            schema.ModelInfo
	Params           map[string]any
	Prompt           string
	Output           string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// RecordModelCall persists the prompt and output as text artifacts (even
// when empty) and emits one model.call event. Emitting twice for the same
// call id is legal — e.g. a placeholder before the call and the real record
// after — and readers treat the last event per call id as authoritative.
func (r *Recorder) RecordModelCall(call ModelCall) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return "", fmt.Errorf("%w: cannot record model call %q", ErrNoActiveRun, call.CallID)
	}

	prompt, err := r.storeLocked("calls/"+call.CallID+"_prompt.txt", call.Prompt, "text/plain")
	if err != nil {
		return "", err
	}
	output, err := r.storeLocked("calls/"+call.CallID+"_output.txt", call.Output, "text/plain")
	if err != nil {
		return "", err
	}

	params := call.Params
	if params == nil {
		params = map[string]any{}
	}

	ev := r.envelope(schema.EventModelCall)
	ev.StepID = call.StepID
	ev.CallID = call.CallID
	model := call.Model
	ev.Model = &model
	ev.Params = params
	ev.PromptRef = prompt.Ref
	ev.OutputRef = output.Ref
	ev.Tokens = &schema.TokenUsage{Prompt: call.PromptTokens, Completion: call.CompletionTokens}
	latency := call.LatencyMs
	ev.LatencyMs = &latency
	if err := r.appendLocked(ev); err != nil {
		return "", err
	}

	return output.Ref, nil
}

// SaveArtifact persists content under the active run's artifact namespace
// and emits artifact.saved. Fails when no run is active. Prompt, output,
// and step-result files written by the other operations do not go through
// here; they are referenced from their own events instead of getting an
// artifact.saved of their own.
func (r *Recorder) SaveArtifact(relPath string, content any, mime string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return "", fmt.Errorf("%w: cannot save artifact %q", ErrNoActiveRun, relPath)
	}

	saved, err := r.storeLocked(relPath, content, mime)
	if err != nil {
		return "", err
	}

	ev := r.envelope(schema.EventArtifactSaved)
	ev.ArtifactID = saved.ArtifactID
	ev.MIME = saved.MIME
	ev.SHA256 = saved.SHA256
	bytes := saved.Bytes
	ev.Bytes = &bytes
	ev.Path = saved.Path
	if err := r.appendLocked(ev); err != nil {
		return "", err
	}
	return saved.Ref, nil
}

// storeLocked writes bytes into the run's artifact store without emitting
// any event. Callers hold r.mu.
func (r *Recorder) storeLocked(relPath string, content any, mime string) (artifact.Saved, error) {
	saved, err := r.store.Save(relPath, content, mime)
	if err != nil {
		return artifact.Saved{}, err
	}
	if r.bytesStored != nil {
		r.bytesStored.Add(context.Background(), saved.Bytes)
	}
	return saved, nil
}

// envelope builds the common fields every event carries.
func (r *Recorder) envelope(t schema.EventType) schema.Event {
	return schema.Event{
		Type:          t,
		SchemaVersion: schema.CurrentVersion,
		RunID:         r.runID,
		TsMs:          time.Now().UnixMilli(),
	}
}

// appendLocked validates the event and appends it as one JSON line. The file
// is opened fresh on every write; there is no persistent handle to leak or
// corrupt. Callers hold r.mu.
func (r *Recorder) appendLocked(ev schema.Event) error {
	if err := schema.Validate(ev); err != nil {
		return fmt.Errorf("recorder: invalid %s event: %w", ev.Type, err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("recorder: marshal %s event: %w", ev.Type, err)
	}

	f, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("recorder: open log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("recorder: append %s event: %w", ev.Type, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("recorder: close log: %w", err)
	}

	if r.eventsWritten != nil {
		r.eventsWritten.Add(context.Background(), 1)
	}
	return nil
}

// toSerializable converts a step result into something the artifact store
// can serialize canonically. This is a finite dispatch, not reflection:
// primitives pass through, mappings and sequences recurse, a Mapper is
// converted via its own capability, and anything else becomes its string
// form.
func toSerializable(v any) any {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toSerializable(item)
		}
		return out
	case map[string]string:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toSerializable(item)
		}
		return out
	case []string:
		return val
	case Mapper:
		return toSerializable(val.AsMap())
	default:
		return fmt.Sprintf("%v", val)
	}
}
