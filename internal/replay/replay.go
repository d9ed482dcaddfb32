// Package replay reconstructs a run's timeline and per-step view purely
// from its on-disk trace log. It never needs live recorder state and never
// mutates anything, so it can read a run that is still being written: it
// simply sees a prefix of the eventual log.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ashita-ai/kiroku/internal/artifact"
	"github.com/ashita-ai/kiroku/internal/schema"
)

// ErrRunNotFound is returned when no trace log exists for a run id.
var ErrRunNotFound = errors.New("replay: run not found")

// maxLineBytes bounds a single trace line. Events hold references, not
// payloads, so real lines are tiny; the bound exists for the scanner buffer.
const maxLineBytes = 1 << 20

// StepSummary is the derived per-step view: one step.started joined with
// its step.finished (when present) and the most recent model output seen
// for that step.
type StepSummary struct {
	StepID         string  `json:"step_id"`
	Name           string  `json:"name"`
	ParentStepID   *string `json:"parent_step_id,omitempty"`
	Status         string  `json:"status"`
	StartedMs      int64   `json:"started_ms"`
	FinishedMs     *int64  `json:"finished_ms,omitempty"`
	DurationMs     *int64  `json:"duration_ms,omitempty"`
	Error          *string `json:"error,omitempty"`
	OutputRef      string  `json:"output_ref,omitempty"`
	ModelOutputRef string  `json:"model_output_ref,omitempty"`
	ModelCalls     int     `json:"model_calls"`
}

// RunInfo is the run-level header and outcome, derived from the first
// run.started and the last run.finished in the log.
type RunInfo struct {
	RunID      string            `json:"run_id"`
	Agent      string            `json:"agent"`
	Labels     map[string]string `json:"labels,omitempty"`
	StartedMs  int64             `json:"started_ms"`
	FinishedMs *int64            `json:"finished_ms,omitempty"`
	Status     string            `json:"status"`
	Error      *string           `json:"error,omitempty"`
}

// Run is one loaded trace. Loading reads the whole log into memory; runs
// are bounded by their step count, not by payload size, since payloads live
// in the artifact store.
type Run struct {
	RunID   string
	events  []schema.Event
	skipped int
	store   *artifact.Store
}

// Open loads the trace log for runID under root. Malformed lines are
// skipped, not fatal: a partially written last line from a crashed writer
// must not prevent reading the rest.
func Open(root, runID string) (*Run, error) {
	runDir := filepath.Join(root, "runs", runID)
	f, err := os.Open(filepath.Join(runDir, "events.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("replay: open log for %s: %w", runID, err)
	}
	defer f.Close()

	store, err := artifact.NewStore(runDir)
	if err != nil {
		return nil, err
	}

	run := &Run{RunID: runID, store: store}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev schema.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			run.skipped++
			continue
		}
		run.events = append(run.events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replay: read log for %s: %w", runID, err)
	}
	return run, nil
}

// Events returns the parsed events in original file order.
func (r *Run) Events() []schema.Event { return r.events }

// SkippedLines reports how many log lines could not be parsed.
func (r *Run) SkippedLines() int { return r.skipped }

// Timeline returns all events sorted by ts_ms ascending. The sort is
// stable, so events sharing a millisecond keep their file order.
func (r *Run) Timeline() []schema.Event {
	out := make([]schema.Event, len(r.events))
	copy(out, r.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsMs < out[j].TsMs })
	return out
}

// Info derives the run header and outcome. A run with no run.finished has
// status "unknown" — it may still be live, or the writer crashed.
func (r *Run) Info() RunInfo {
	info := RunInfo{RunID: r.RunID, Status: "unknown"}
	for _, ev := range r.events {
		switch ev.Type {
		case schema.EventRunStarted:
			if info.StartedMs == 0 {
				info.Agent = ev.Agent
				info.Labels = ev.Labels
				info.StartedMs = ev.TsMs
			}
		case schema.EventRunFinished:
			ts := ev.TsMs
			info.FinishedMs = &ts
			info.Error = ev.Error
			if ev.OK != nil && *ev.OK {
				info.Status = "completed"
			} else {
				info.Status = "failed"
			}
		}
	}
	return info
}

// Steps joins step.started and step.finished events by step id and attaches
// the most recent model.call output seen for each step. A step with no
// finish event stays "unknown" rather than failing the read. The result is
// ordered by start timestamp.
func (r *Run) Steps() []StepSummary {
	byID := make(map[string]*StepSummary)
	seenCalls := make(map[string]bool)
	var order []string

	for _, ev := range r.events {
		switch ev.Type {
		case schema.EventStepStarted:
			if _, seen := byID[ev.StepID]; !seen {
				order = append(order, ev.StepID)
			}
			byID[ev.StepID] = &StepSummary{
				StepID:       ev.StepID,
				Name:         ev.Name,
				ParentStepID: ev.ParentStepID,
				Status:       "unknown",
				StartedMs:    ev.TsMs,
			}
		case schema.EventStepFinished:
			s, ok := byID[ev.StepID]
			if !ok {
				// Finish without a visible start: the log prefix may have
				// been truncated. Keep what we know.
				s = &StepSummary{StepID: ev.StepID, Name: ev.Name, Status: "unknown"}
				byID[ev.StepID] = s
				order = append(order, ev.StepID)
			}
			ts := ev.TsMs
			s.FinishedMs = &ts
			s.DurationMs = ev.DurationMs
			s.Error = ev.Error
			s.OutputRef = ev.OutputRef
			if ev.Error != nil && *ev.Error != "" {
				s.Status = "failed"
			} else {
				s.Status = "completed"
			}
		case schema.EventModelCall:
			s, ok := byID[ev.StepID]
			if !ok {
				continue
			}
			// Repeated call ids are legal; the last event wins, and the
			// call counts once.
			s.ModelOutputRef = ev.OutputRef
			if key := ev.StepID + "\x00" + ev.CallID; !seenCalls[key] {
				seenCalls[key] = true
				s.ModelCalls++
			}
		}
	}

	out := make([]StepSummary, 0, len(byID))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedMs < out[j].StartedMs })
	return out
}

// Artifact dereferences an artifact:// reference within this run.
func (r *Run) Artifact(ref string) ([]byte, error) {
	return r.store.Resolve(ref)
}

// ReadArtifact reads an artifact by its relative path within this run.
func (r *Run) ReadArtifact(relPath string) ([]byte, error) {
	return r.store.Read(relPath)
}

// ListRuns returns the run ids present under root, sorted. It reflects the
// filesystem, not the catalog; the two agree whenever the catalog has been
// rebuilt since the last out-of-band change.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "runs"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replay: list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
