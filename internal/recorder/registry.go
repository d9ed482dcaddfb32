package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// ErrRunNotActive is returned when an operation targets a run id the
// registry is not currently recording.
var ErrRunNotActive = errors.New("recorder: run not active")

// Sink receives run lifecycle notifications after the trace log has been
// written. The log is the source of truth; a sink failure is logged and
// swallowed, never surfaced to the recording caller.
type Sink interface {
	RunStarted(ctx context.Context, runID, agent string, labels map[string]string, tsMs int64) error
	RunFinished(ctx context.Context, runID string, ok bool, errMsg string, tsMs int64) error
}

// Registry tracks concurrently active runs, one Recorder each. A single
// Recorder records one run at a time; the registry is what lets the server
// host many agents at once.
type Registry struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
	sink   Sink
	active map[string]*Recorder
}

// NewRegistry creates a registry writing runs under root. sink may be nil.
func NewRegistry(root string, logger *slog.Logger, sink Sink) *Registry {
	return &Registry{
		root:   root,
		logger: logger,
		sink:   sink,
		active: make(map[string]*Recorder),
	}
}

// StartRun allocates a fresh Recorder, starts a run on it, and registers it
// under the new run id.
func (g *Registry) StartRun(ctx context.Context, agent string, labels map[string]string) (string, error) {
	rec, err := New(g.root, g.logger)
	if err != nil {
		return "", err
	}
	runID, err := rec.StartRun(agent, labels)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.active[runID] = rec
	g.mu.Unlock()

	if g.sink != nil {
		if err := g.sink.RunStarted(ctx, runID, agent, labels, nowMs()); err != nil {
			g.logger.Warn("run catalog update failed", "run_id", runID, "error", err)
		}
	}
	return runID, nil
}

// Get returns the Recorder for an active run.
func (g *Registry) Get(runID string) (*Recorder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.active[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return rec, nil
}

// FinishRun finishes and deregisters an active run.
func (g *Registry) FinishRun(ctx context.Context, runID string, ok bool, errMsg string) error {
	rec, err := g.Get(runID)
	if err != nil {
		return err
	}
	if err := rec.FinishRun(ok, errMsg); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.active, runID)
	g.mu.Unlock()

	if g.sink != nil {
		if err := g.sink.RunFinished(ctx, runID, ok, errMsg, nowMs()); err != nil {
			g.logger.Warn("run catalog update failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

// ActiveRuns returns the ids of all runs currently being recorded.
func (g *Registry) ActiveRuns() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	return ids
}
