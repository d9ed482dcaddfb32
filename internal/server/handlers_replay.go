package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashita-ai/kiroku/internal/artifact"
	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/metrics"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/replay"
)

// loadRun reads a run's trace from disk. Concurrent requests for the same
// run share one read; the result is not cached beyond that, so a run still
// being written is always seen fresh.
func (h *Handlers) loadRun(runID string) (*replay.Run, error) {
	v, err, _ := h.loads.Do(runID, func() (any, error) {
		return replay.Open(h.dataDir, runID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*replay.Run), nil
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 500")
		return
	}
	if offset < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be non-negative")
		return
	}

	// Fetch one extra row to detect whether another page exists.
	runs, err := h.catalog.List(r.Context(), limit+1, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []catalog.RunRecord{}
	}
	writeList(w, r, runs, hasMore, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rec, err := h.catalog.Get(r.Context(), runID)
	if errors.Is(err, catalog.ErrNotFound) {
		// The catalog can lag the filesystem; fall back to the log itself.
		run, rerr := h.loadRun(runID)
		if rerr != nil {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		writeJSON(w, r, http.StatusOK, run.Info())
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events: the raw parsed
// events in file order.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.openRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run.Events())
}

// HandleRunTimeline handles GET /v1/runs/{run_id}/timeline: events sorted
// by timestamp.
func (h *Handlers) HandleRunTimeline(w http.ResponseWriter, r *http.Request) {
	run, ok := h.openRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run.Timeline())
}

// HandleRunSteps handles GET /v1/runs/{run_id}/steps: the derived per-step
// view.
func (h *Handlers) HandleRunSteps(w http.ResponseWriter, r *http.Request) {
	run, ok := h.openRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run.Steps())
}

// HandleRunMetrics handles GET /v1/runs/{run_id}/metrics.
func (h *Handlers) HandleRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, ok := h.openRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, metrics.Summarize(run.RunID, run.Events()))
}

// HandleGetArtifact handles GET /v1/runs/{run_id}/artifacts/{path...}.
// Serves the raw stored bytes.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	run, ok := h.openRun(w, r)
	if !ok {
		return
	}
	data, err := run.ReadArtifact(r.PathValue("path"))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "artifact not found")
		return
	}
	if errors.Is(err, artifact.ErrInvalidRef) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid artifact path")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to read artifact", err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// openRun loads the {run_id} path value's trace, writing a 404 when no log
// exists.
func (h *Handlers) openRun(w http.ResponseWriter, r *http.Request) (*replay.Run, bool) {
	run, err := h.loadRun(r.PathValue("run_id"))
	if errors.Is(err, replay.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load run", err)
		return nil, false
	}
	return run, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
