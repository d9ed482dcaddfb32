package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/ashita-ai/kiroku/internal/artifact"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/recorder"
	"github.com/ashita-ai/kiroku/internal/schema"
)

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Agent == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent is required")
		return
	}
	if len(req.Agent) > model.MaxAgentNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent name too long")
		return
	}

	runID, err := h.registry.StartRun(r.Context(), req.Agent, req.Labels)
	if err != nil {
		h.writeInternalError(w, r, "failed to start run", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.StartRunResponse{RunID: runID})
}

// HandleFinishRun handles POST /v1/runs/{run_id}/finish.
func (h *Handlers) HandleFinishRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req model.FinishRunRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.registry.FinishRun(r.Context(), runID, req.OK, req.Error); err != nil {
		if errors.Is(err, recorder.ErrRunNotActive) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run is not active")
			return
		}
		h.writeInternalError(w, r, "failed to finish run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "finished"})
}

// HandleStartStep handles POST /v1/runs/{run_id}/steps.
func (h *Handlers) HandleStartStep(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.activeRun(w, r)
	if !ok {
		return
	}
	var req model.StartStepRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.StepID == "" || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "step_id and name are required")
		return
	}
	if len(req.Name) > model.MaxStepNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "step name too long")
		return
	}

	if err := rec.StartStep(req.StepID, req.Name, req.ParentStepID); err != nil {
		h.writeInternalError(w, r, "failed to start step", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]string{"step_id": req.StepID})
}

// HandleFinishStep handles POST /v1/runs/{run_id}/steps/{step_id}/finish.
func (h *Handlers) HandleFinishStep(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.activeRun(w, r)
	if !ok {
		return
	}
	stepID := r.PathValue("step_id")
	var req model.FinishStepRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	outputRef, err := rec.FinishStep(stepID, req.Name, req.Result, req.Error)
	if err != nil {
		if errors.Is(err, recorder.ErrStepNotStarted) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "step was never started")
			return
		}
		h.writeInternalError(w, r, "failed to finish step", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.FinishStepResponse{OutputRef: outputRef})
}

// HandleModelCall handles POST /v1/runs/{run_id}/model-calls.
func (h *Handlers) HandleModelCall(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.activeRun(w, r)
	if !ok {
		return
	}
	var req model.ModelCallRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.StepID == "" || req.CallID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "step_id and call_id are required")
		return
	}
	if req.Model.Name == "" || req.Model.Provider == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "model name and provider are required")
		return
	}

	outputRef, err := rec.RecordModelCall(recorder.ModelCall{
		StepID: req.StepID,
		CallID: req.CallID,
		Model: schema.ModelInfo{
			Name:     req.Model.Name,
			Version:  req.Model.Version,
			Provider: req.Model.Provider,
		},
		Params:           req.Params,
		Prompt:           req.Prompt,
		Output:           req.Output,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		LatencyMs:        req.LatencyMs,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to record model call", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.ModelCallResponse{OutputRef: outputRef})
}

// HandleSaveArtifact handles POST /v1/runs/{run_id}/artifacts.
func (h *Handlers) HandleSaveArtifact(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.activeRun(w, r)
	if !ok {
		return
	}
	var req model.SaveArtifactRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Path == "" || req.MIME == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path and mime are required")
		return
	}
	if len(req.Path) > model.MaxArtifactPathLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path too long")
		return
	}

	content := req.Content
	if req.ContentBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content_base64 is not valid base64")
			return
		}
		content = raw
	}

	ref, err := rec.SaveArtifact(req.Path, content, req.MIME)
	if err != nil {
		if errors.Is(err, artifact.ErrInvalidRef) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid artifact path")
			return
		}
		h.writeInternalError(w, r, "failed to save artifact", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.SaveArtifactResponse{Ref: ref})
}

// activeRun resolves the {run_id} path value to its live Recorder, writing
// a 404 when the run is not being recorded by this process.
func (h *Handlers) activeRun(w http.ResponseWriter, r *http.Request) (*recorder.Recorder, bool) {
	rec, err := h.registry.Get(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run is not active")
		return nil, false
	}
	return rec, true
}
