// Package model defines the HTTP API request and response shapes.
package model

import (
	"time"
)

// Request body limits. Step results and artifact payloads flow through
// these endpoints; anything larger belongs on disk next to the agent, not
// in a trace.
const (
	MaxAgentNameLen    = 200
	MaxStepNameLen     = 200
	MaxArtifactPathLen = 512
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	Agent  string            `json:"agent"`
	Labels map[string]string `json:"labels,omitempty"`
}

// StartRunResponse is the response for POST /v1/runs.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// FinishRunRequest is the request body for POST /v1/runs/{run_id}/finish.
type FinishRunRequest struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StartStepRequest is the request body for POST /v1/runs/{run_id}/steps.
type StartStepRequest struct {
	StepID       string `json:"step_id"`
	Name         string `json:"name"`
	ParentStepID string `json:"parent_step_id,omitempty"`
}

// FinishStepRequest is the request body for
// POST /v1/runs/{run_id}/steps/{step_id}/finish.
type FinishStepRequest struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FinishStepResponse carries the persisted result reference.
type FinishStepResponse struct {
	OutputRef string `json:"output_ref,omitempty"`
}

// ModelCallRequest is the request body for POST /v1/runs/{run_id}/model-calls.
type ModelCallRequest struct {
	StepID           string         `json:"step_id"`
	CallID           string         `json:"call_id"`
	Model            ModelInfo      `json:"model"`
	Params           map[string]any `json:"params,omitempty"`
	Prompt           string         `json:"prompt"`
	Output           string         `json:"output"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	LatencyMs        int64          `json:"latency_ms"`
}

// ModelInfo identifies the model in a model-call request.
type ModelInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
}

// ModelCallResponse carries the persisted output reference.
type ModelCallResponse struct {
	OutputRef string `json:"output_ref"`
}

// SaveArtifactRequest is the request body for POST /v1/runs/{run_id}/artifacts.
// Content carries any JSON value (strings stored verbatim, structures as
// canonical JSON); ContentBase64 carries binary payloads and wins when set.
type SaveArtifactRequest struct {
	Path          string `json:"path"`
	Content       any    `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	MIME          string `json:"mime"`
}

// SaveArtifactResponse carries the stored artifact's reference.
type SaveArtifactResponse struct {
	Ref string `json:"ref"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Catalog    string `json:"catalog"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
