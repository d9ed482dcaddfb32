package kiroku

// ModelInfo identifies the model used in a call.
type ModelInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Provider string `json:"provider"`
}

// TokenUsage carries token counts for one model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Event is one record in a run's trace log. The envelope fields are present
// on every event; the remaining fields are per-kind and omitted when empty.
type Event struct {
	Type          string `json:"type"`
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	TsMs          int64  `json:"ts_ms"`

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

// RunRecord is one catalog entry, as returned by ListRuns and GetRun.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	Agent      string            `json:"agent"`
	Labels     map[string]string `json:"labels,omitempty"`
	Status     string            `json:"status"`
	StartedMs  int64             `json:"started_ms"`
	FinishedMs *int64            `json:"finished_ms,omitempty"`
	Error      *string           `json:"error,omitempty"`
}

// StepSummary is the replayed per-step view of a run.
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

// StepMetrics is the per-step slice of a run's metrics report.
type StepMetrics struct {
	StepID           string  `json:"step_id"`
	Name             string  `json:"name"`
	LatencyS         float64 `json:"latency_s"`
	ModelCalls       int     `json:"model_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
}

// MetricsReport is a run's usage and cost rollup.
type MetricsReport struct {
	RunID            string        `json:"run_id"`
	Agent            string        `json:"agent"`
	StepCount        int           `json:"step_count"`
	RuntimeS         float64       `json:"end_to_end_runtime_s"`
	ModelCalls       int           `json:"model_calls"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ModelLatencyS    float64       `json:"model_latency_s"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	EstimatedCO2Kg   float64       `json:"estimated_co2_kg"`
	Steps            []StepMetrics `json:"steps"`
}

// StartStepRequest describes a step to open within a run.
type StartStepRequest struct {
	StepID       string `json:"step_id"`
	Name         string `json:"name"`
	ParentStepID string `json:"parent_step_id,omitempty"`
}

// FinishStepRequest closes a step, serializing Result to an artifact.
type FinishStepRequest struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ModelCallRequest describes one model invocation to record.
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

// SaveArtifactRequest stores a named artifact in the active run.
// Set ContentBase64 for binary payloads; it wins over Content.
type SaveArtifactRequest struct {
	Path          string `json:"path"`
	Content       any    `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	MIME          string `json:"mime"`
}

// HealthResponse reports server health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Catalog    string `json:"catalog"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
