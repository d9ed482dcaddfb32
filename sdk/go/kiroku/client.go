package kiroku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kiroku server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent for authentication.
	AgentID string

	// APIKey is the secret used to obtain a JWT token. Leave empty when the
	// server runs with authentication disabled.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kiroku flight-recorder API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty, or if APIKey is set without AgentID.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kiroku: BaseURL is required")
	}
	if cfg.APIKey != "" && cfg.AgentID == "" {
		return nil, fmt.Errorf("kiroku: AgentID is required when APIKey is set")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// StartRun begins a new recorded run and returns its ID.
func (c *Client) StartRun(ctx context.Context, agent string, labels map[string]string) (string, error) {
	body := map[string]any{"agent": agent}
	if len(labels) > 0 {
		body["labels"] = labels
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.post(ctx, "/v1/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// FinishRun closes a run. errMsg is recorded only when ok is false.
func (c *Client) FinishRun(ctx context.Context, runID string, ok bool, errMsg string) error {
	body := map[string]any{"ok": ok}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/finish", body, nil)
}

// StartStep opens a step within a run.
func (c *Client) StartStep(ctx context.Context, runID string, req StartStepRequest) error {
	return c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/steps", req, nil)
}

// FinishStep closes a step and returns the artifact reference for its
// serialized result.
func (c *Client) FinishStep(ctx context.Context, runID, stepID string, req FinishStepRequest) (string, error) {
	var resp struct {
		OutputRef string `json:"output_ref"`
	}
	path := "/v1/runs/" + url.PathEscape(runID) + "/steps/" + url.PathEscape(stepID) + "/finish"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return "", err
	}
	return resp.OutputRef, nil
}

// RecordModelCall records one model invocation and returns the artifact
// reference for the model output.
func (c *Client) RecordModelCall(ctx context.Context, runID string, req ModelCallRequest) (string, error) {
	var resp struct {
		OutputRef string `json:"output_ref"`
	}
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/model-calls", req, &resp); err != nil {
		return "", err
	}
	return resp.OutputRef, nil
}

// SaveArtifact stores a named artifact in a running run and returns its
// artifact reference.
func (c *Client) SaveArtifact(ctx context.Context, runID string, req SaveArtifactRequest) (string, error) {
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/artifacts", req, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

// ListRunsOptions are optional paging controls for ListRuns.
type ListRunsOptions struct {
	Limit  int
	Offset int
}

// ListRuns returns catalog entries, newest first.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) ([]RunRecord, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []RunRecord
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRun retrieves one run's catalog entry.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var resp RunRecord
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns a run's raw trace events in file order.
func (c *Client) Events(ctx context.Context, runID string) ([]Event, error) {
	var resp []Event
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/events", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Timeline returns a run's events ordered by timestamp.
func (c *Client) Timeline(ctx context.Context, runID string) ([]Event, error) {
	var resp []Event
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/timeline", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Steps returns the derived per-step view of a run.
func (c *Client) Steps(ctx context.Context, runID string) ([]StepSummary, error) {
	var resp []StepSummary
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/steps", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Metrics returns a run's usage and cost rollup.
func (c *Client) Metrics(ctx context.Context, runID string) (*MetricsReport, error) {
	var resp MetricsReport
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/metrics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Artifact fetches the raw bytes of a stored artifact. path is relative to
// the run's artifact root, e.g. "steps/s1.json".
func (c *Client) Artifact(ctx context.Context, runID, path string) ([]byte, error) {
	full := "/v1/runs/" + url.PathEscape(runID) + "/artifacts/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+full, nil)
	if err != nil {
		return nil, fmt.Errorf("kiroku: create request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiroku: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kiroku: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kiroku: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

// authorize attaches a bearer token when the client was built with an API
// key; otherwise the request goes out unauthenticated.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenMgr == nil {
		return nil
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kiroku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kiroku: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
