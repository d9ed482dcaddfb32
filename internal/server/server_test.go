package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/recorder"
	"github.com/ashita-ai/kiroku/internal/server"
)

type testEnv struct {
	srv     *httptest.Server
	dataDir string
	token   string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dataDir := t.TempDir()

	cat, err := catalog.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	var keyHash string
	if apiKey != "" {
		keyHash, err = auth.HashAPIKey(apiKey)
		require.NoError(t, err)
	}

	reg := recorder.NewRegistry(dataDir, logger, cat)
	srv := server.New(server.ServerConfig{
		Registry:            reg,
		Catalog:             cat,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		APIKeyHash:          keyHash,
		DataDir:             dataDir,
		Port:                0,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{srv: ts, dataDir: dataDir}
	if apiKey != "" {
		env.token = env.getToken(t, "test-agent", apiKey)
	}
	return env
}

func (e *testEnv) getToken(t *testing.T, agentID, apiKey string) string {
	t.Helper()
	body, _ := json.Marshal(model.AuthTokenRequest{AgentID: agentID, APIKey: apiKey})
	resp, err := http.Post(e.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data.Token
}

// do sends a JSON request and decodes the response envelope's data field
// into out (when out is non-nil).
func (e *testEnv) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		envelope := struct {
			Data any `json:"data"`
		}{Data: out}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	}
	return resp
}

func TestRecordAndReplayLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	var started model.StartRunResponse
	resp := env.do(t, http.MethodPost, "/v1/runs",
		model.StartRunRequest{Agent: "vendor_selection_workflow", Labels: map[string]string{"env": "test"}},
		&started)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, started.RunID)
	runBase := "/v1/runs/" + started.RunID

	resp = env.do(t, http.MethodPost, runBase+"/steps",
		model.StartStepRequest{StepID: "s1", Name: "Vendor Search"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var call model.ModelCallResponse
	resp = env.do(t, http.MethodPost, runBase+"/model-calls", model.ModelCallRequest{
		StepID:           "s1",
		CallID:           "c1",
		Model:            model.ModelInfo{Name: "gpt-4", Version: "0613", Provider: "openai"},
		Prompt:           "find vendors",
		Output:           "acme, globex",
		PromptTokens:     5,
		CompletionTokens: 8,
		LatencyMs:        500,
	}, &call)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "artifact://artifacts/calls/c1_output.txt", call.OutputRef)

	var finished model.FinishStepResponse
	resp = env.do(t, http.MethodPost, runBase+"/steps/s1/finish",
		model.FinishStepRequest{Name: "Vendor Search", Result: map[string]any{"result": "success"}},
		&finished)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "artifact://artifacts/steps/s1.json", finished.OutputRef)

	resp = env.do(t, http.MethodPost, runBase+"/finish", model.FinishRunRequest{OK: true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replay: exactly the five lifecycle events, in order.
	var events []map[string]any
	resp = env.do(t, http.MethodGet, runBase+"/events", nil, &events)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 5)
	wantTypes := []string{"run.started", "step.started", "model.call", "step.finished", "run.finished"}
	for i, want := range wantTypes {
		assert.Equal(t, want, events[i]["type"], "event %d", i)
	}

	var timeline []map[string]any
	resp = env.do(t, http.MethodGet, runBase+"/timeline", nil, &timeline)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, timeline, 5)

	var steps []map[string]any
	resp = env.do(t, http.MethodGet, runBase+"/steps", nil, &steps)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, steps, 1)
	assert.Equal(t, "completed", steps[0]["status"])
	assert.Equal(t, "artifact://artifacts/calls/c1_output.txt", steps[0]["model_output_ref"])

	var report map[string]any
	resp = env.do(t, http.MethodGet, runBase+"/metrics", nil, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), report["model_calls"])
	assert.Equal(t, float64(5), report["prompt_tokens"])

	// The step result artifact round-trips through the raw endpoint.
	raw, err := http.Get(env.srv.URL + runBase + "/artifacts/steps/s1.json")
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
	data, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"success"}`, string(data))

	// The catalog saw both lifecycle transitions.
	var runs []catalog.RunRecord
	resp = env.do(t, http.MethodGet, "/v1/runs", nil, &runs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestSaveArtifactEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	var started model.StartRunResponse
	env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Agent: "a"}, &started)
	runBase := "/v1/runs/" + started.RunID

	var saved model.SaveArtifactResponse
	resp := env.do(t, http.MethodPost, runBase+"/artifacts", model.SaveArtifactRequest{
		Path:    "report/final.txt",
		Content: "Hello, world!",
		MIME:    "text/plain",
	}, &saved)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "artifact://artifacts/report/final.txt", saved.Ref)

	raw, err := http.Get(env.srv.URL + runBase + "/artifacts/report/final.txt")
	require.NoError(t, err)
	defer raw.Body.Close()
	data, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", string(data))

	// Escaping paths are rejected, not resolved.
	resp = env.do(t, http.MethodPost, runBase+"/artifacts", model.SaveArtifactRequest{
		Path:    "../outside.txt",
		Content: "x",
		MIME:    "text/plain",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/runs/nope/finish", model.FinishRunRequest{OK: true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/runs/nope/timeline", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFinishStepNeverStarted(t *testing.T) {
	env := newTestEnv(t, "")

	var started model.StartRunResponse
	env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Agent: "a"}, &started)

	resp := env.do(t, http.MethodPost, "/v1/runs/"+started.RunID+"/steps/ghost/finish",
		model.FinishStepRequest{Name: "Ghost"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "secret-key")

	// Without a token the API refuses everything but health and token.
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/runs",
		bytes.NewReader([]byte(`{"agent":"a"}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	// With the issued token the same request succeeds.
	var started model.StartRunResponse
	ok := env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Agent: "a"}, &started)
	assert.Equal(t, http.StatusCreated, ok.StatusCode)
	assert.NotEmpty(t, started.RunID)
}

func TestAuthToken_WrongKey(t *testing.T) {
	env := newTestEnv(t, "secret-key")

	body, _ := json.Marshal(model.AuthTokenRequest{AgentID: "a", APIKey: "wrong"})
	resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "healthy", envelope.Data.Status)
	assert.Equal(t, "connected", envelope.Data.Catalog)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, "")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-12345", resp.Header.Get("X-Request-ID"))

	var envelope struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "req-12345", envelope.Meta.RequestID)
}
