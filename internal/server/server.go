package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/recorder"
)

// Server is the kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. MCPServer is optional (nil = disabled).
type ServerConfig struct {
	// Required dependencies.
	Registry *recorder.Registry
	Catalog  *catalog.Catalog
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies.
	MCPServer *mcpserver.MCPServer

	// Auth. Empty hash disables authentication entirely.
	APIKeyHash string

	// Storage root, used by the replay read path.
	DataDir string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Catalog:             cfg.Catalog,
		JWTMgr:              cfg.JWTMgr,
		APIKeyHash:          cfg.APIKeyHash,
		DataDir:             cfg.DataDir,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (always open; verifies the API key itself).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Recording endpoints.
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/finish", h.HandleFinishRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/steps", h.HandleStartStep)
	mux.HandleFunc("POST /v1/runs/{run_id}/steps/{step_id}/finish", h.HandleFinishStep)
	mux.HandleFunc("POST /v1/runs/{run_id}/model-calls", h.HandleModelCall)
	mux.HandleFunc("POST /v1/runs/{run_id}/artifacts", h.HandleSaveArtifact)

	// Replay endpoints.
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/timeline", h.HandleRunTimeline)
	mux.HandleFunc("GET /v1/runs/{run_id}/steps", h.HandleRunSteps)
	mux.HandleFunc("GET /v1/runs/{run_id}/metrics", h.HandleRunMetrics)
	mux.HandleFunc("GET /v1/runs/{run_id}/artifacts/{path...}", h.HandleGetArtifact)

	// MCP StreamableHTTP transport (behind auth like the rest of the API).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	authEnabled := cfg.APIKeyHash != ""
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, authEnabled, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
