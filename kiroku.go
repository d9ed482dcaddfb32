// Package kiroku provides a flight recorder for agent workflows: durable
// JSONL trace logs, a content-addressed artifact store, and a replay engine,
// fronted by an HTTP API and an MCP server.
//
// The App type wires the whole service together for embedding in another
// process; cmd/kiroku is a thin wrapper around it.
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/mcp"
	"github.com/ashita-ai/kiroku/internal/recorder"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired kiroku service. Create one with New, run it with
// Run, and stop it by cancelling the context passed to Run.
type App struct {
	cfg          config.Config
	cat          *catalog.Catalog
	registry     *recorder.Registry
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New loads configuration from the environment, applies the given options,
// and wires up storage, auth, telemetry and the HTTP/MCP servers. It does
// not start serving; call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	resolved := resolvedOptions{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	if resolved.port != 0 {
		cfg.Port = resolved.port
	}
	if resolved.dataDir != "" {
		cfg.DataDir = resolved.dataDir
	}
	logger := resolved.logger

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, resolved.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// The trace logs are the source of truth; the catalog is derived state,
	// so a stale or missing catalog file heals itself on startup.
	cat, err := catalog.Open(cfg.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if n, err := cat.Rebuild(ctx, cfg.DataDir); err != nil {
		logger.Warn("catalog rebuild failed", "error", err)
	} else {
		logger.Info("catalog rebuilt", "runs", n)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = cat.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.APIKeyHash == "" {
		logger.Warn("KIROKU_API_KEY_HASH not set, authentication is disabled")
	}

	// The catalog tracks run lifecycle as a sink so the list endpoint sees
	// active runs immediately; user hooks ride the same path.
	var sink recorder.Sink = cat
	if len(resolved.runHooks) > 0 {
		sink = &hookSink{cat: cat, hooks: resolved.runHooks, logger: logger}
	}
	registry := recorder.NewRegistry(cfg.DataDir, logger, sink)

	mcpSrv := mcp.New(cat, cfg.DataDir, logger, resolved.version)

	srv := server.New(server.ServerConfig{
		Registry:            registry,
		Catalog:             cat,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		APIKeyHash:          cfg.APIKeyHash,
		DataDir:             cfg.DataDir,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             resolved.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		cat:          cat,
		registry:     registry,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      resolved.version,
	}, nil
}

// Run serves HTTP until the context is cancelled or the server fails, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("kiroku starting", "version", a.version, "port", a.cfg.Port, "data_dir", a.cfg.DataDir)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the service. Order: (1) stop accepting new HTTP requests
// and drain in-flight ones, (2) close out runs still recording so their
// logs carry a terminal event, (3) close the catalog and flush telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	finishCtx, finishCancel := context.WithTimeout(ctx, shutdownTimeout)
	for _, runID := range a.registry.ActiveRuns() {
		if err := a.registry.FinishRun(finishCtx, runID, false, "server shutting down"); err != nil {
			a.logger.Warn("failed to finish run on shutdown", "run_id", runID, "error", err)
		}
	}
	finishCancel()

	if err := a.cat.Close(); err != nil {
		a.logger.Warn("catalog close error", "error", err)
	}
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}

	a.logger.Info("kiroku stopped")
	return nil
}

// Registry exposes the recorder registry for in-process recording when
// kiroku is embedded rather than reached over HTTP.
func (a *App) Registry() *recorder.Registry {
	return a.registry
}

// hookSink fans run lifecycle notifications out to the catalog and any
// user-registered hooks. Hook errors are logged and swallowed; only the
// catalog error propagates (and the registry logs that too).
type hookSink struct {
	cat    *catalog.Catalog
	hooks  []RunHook
	logger *slog.Logger
}

func (s *hookSink) RunStarted(ctx context.Context, runID, agent string, labels map[string]string, tsMs int64) error {
	err := s.cat.RunStarted(ctx, runID, agent, labels, tsMs)
	start := RunStart{RunID: runID, Agent: agent, Labels: labels, StartedMs: tsMs}
	for _, h := range s.hooks {
		if hookErr := h.OnRunStarted(ctx, start); hookErr != nil {
			s.logger.Warn("run hook failed", "run_id", runID, "error", hookErr)
		}
	}
	return err
}

func (s *hookSink) RunFinished(ctx context.Context, runID string, ok bool, errMsg string, tsMs int64) error {
	err := s.cat.RunFinished(ctx, runID, ok, errMsg, tsMs)
	finish := RunFinish{RunID: runID, OK: ok, Error: errMsg, FinishedMs: tsMs}
	for _, h := range s.hooks {
		if hookErr := h.OnRunFinished(ctx, finish); hookErr != nil {
			s.logger.Warn("run hook failed", "run_id", runID, "error", hookErr)
		}
	}
	return err
}
