package server

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/catalog"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/recorder"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry            *recorder.Registry
	catalog             *catalog.Catalog
	jwtMgr              *auth.JWTManager
	apiKeyHash          string
	dataDir             string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64

	// loads collapses concurrent replay reads of the same run into one
	// disk pass.
	loads singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Registry            *recorder.Registry
	Catalog             *catalog.Catalog
	JWTMgr              *auth.JWTManager
	APIKeyHash          string
	DataDir             string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		registry:            d.Registry,
		catalog:             d.Catalog,
		jwtMgr:              d.JWTMgr,
		apiKeyHash:          d.APIKeyHash,
		dataDir:             d.DataDir,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token. Verifies the shared API key
// against the configured Argon2id hash and issues a JWT bound to the
// requesting agent identity.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and api_key are required")
		return
	}

	if h.apiKeyHash == "" {
		// No key configured means auth is disabled; hash anyway so the
		// response time matches the configured case.
		auth.DummyVerify()
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "authentication is not configured")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.apiKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.AgentID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	catalogStatus := "connected"
	httpStatus := http.StatusOK

	if _, err := h.catalog.List(r.Context(), 1, 0); err != nil {
		catalogStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Catalog:    catalogStatus,
		ActiveRuns: len(h.registry.ActiveRuns()),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the underlying error and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
