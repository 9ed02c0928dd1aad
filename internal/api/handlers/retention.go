package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/retention"
)

// RetentionHandler exposes retention cleanup and the policy table.
type RetentionHandler struct {
	engine *retention.Engine
	logger *zap.Logger
}

// NewRetentionHandler creates a new handler
func NewRetentionHandler(engine *retention.Engine, logger *zap.Logger) *RetentionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionHandler{engine: engine, logger: logger}
}

// Routes returns the handler routes
func (h *RetentionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/cleanup", h.Cleanup)
	r.Get("/policies", h.Policies)
	return r
}

// CleanupRequest is the optional body of POST /retention/cleanup.
type CleanupRequest struct {
	DryRun bool `json:"dry_run"`
}

// CleanupResponse wraps the run report. Error is set when some collections
// failed.
type CleanupResponse struct {
	Report *retention.CleanupReport `json:"report"`
	Error  string                   `json:"error,omitempty"`
}

// Cleanup handles POST /retention/cleanup. dry_run may be given in the body
// or as a query parameter.
func (h *RetentionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if s := r.URL.Query().Get("dry_run"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			jsonError(w, "dry_run must be a boolean", http.StatusBadRequest)
			return
		}
		req.DryRun = v
	}

	report, err := h.engine.RunCleanup(r.Context(), req.DryRun)
	switch {
	case errors.Is(err, retention.ErrCleanupPartialFailure):
		h.logger.Error("retention cleanup partially failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, CleanupResponse{Report: report, Error: err.Error()})
	case err != nil:
		writeError(w, h.logger, "retention cleanup failed", err)
	default:
		writeJSON(w, http.StatusOK, CleanupResponse{Report: report})
	}
}

// Policies handles GET /retention/policies
func (h *RetentionHandler) Policies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Policies().All())
}
