// Package handlers provides HTTP handlers for the compliance API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/lifecycle"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string               `json:"error"`
	Issues []compliance.Finding `json:"issues,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidDraft),
		errors.Is(err, prescription.ErrInvalidPrescription):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, prescription.ErrStaleLifecycleState),
		errors.Is(err, prescription.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrComplianceBlocked),
		errors.Is(err, prescription.ErrNoRefillsRemaining),
		errors.Is(err, prescription.ErrPrescriptionExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrMutationForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError renders err with its mapped status. Internal errors are logged
// and their text withheld from the client.
func writeError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		jsonError(w, msg, code)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var blocked *lifecycle.ComplianceBlockedError
	if errors.As(err, &blocked) {
		resp.Issues = blocked.Issues()
	}
	writeJSON(w, code, resp)
}
