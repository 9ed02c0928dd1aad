package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

// AuditHandler exposes the audit ledger.
type AuditHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewAuditHandler creates a new handler
func NewAuditHandler(l *ledger.Ledger, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{ledger: l, logger: logger}
}

// Routes returns the handler routes
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/events", h.RecordEvent)
	r.Get("/entries", h.Query)
	r.Get("/entries/{table}/{seq}/verify", h.Verify)
	return r
}

// RecordEventRequest is the body of POST /audit/events.
type RecordEventRequest struct {
	Kind                ledger.EventKind  `json:"kind"`
	EntityType          ledger.EntityType `json:"entity_type"`
	EntityID            string            `json:"entity_id"`
	Before              json.RawMessage   `json:"before,omitempty"`
	After               json.RawMessage   `json:"after,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	ControlledSubstance bool              `json:"controlled_substance"`
	MinRisk             ledger.RiskLevel  `json:"min_risk,omitempty"`
}

// RecordEvent handles POST /audit/events
func (h *AuditHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RecordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, ok := actor.FromContext(ctx)
	if !ok {
		jsonError(w, "actor is required", http.StatusUnauthorized)
		return
	}

	d := ledger.Draft{
		Kind:                req.Kind,
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Actor:               a,
		Before:              req.Before,
		After:               req.After,
		Metadata:            req.Metadata,
		ControlledSubstance: req.ControlledSubstance,
		MinRisk:             req.MinRisk,
	}
	e, err := h.ledger.Record(ctx, d)
	if err != nil {
		writeError(w, h.logger, "failed to record audit event", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Query handles GET /audit/entries
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, err := h.ledger.Query(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, "failed to query audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Table:          ledger.Table(q.Get("table")),
		Classification: ledger.Classification(q.Get("classification")),
		Risk:           ledger.RiskLevel(q.Get("risk")),
		EntityType:     ledger.EntityType(q.Get("entity_type")),
		EntityID:       q.Get("entity_id"),
		ActorID:        q.Get("actor_id"),
		Kind:           ledger.EventKind(q.Get("kind")),
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, errors.New("from must be RFC 3339")
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, errors.New("to must be RFC 3339")
	}
	if s := q.Get("after_seq"); s != "" {
		if f.AfterSeq, err = strconv.ParseInt(s, 10, 64); err != nil || f.AfterSeq < 0 {
			return f, errors.New("after_seq must be a non-negative integer")
		}
	}
	if s := q.Get("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil || f.Limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// VerifyResponse reports the outcome of re-verifying one entry.
type VerifyResponse struct {
	Entry    *ledger.Entry `json:"entry"`
	Verified bool          `json:"verified"`
}

// Verify handles GET /audit/entries/{table}/{seq}/verify. A tampered entry is
// a successful check with verified=false.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	table := ledger.Table(chi.URLParam(r, "table"))
	if !table.Valid() {
		jsonError(w, "unknown table", http.StatusBadRequest)
		return
	}
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq <= 0 {
		jsonError(w, "seq must be a positive integer", http.StatusBadRequest)
		return
	}

	e, err := h.ledger.VerifyStored(r.Context(), table, seq)
	switch {
	case errors.Is(err, ledger.ErrIntegrityViolation):
		writeJSON(w, http.StatusOK, VerifyResponse{Entry: e, Verified: false})
	case err != nil:
		writeError(w, h.logger, "failed to verify audit entry", err)
	default:
		writeJSON(w, http.StatusOK, VerifyResponse{Entry: e, Verified: true})
	}
}
