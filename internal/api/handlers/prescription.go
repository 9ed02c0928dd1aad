package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/api/middleware"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/lifecycle"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    *lifecycle.Service
	store  storage.Reader
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc *lifecycle.Service, store storage.Reader, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, store: store, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/evaluate", h.Evaluate)
	r.Post("/{id}/transitions", h.Transition)
	r.Post("/{id}/refills", h.CreateRefill)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in prescription.Intake
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, ok := actor.FromContext(ctx)
	if !ok {
		jsonError(w, "actor is required", http.StatusUnauthorized)
		return
	}

	p, err := h.svc.Create(ctx, in, a)
	if err != nil {
		writeError(w, h.logger, "failed to create prescription", err)
		return
	}

	h.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Bool("controlled", p.Schedule.Controlled()),
	)
	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Prescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, "failed to load prescription", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Evaluate handles POST /prescriptions/{id}/evaluate. The verdict is
// returned with 200 whether or not it passed.
func (h *PrescriptionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := actor.FromContext(ctx)
	if !ok {
		jsonError(w, "actor is required", http.StatusUnauthorized)
		return
	}

	v, err := h.svc.Evaluate(ctx, chi.URLParam(r, "id"), a)
	if err != nil {
		writeError(w, h.logger, "failed to evaluate prescription", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// TransitionRequest is the body of POST /prescriptions/{id}/transitions.
type TransitionRequest struct {
	Action string `json:"action"`
}

// Transition handles POST /prescriptions/{id}/transitions
func (h *PrescriptionHandler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action, err := prescription.ParseAction(req.Action)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	a, ok := actor.FromContext(ctx)
	if !ok {
		jsonError(w, "actor is required", http.StatusUnauthorized)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("prescription.id", id),
		attribute.String("prescription.action", string(action)),
	)

	p, err := h.svc.Transition(ctx, id, action, a)
	if err != nil {
		writeError(w, h.logger, "failed to transition prescription", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateRefill handles POST /prescriptions/{id}/refills
func (h *PrescriptionHandler) CreateRefill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := actor.FromContext(ctx)
	if !ok {
		jsonError(w, "actor is required", http.StatusUnauthorized)
		return
	}

	p, err := h.svc.CreateRefill(ctx, chi.URLParam(r, "id"), a)
	if err != nil {
		writeError(w, h.logger, "failed to create refill", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
