// Package api assembles the HTTP surface of the compliance service.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/api/handlers"
	"github.com/drfirst/go-rxcompliance/internal/api/middleware"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/lifecycle"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/retention"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

// Deps are the components the router serves.
type Deps struct {
	ServiceName string
	Ledger      *ledger.Ledger
	Lifecycle   *lifecycle.Service
	Store       storage.Reader
	Retention   *retention.Engine
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// Ready reports whether backing services are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the chi router with global middleware, probes, metrics and
// the /api/v1 routes.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, d.ServiceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor)
		r.Mount("/audit", handlers.NewAuditHandler(d.Ledger, logger).Routes())
		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(d.Lifecycle, d.Store, logger).Routes())
		r.Mount("/retention", handlers.NewRetentionHandler(d.Retention, logger).Routes())
	})

	return r
}
