// Package metrics provides Prometheus metrics for the compliance core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	LedgerEntries         *prometheus.CounterVec
	IntegrityViolations   prometheus.Counter
	MutationAttempts      *prometheus.CounterVec
	IntegrityChecked      prometheus.Counter
	ComplianceEvaluations *prometheus.CounterVec
	Transitions           *prometheus.CounterVec
	TransitionDuration    prometheus.Histogram
	RetentionRecords      *prometheus.CounterVec
	CleanupDuration       prometheus.Histogram
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec

	registry prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg gets a
// private registry, which keeps tests and embedded use isolated from the
// process-wide default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_entries_recorded_total",
			Help: "Audit ledger entries recorded",
		}, []string{"table", "classification"}),
		IntegrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_integrity_violations_total",
			Help: "Ledger entries whose fingerprint failed verification",
		}),
		MutationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_mutation_attempts_total",
			Help: "Rejected attempts to update or delete ledger entries",
		}, []string{"operation"}),
		IntegrityChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_integrity_checks_total",
			Help: "Ledger entries re-verified",
		}),
		ComplianceEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_evaluations_total",
			Help: "Prescription compliance evaluations by outcome",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_transitions_total",
			Help: "Prescription lifecycle transitions by action and outcome",
		}, []string{"action", "outcome"}),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_transition_duration_seconds",
			Help:    "Evaluate-and-transition duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RetentionRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_records_total",
			Help: "Records handled by retention cleanup",
		}, []string{"collection", "outcome"}),
		CleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retention_cleanup_duration_seconds",
			Help:    "Retention cleanup run duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages consumed by outcome",
		}, []string{"topic", "outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.LedgerEntries,
		m.IntegrityViolations,
		m.MutationAttempts,
		m.IntegrityChecked,
		m.ComplianceEvaluations,
		m.Transitions,
		m.TransitionDuration,
		m.RetentionRecords,
		m.CleanupDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}

	return m
}

// Handler returns the Prometheus HTTP handler for the registry m was built
// with, falling back to the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m != nil && m.registry != nil {
		return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
