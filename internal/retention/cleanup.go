package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

// ErrCleanupPartialFailure matches every *PartialFailureError.
var ErrCleanupPartialFailure = errors.New("retention cleanup partially failed")

// PartialFailureError lists the collections whose cleanup failed. The other
// collections completed and their artifacts are committed.
type PartialFailureError struct {
	Failures map[string]error
}

func (e *PartialFailureError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[name])
	}
	return fmt.Sprintf("%v: %s", ErrCleanupPartialFailure, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrCleanupPartialFailure }

func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

// CollectionReport counts what one collection's cleanup saw and did.
type CollectionReport struct {
	Collection       string `json:"collection"`
	Scanned          int    `json:"scanned"`
	Expired          int    `json:"expired"`
	Archived         int    `json:"archived"`
	Flagged          int    `json:"flagged"`
	AlreadyProcessed int    `json:"already_processed"`
	Error            string `json:"error,omitempty"`
}

// CleanupReport summarizes one run. In a dry run Archived and Flagged count
// the artifacts that would have been written.
type CleanupReport struct {
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	DryRun      bool               `json:"dry_run"`
	Collections []CollectionReport `json:"collections"`
}

// Succeeded reports whether every collection completed.
func (r *CleanupReport) Succeeded() bool {
	for _, c := range r.Collections {
		if c.Error != "" {
			return false
		}
	}
	return true
}

// Collection returns the report for name.
func (r *CleanupReport) Collection(name string) (CollectionReport, bool) {
	for _, c := range r.Collections {
		if c.Collection == name {
			return c, true
		}
	}
	return CollectionReport{}, false
}

// Config controls cleanup batching.
type Config struct {
	// BatchSize bounds how many records are scanned, and written in one
	// transaction, at a time.
	BatchSize int
}

// DefaultConfig returns the standard batch size.
func DefaultConfig() Config {
	return Config{BatchSize: 500}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs retention cleanup over the retained collections.
type Engine struct {
	store    storage.Store
	policies *Policies
	ledger   *ledger.Ledger
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine creates a cleanup engine. l may be nil, in which case runs are
// not recorded in the audit ledger.
func NewEngine(store storage.Store, policies *Policies, l *ledger.Ledger, cfg Config,
	m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if m == nil {
		m = metrics.New(nil)
	}
	e := &Engine{
		store:    store,
		policies: policies,
		ledger:   l,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("retention"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policies returns the engine's policy table.
func (e *Engine) Policies() *Policies { return e.policies }

// fetchFunc returns the records after cursor and the cursor of the last one.
type fetchFunc func(ctx context.Context, after int64, limit int) ([]Record, int64, error)

type collection struct {
	name  string
	fetch fetchFunc
}

func (e *Engine) collections() []collection {
	return []collection{
		{name: storage.CollectionGeneralAudit, fetch: e.ledgerFetcher(storage.CollectionGeneralAudit, ledger.TableGeneral)},
		{name: storage.CollectionPrescriptionAudit, fetch: e.ledgerFetcher(storage.CollectionPrescriptionAudit, ledger.TablePrescription)},
		{name: storage.CollectionComplianceVerdicts, fetch: e.fetchVerdicts},
	}
}

func (e *Engine) ledgerFetcher(name string, table ledger.Table) fetchFunc {
	return func(ctx context.Context, after int64, limit int) ([]Record, int64, error) {
		entries, err := e.store.Entries(ctx, ledger.Filter{Table: table, AfterSeq: after, Limit: limit})
		if err != nil {
			return nil, after, err
		}
		recs := make([]Record, len(entries))
		for i, en := range entries {
			recs[i] = Record{
				Collection: name,
				ID:         strconv.FormatInt(en.Seq, 10),
				CreatedAt:  en.CreatedAt,
				Class:      en.RetentionClass,
				PHI:        en.PHI,
				Controlled: en.ControlledSubstance,
				Risk:       en.Risk,
				Snapshot:   en,
			}
			after = en.Seq
		}
		return recs, after, nil
	}
}

func (e *Engine) fetchVerdicts(ctx context.Context, after int64, limit int) ([]Record, int64, error) {
	verdicts, err := e.store.Verdicts(ctx, after, limit)
	if err != nil {
		return nil, after, err
	}
	recs := make([]Record, len(verdicts))
	for i, v := range verdicts {
		// Verdicts record patient identity checks.
		recs[i] = Record{
			Collection: storage.CollectionComplianceVerdicts,
			ID:         strconv.FormatInt(v.Seq, 10),
			CreatedAt:  v.CreatedAt,
			Class:      ledger.ClassComplianceVerdict,
			PHI:        true,
			Risk:       ledger.RiskHigh,
			Snapshot:   v,
		}
		after = v.Seq
	}
	return recs, after, nil
}

// RunCleanup scans every collection in batches and writes an archive or
// deletion mark for each expired record that has none yet. Each batch
// commits in its own transaction. A failed batch rolls back and ends its
// collection; the others still run and the error is a *PartialFailureError.
// Cancellation stops the run between batches.
func (e *Engine) RunCleanup(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	ctx, span := e.tracer.Start(ctx, "retention.RunCleanup",
		trace.WithAttributes(attribute.Bool("retention.dry_run", dryRun)))
	defer span.End()

	start := time.Now()
	report := &CleanupReport{StartedAt: e.now().UTC(), DryRun: dryRun}
	failures := map[string]error{}

	for _, c := range e.collections() {
		if err := ctx.Err(); err != nil {
			break
		}
		cr, err := e.cleanCollection(ctx, c, dryRun)
		if err != nil {
			cr.Error = err.Error()
			failures[c.name] = err
			e.metrics.RetentionRecords.WithLabelValues(c.name, "failed").Inc()
			e.logger.Error("retention cleanup failed for collection",
				zap.String("collection", c.name),
				zap.Error(err))
		}
		report.Collections = append(report.Collections, cr)
	}
	report.FinishedAt = e.now().UTC()
	e.metrics.CleanupDuration.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return report, fmt.Errorf("retention cleanup cancelled: %w", err)
	}

	if !dryRun {
		e.recordRun(ctx, report)
	}
	e.logger.Info("retention cleanup finished",
		zap.Bool("dry_run", dryRun),
		zap.Bool("succeeded", len(failures) == 0),
		zap.Duration("duration", time.Since(start)))

	if len(failures) > 0 {
		err := &PartialFailureError{Failures: failures}
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial failure")
		return report, err
	}
	return report, nil
}

func (e *Engine) cleanCollection(ctx context.Context, c collection, dryRun bool) (CollectionReport, error) {
	cr := CollectionReport{Collection: c.name}
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return cr, err
		}
		recs, next, err := c.fetch(ctx, cursor, e.cfg.BatchSize)
		if err != nil {
			return cr, fmt.Errorf("scan after %d: %w", cursor, err)
		}
		if len(recs) == 0 {
			return cr, nil
		}

		batch, err := e.cleanBatch(ctx, recs, dryRun)
		if err != nil {
			return cr, fmt.Errorf("batch after %d: %w", cursor, err)
		}
		cr.Scanned += len(recs)
		cr.Expired += batch.Expired
		cr.Archived += batch.Archived
		cr.Flagged += batch.Flagged
		cr.AlreadyProcessed += batch.AlreadyProcessed
		if !dryRun {
			e.metrics.RetentionRecords.WithLabelValues(c.name, "archived").Add(float64(batch.Archived))
			e.metrics.RetentionRecords.WithLabelValues(c.name, "flagged").Add(float64(batch.Flagged))
			e.metrics.RetentionRecords.WithLabelValues(c.name, "already_processed").Add(float64(batch.AlreadyProcessed))
		}

		cursor = next
		if len(recs) < e.cfg.BatchSize {
			return cr, nil
		}
	}
}

func (e *Engine) cleanBatch(ctx context.Context, recs []Record, dryRun bool) (CollectionReport, error) {
	now := e.now().UTC()
	var expired []Record
	for _, r := range recs {
		ok, err := e.policies.IsExpiredAt(r, now)
		if err != nil {
			return CollectionReport{}, err
		}
		if ok {
			expired = append(expired, r)
		}
	}
	out := CollectionReport{Expired: len(expired)}
	if len(expired) == 0 {
		return out, nil
	}

	if dryRun {
		for _, r := range expired {
			_, err := e.store.Artifact(ctx, r.Collection, r.ID)
			switch {
			case err == nil:
				out.AlreadyProcessed++
			case errors.Is(err, storage.ErrNotFound):
				out.count(Classify(r))
			default:
				return CollectionReport{}, err
			}
		}
		return out, nil
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		out = CollectionReport{Expired: len(expired)}
		for _, r := range expired {
			exists, err := tx.HasArtifact(ctx, r.Collection, r.ID)
			if err != nil {
				return err
			}
			if exists {
				out.AlreadyProcessed++
				continue
			}
			a, err := e.artifactFor(r, now)
			if err != nil {
				return err
			}
			if err := tx.PutArtifact(ctx, a); err != nil {
				return fmt.Errorf("write artifact for %s/%s: %w", r.Collection, r.ID, err)
			}
			out.count(Classify(r))
		}
		return nil
	})
	if err != nil {
		return CollectionReport{}, err
	}
	return out, nil
}

func (r *CollectionReport) count(a Action) {
	if a == ActionArchive {
		r.Archived++
	} else {
		r.Flagged++
	}
}

func (e *Engine) artifactFor(r Record, now time.Time) (*storage.Artifact, error) {
	pol, _ := e.policies.Get(r.Class)
	expiry, err := e.policies.ExpiryOf(r)
	if err != nil {
		return nil, err
	}
	a := &storage.Artifact{
		Collection:      r.Collection,
		OriginalID:      r.ID,
		Kind:            storage.ArtifactDeletionMark,
		Reason:          fmt.Sprintf("%d-year %s retention (%s) ended %s", pol.Years, r.Class, pol.Regulation, expiry.Format(time.DateOnly)),
		RetentionClass:  r.Class,
		RecordCreatedAt: r.CreatedAt,
		ExpiredAt:       expiry,
		ArchivedAt:      now,
	}
	if Classify(r) == ActionArchive {
		a.Kind = storage.ArtifactArchive
		snap, err := json.Marshal(r.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", r.Collection, r.ID, err)
		}
		a.Snapshot = snap
	}
	return a, nil
}

func (e *Engine) recordRun(ctx context.Context, report *CleanupReport) {
	if e.ledger == nil {
		return
	}
	md := map[string]any{
		"succeeded": report.Succeeded(),
		"started":   report.StartedAt,
		"finished":  report.FinishedAt,
	}
	for _, c := range report.Collections {
		md[c.Collection] = map[string]any{
			"scanned":           c.Scanned,
			"expired":           c.Expired,
			"archived":          c.Archived,
			"flagged":           c.Flagged,
			"already_processed": c.AlreadyProcessed,
			"error":             c.Error,
		}
	}
	if _, err := e.ledger.Record(ctx, ledger.SystemDraft(ledger.KindRetentionCleanup, "retention", md)); err != nil {
		e.logger.Error("failed to record retention cleanup run", zap.Error(err))
	}
}
