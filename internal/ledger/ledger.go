// Package ledger implements the append-only, tamper-evident audit ledger for
// PHI, controlled-substance and financial activity.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/integrity"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

var (
	// ErrMutationForbidden is returned for any attempt to change or remove a
	// recorded entry.
	ErrMutationForbidden = errors.New("audit ledger entries are immutable")

	// ErrIntegrityViolation is returned when an entry fails re-verification.
	ErrIntegrityViolation = integrity.ErrIntegrityViolation

	// ErrEntryNotFound is returned by stores when no entry has the requested
	// table and sequence.
	ErrEntryNotFound = errors.New("audit entry not found")

	// ErrInvalidDraft is returned when a draft lacks required fields.
	ErrInvalidDraft = errors.New("invalid audit draft")
)

// Store persists entries. Implementations assign Seq and must not offer any
// way to modify or remove an appended entry.
type Store interface {
	// AppendEntry stores e in e.Table and returns the stored copy with Seq set.
	AppendEntry(ctx context.Context, e *Entry) (*Entry, error)
	// Entry returns the entry with the given sequence or ErrEntryNotFound.
	Entry(ctx context.Context, table Table, seq int64) (*Entry, error)
	// Entries returns up to f.Limit matching entries with Seq > f.AfterSeq in
	// ascending sequence order.
	Entries(ctx context.Context, f Filter) ([]*Entry, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for CreatedAt and VerifiedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger records and verifies audit entries.
type Ledger struct {
	store    Store
	policies PolicyTable
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a ledger over store. A nil policy table uses the built-in
// retention defaults.
func New(store Store, policies PolicyTable, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = defaultPolicyTable{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	l := &Ledger{
		store:    store,
		policies: policies,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("audit-ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record derives, fingerprints and appends the entry described by d.
func (l *Ledger) Record(ctx context.Context, d Draft) (*Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Record",
		trace.WithAttributes(
			attribute.String("audit.kind", string(d.Kind)),
			attribute.String("audit.entity_type", string(d.EntityType)),
		))
	defer span.End()

	e, err := l.Prepare(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	stored, err := l.store.AppendEntry(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	l.Committed(stored)
	span.SetAttributes(attribute.Int64("audit.seq", stored.Seq))
	return stored, nil
}

// Prepare builds the complete, fingerprinted entry for d without persisting
// it. Callers that write the entry inside their own storage transaction must
// call Committed once the transaction commits.
func (l *Ledger) Prepare(_ context.Context, d Draft) (*Entry, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}

	c := classify(d)
	years, ok := l.policies.RetentionYears(c.retention)
	if !ok {
		return nil, fmt.Errorf("no retention policy for class %s", c.retention)
	}

	e := &Entry{
		Table:               d.Kind.Table(),
		Kind:                d.Kind,
		EntityType:          d.EntityType,
		EntityID:            d.EntityID,
		IPAddress:           d.Actor.IP,
		UserAgent:           d.Actor.UserAgent,
		SessionID:           d.Actor.SessionID,
		RequestID:           d.Actor.RequestID,
		PHI:                 c.phi,
		ControlledSubstance: c.controlled,
		Financial:           c.financial,
		Classification:      c.classification,
		Risk:                c.risk,
		RetentionClass:      c.retention,
		RetentionYears:      years,
		CreatedAt:           l.now().UTC().Truncate(time.Microsecond),
	}
	if !d.Actor.IsSystem() {
		e.Actor = &ActorRef{UserID: d.Actor.UserID, Name: d.Actor.Name, Role: d.Actor.Role}
	}

	var err error
	if e.Before, err = snapshot(d.Before); err != nil {
		return nil, fmt.Errorf("encode before snapshot: %w", err)
	}
	if e.After, err = snapshot(d.After); err != nil {
		return nil, fmt.Errorf("encode after snapshot: %w", err)
	}
	if e.Metadata, err = normalizeMetadata(d.Metadata); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	if e.Fingerprint, err = integrity.Fingerprint(e.Fields()); err != nil {
		return nil, fmt.Errorf("fingerprint audit entry: %w", err)
	}
	return e, nil
}

// Committed updates recording metrics for entries persisted outside Record.
func (l *Ledger) Committed(entries ...*Entry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		l.metrics.LedgerEntries.WithLabelValues(string(e.Table), string(e.Classification)).Inc()
		l.logger.Debug("audit entry recorded",
			zap.String("table", string(e.Table)),
			zap.Int64("seq", e.Seq),
			zap.String("kind", string(e.Kind)),
			zap.String("entity_id", e.EntityID),
			zap.String("classification", string(e.Classification)),
			zap.String("risk", string(e.Risk)))
	}
}

// VerifyIntegrity recomputes the fingerprint of e. On success e is marked
// verified; on mismatch it returns false and ErrIntegrityViolation.
func (l *Ledger) VerifyIntegrity(ctx context.Context, e *Entry) (bool, error) {
	_, span := l.tracer.Start(ctx, "ledger.VerifyIntegrity",
		trace.WithAttributes(
			attribute.String("audit.table", string(e.Table)),
			attribute.Int64("audit.seq", e.Seq),
		))
	defer span.End()

	l.metrics.IntegrityChecked.Inc()
	if err := integrity.Verify(e.Fields(), e.Fingerprint); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "integrity check failed")
		if errors.Is(err, ErrIntegrityViolation) {
			l.metrics.IntegrityViolations.Inc()
			l.logger.Error("audit entry integrity violation",
				zap.String("severity", "critical"),
				zap.String("table", string(e.Table)),
				zap.Int64("seq", e.Seq),
				zap.String("entity_id", e.EntityID),
				zap.Error(err))
		}
		e.Verified = false
		e.VerifiedAt = nil
		return false, err
	}

	at := l.now().UTC()
	e.Verified = true
	e.VerifiedAt = &at
	return true, nil
}

// VerifyStored loads an entry and verifies it.
func (l *Ledger) VerifyStored(ctx context.Context, table Table, seq int64) (*Entry, error) {
	e, err := l.Get(ctx, table, seq)
	if err != nil {
		return nil, err
	}
	if _, err := l.VerifyIntegrity(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Update always fails: recorded entries cannot be changed.
func (l *Ledger) Update(_ context.Context, table Table, seq int64) error {
	return l.forbid("update", table, seq)
}

// Delete always fails: recorded entries cannot be removed.
func (l *Ledger) Delete(_ context.Context, table Table, seq int64) error {
	return l.forbid("delete", table, seq)
}

func (l *Ledger) forbid(op string, table Table, seq int64) error {
	l.metrics.MutationAttempts.WithLabelValues(op).Inc()
	l.logger.Error("rejected audit entry mutation",
		zap.String("severity", "critical"),
		zap.String("operation", op),
		zap.String("table", string(table)),
		zap.Int64("seq", seq))
	return fmt.Errorf("%s %s/%d: %w", op, table, seq, ErrMutationForbidden)
}

// Get returns a single entry.
func (l *Ledger) Get(ctx context.Context, table Table, seq int64) (*Entry, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDraft, table)
	}
	e, err := l.store.Entry(ctx, table, seq)
	if err != nil {
		return nil, fmt.Errorf("get audit entry %s/%d: %w", table, seq, err)
	}
	return e, nil
}

// Query returns one page of entries matching f in ascending sequence order.
func (l *Ledger) Query(ctx context.Context, f Filter) (*Page, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Query")
	defer span.End()

	f = f.Normalize()
	if !f.Table.Valid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDraft, f.Table)
	}

	probe := f
	probe.Limit = f.Limit + 1
	entries, err := l.store.Entries(ctx, probe)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query audit entries: %w", err)
	}

	page := &Page{Entries: entries}
	if len(entries) > f.Limit {
		page.Entries = entries[:f.Limit]
		page.NextAfterSeq = page.Entries[f.Limit-1].Seq
	}
	if page.Entries == nil {
		page.Entries = []*Entry{}
	}
	return page, nil
}

func validateDraft(d Draft) error {
	switch {
	case d.Kind == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidDraft)
	case !d.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDraft, d.Kind)
	case d.EntityType == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidDraft)
	case !d.EntityType.Valid():
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidDraft, d.EntityType)
	case d.MinRisk != "" && !d.MinRisk.Valid():
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidDraft, d.MinRisk)
	case d.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidDraft)
	case d.Actor.IsZero():
		return fmt.Errorf("%w: actor is required", ErrInvalidDraft)
	}
	return nil
}

func snapshot(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return compact(val)
	case []byte:
		if len(val) == 0 {
			return nil, nil
		}
		return compact(val)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	return b, nil
}

func compact(b []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeMetadata round-trips md through JSON so the fingerprinted form
// matches what any store hands back.
func normalizeMetadata(md map[string]any) (map[string]any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// SystemDraft is a convenience for entries emitted by internal jobs.
func SystemDraft(kind EventKind, entityID string, metadata map[string]any) Draft {
	return Draft{
		Kind:       kind,
		EntityType: EntitySystem,
		EntityID:   entityID,
		Actor:      actor.System,
		Metadata:   metadata,
	}
}
