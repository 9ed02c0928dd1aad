// Package postgres provides the PostgreSQL implementations of the storage,
// directory and ledger outbox components.
package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreConfig controls the store.
type StoreConfig struct {
	// Topics routes each ledger table to the topic its entries are relayed
	// to through the outbox. Entries of tables without a topic are not
	// relayed.
	Topics map[ledger.Table]string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for verdict and artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	cfg    StoreConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a store over pool. The schema must already be applied.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the pool.
func (s *Store) Close() { s.pool.Close() }

// InTx runs fn in one database transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "postgres.InTx")
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	unit := &pgTx{s: s, tx: tx}
	if err := fn(ctx, unit); err != nil {
		unit.rollback()
		span.SetStatus(codes.Error, "rolled back")
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		unit.rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendEntry commits e on its own.
func (s *Store) AppendEntry(ctx context.Context, e *ledger.Entry) (*ledger.Entry, error) {
	var out *ledger.Entry
	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.AppendEntry(ctx, e)
		return err
	})
	return out, err
}

var entryTables = map[ledger.Table]string{
	ledger.TableGeneral:      "general_audit_entries",
	ledger.TablePrescription: "prescription_audit_entries",
}

func entryTable(t ledger.Table) (string, error) {
	name, ok := entryTables[t]
	if !ok {
		return "", fmt.Errorf("unknown ledger table %q", t)
	}
	return name, nil
}

const entryColumns = `seq, kind, entity_type, entity_id, actor_user_id, actor_name, actor_role,
	ip_address, user_agent, session_id, request_id, before_state, after_state, metadata,
	is_phi, is_controlled_substance, is_financial, classification, risk_level,
	retention_class, retention_years, created_at, fingerprint`

// Entry returns one entry or ledger.ErrEntryNotFound.
func (s *Store) Entry(ctx context.Context, table ledger.Table, seq int64) (*ledger.Entry, error) {
	name, err := entryTable(table)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM `+name+` WHERE seq = $1`, seq)
	e, err := scanEntry(row, table)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%d: %w", table, seq, ledger.ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s/%d: %w", table, seq, err)
	}
	return e, nil
}

// Entries scans one table in sequence order.
func (s *Store) Entries(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	query, args, err := entriesQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows, f.Table)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// entriesQuery translates f into SQL. Only pagination fields and non-zero
// criteria produce predicates.
func entriesQuery(f ledger.Filter) (string, []any, error) {
	name, err := entryTable(f.Table)
	if err != nil {
		return "", nil, err
	}
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	add("seq > $%d", f.AfterSeq)
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.Classification != "" {
		add("classification = $%d", string(f.Classification))
	}
	if f.Risk != "" {
		add("risk_level = $%d", string(f.Risk))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.ActorID != "" {
		add("actor_user_id = $%d", f.ActorID)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}

	query := `SELECT ` + entryColumns + ` FROM ` + name +
		` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

func scanEntry(row pgx.Row, table ledger.Table) (*ledger.Entry, error) {
	var (
		e                        ledger.Entry
		userID, name, role       *string
		before, after, metadata  []byte
		kind, entityType         string
		classification, risk, rc string
	)
	err := row.Scan(
		&e.Seq, &kind, &entityType, &e.EntityID, &userID, &name, &role,
		&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID, &before, &after, &metadata,
		&e.PHI, &e.ControlledSubstance, &e.Financial, &classification, &risk,
		&rc, &e.RetentionYears, &e.CreatedAt, &e.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	e.Table = table
	e.Kind = ledger.EventKind(kind)
	e.EntityType = ledger.EntityType(entityType)
	e.Classification = ledger.Classification(classification)
	e.Risk = ledger.RiskLevel(risk)
	e.RetentionClass = ledger.RetentionClass(rc)
	e.CreatedAt = e.CreatedAt.UTC()
	if userID != nil {
		e.Actor = &ledger.ActorRef{UserID: *userID, Name: deref(name), Role: deref(role)}
	}
	if len(before) > 0 {
		e.Before = json.RawMessage(before)
	}
	if len(after) > 0 {
		e.After = json.RawMessage(after)
	}
	if len(metadata) > 0 {
		// Numbers stay json.Number so the fingerprint input matches what the
		// ledger hashed.
		dec := json.NewDecoder(bytes.NewReader(metadata))
		dec.UseNumber()
		if err := dec.Decode(&e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Prescription returns a committed prescription.
func (s *Store) Prescription(ctx context.Context, id string) (*prescription.Prescription, error) {
	return readPrescription(ctx, s.pool, id, false)
}

func readPrescription(ctx context.Context, q querier, id string, lock bool) (*prescription.Prescription, error) {
	query := `SELECT document, version FROM prescriptions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPrescription(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read prescription %s: %w", id, err)
	}
	return p, nil
}

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var p prescription.Prescription
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode prescription: %w", err)
	}
	p.Version = version
	return &p, nil
}

// Refills returns the refill records of parentID ordered by refill number.
func (s *Store) Refills(ctx context.Context, parentID string) ([]*prescription.Prescription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document, version FROM prescriptions WHERE parent_id = $1 ORDER BY refill_number`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query refills of %s: %w", parentID, err)
	}
	defer rows.Close()

	out := []*prescription.Prescription{}
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refill: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DispensedMedications lists the patient's dispensed prescriptions. Refill
// records report the remaining refills of their original.
func (s *Store) DispensedMedications(ctx context.Context, patientID string, since time.Time) ([]compliance.Medication, error) {
	const query = `
		SELECT p.id, COALESCE(p.parent_id, p.id), p.drug_name, p.ndc, p.date_dispensed,
		       COALESCE(o.refills_remaining, p.refills_remaining)
		FROM prescriptions p
		LEFT JOIN prescriptions o ON o.id = p.parent_id
		WHERE p.patient_id = $1
		  AND p.date_dispensed IS NOT NULL
		  AND p.date_dispensed >= $2
		ORDER BY p.date_dispensed ASC
	`
	rows, err := s.pool.Query(ctx, query, patientID, since)
	if err != nil {
		return nil, fmt.Errorf("query dispensed medications: %w", err)
	}
	defer rows.Close()

	var out []compliance.Medication
	for rows.Next() {
		var m compliance.Medication
		if err := rows.Scan(&m.PrescriptionID, &m.FamilyID, &m.DrugName, &m.NDC, &m.DispensedAt, &m.RefillsRemaining); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		m.DispensedAt = m.DispensedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

const verdictColumns = `seq, prescription_id, verdict, created_at`

func scanVerdict(row pgx.Row) (*storage.VerdictRecord, error) {
	var (
		rec storage.VerdictRecord
		doc []byte
	)
	if err := row.Scan(&rec.Seq, &rec.PrescriptionID, &doc, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &rec.Verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// LatestVerdict returns the most recent verdict for a prescription.
func (s *Store) LatestVerdict(ctx context.Context, prescriptionID string) (*storage.VerdictRecord, error) {
	rec, err := scanVerdict(s.pool.QueryRow(ctx,
		`SELECT `+verdictColumns+` FROM compliance_verdicts WHERE prescription_id = $1 ORDER BY seq DESC LIMIT 1`,
		prescriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("verdict for %s: %w", prescriptionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read verdict for %s: %w", prescriptionID, err)
	}
	return rec, nil
}

// Verdicts pages through all verdicts by sequence.
func (s *Store) Verdicts(ctx context.Context, afterSeq int64, limit int) ([]*storage.VerdictRecord, error) {
	query := `SELECT ` + verdictColumns + ` FROM compliance_verdicts WHERE seq > $1 ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []*storage.VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Artifact returns the retention artifact for a record.
func (s *Store) Artifact(ctx context.Context, collection, originalID string) (*storage.Artifact, error) {
	const query = `
		SELECT id, collection, original_id, kind, snapshot, reason, retention_class,
		       record_created_at, expired_at, archived_at
		FROM retention_artifacts
		WHERE collection = $1 AND original_id = $2
	`
	var (
		a        storage.Artifact
		kind, rc string
		snapshot []byte
	)
	err := s.pool.QueryRow(ctx, query, collection, originalID).Scan(
		&a.ID, &a.Collection, &a.OriginalID, &kind, &snapshot, &a.Reason, &rc,
		&a.RecordCreatedAt, &a.ExpiredAt, &a.ArchivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", collection, originalID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", collection, originalID, err)
	}
	a.Kind = storage.ArtifactKind(kind)
	a.RetentionClass = ledger.RetentionClass(rc)
	if len(snapshot) > 0 {
		a.Snapshot = json.RawMessage(snapshot)
	}
	a.RecordCreatedAt = a.RecordCreatedAt.UTC()
	a.ExpiredAt = a.ExpiredAt.UTC()
	a.ArchivedAt = a.ArchivedAt.UTC()
	return &a, nil
}

// pgTx implements storage.Tx on one database transaction.
type pgTx struct {
	s  *Store
	tx pgx.Tx

	// undo restores caller-visible versions when the transaction does not
	// commit.
	undo []func()
}

func (t *pgTx) setVersion(p *prescription.Prescription, v int64) {
	prev := p.Version
	t.undo = append(t.undo, func() { p.Version = prev })
	p.Version = v
}

func (t *pgTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *pgTx) AppendEntry(ctx context.Context, e *ledger.Entry) (*ledger.Entry, error) {
	name, err := entryTable(e.Table)
	if err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	var userID, actorName, actorRole any
	if e.Actor != nil {
		userID, actorName, actorRole = e.Actor.UserID, e.Actor.Name, e.Actor.Role
	}

	query := `INSERT INTO ` + name + ` (
			kind, entity_type, entity_id, actor_user_id, actor_name, actor_role,
			ip_address, user_agent, session_id, request_id, before_state, after_state, metadata,
			is_phi, is_controlled_substance, is_financial, classification, risk_level,
			retention_class, retention_years, created_at, fingerprint
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING seq`

	stored := e.Clone()
	stored.Verified = false
	stored.VerifiedAt = nil
	err = t.tx.QueryRow(ctx, query,
		string(e.Kind), string(e.EntityType), e.EntityID, userID, actorName, actorRole,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID,
		nullJSON(e.Before), nullJSON(e.After), nullJSON(metadata),
		e.PHI, e.ControlledSubstance, e.Financial, string(e.Classification), string(e.Risk),
		string(e.RetentionClass), e.RetentionYears, e.CreatedAt, e.Fingerprint,
	).Scan(&stored.Seq)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", name, err)
	}

	if topic, ok := t.s.cfg.Topics[e.Table]; ok && topic != "" {
		if err := relayEntry(ctx, t.tx, topic, stored); err != nil {
			return nil, err
		}
	}
	return stored.Clone(), nil
}

func (t *pgTx) Prescription(ctx context.Context, id string) (*prescription.Prescription, error) {
	return readPrescription(ctx, t.tx, id, true)
}

func (t *pgTx) CreatePrescription(ctx context.Context, p *prescription.Prescription) error {
	next := *p
	next.Version = 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode prescription %s: %w", p.ID, err)
	}
	const query = `
		INSERT INTO prescriptions (
			id, number, parent_id, refill_number, patient_id, drug_name, ndc,
			refills_remaining, verification, processing, date_dispensed,
			document, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err = t.tx.Exec(ctx, query,
		p.ID, p.Number, nullString(p.ParentID), p.RefillNumber, p.PatientID, p.DrugName, p.NDC,
		p.RefillsRemaining, string(p.Verification), string(p.Processing), p.DateDispensed,
		doc, next.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create prescription %s: already exists: %w", p.ID, err)
		}
		return fmt.Errorf("create prescription %s: %w", p.ID, err)
	}
	t.setVersion(p, next.Version)
	return nil
}

func (t *pgTx) UpdatePrescription(ctx context.Context, p *prescription.Prescription) error {
	next := *p
	next.Version = p.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode prescription %s: %w", p.ID, err)
	}
	const query = `
		UPDATE prescriptions
		SET number = $3, refills_remaining = $4, verification = $5, processing = $6,
		    date_dispensed = $7, document = $8, version = version + 1, updated_at = $9
		WHERE id = $1 AND version = $2
	`
	tag, err := t.tx.Exec(ctx, query,
		p.ID, p.Version, p.Number, p.RefillsRemaining, string(p.Verification), string(p.Processing),
		p.DateDispensed, doc, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update prescription %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := t.tx.QueryRow(ctx, `SELECT version FROM prescriptions WHERE id = $1`, p.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update prescription %s: %w", p.ID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update prescription %s: %w", p.ID, err)
		}
		return fmt.Errorf("update prescription %s at version %d (current %d): %w",
			p.ID, p.Version, current, prescription.ErrStaleLifecycleState)
	}
	t.setVersion(p, next.Version)
	return nil
}

func (t *pgTx) AppendVerdict(ctx context.Context, v *compliance.Verdict) (*storage.VerdictRecord, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	rec := &storage.VerdictRecord{
		PrescriptionID: v.PrescriptionID,
		Verdict:        *v,
		CreatedAt:      t.s.now().UTC().Truncate(time.Microsecond),
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO compliance_verdicts (verdict_id, prescription_id, passed, verdict, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		v.ID, v.PrescriptionID, v.Passed, doc, rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return nil, fmt.Errorf("insert verdict: %w", err)
	}
	return rec, nil
}

func (t *pgTx) HasArtifact(ctx context.Context, collection, originalID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM retention_artifacts WHERE collection = $1 AND original_id = $2)`,
		collection, originalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check artifact %s/%s: %w", collection, originalID, err)
	}
	return exists, nil
}

func (t *pgTx) PutArtifact(ctx context.Context, a *storage.Artifact) error {
	archivedAt := a.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = t.s.now().UTC()
	}
	const query = `
		INSERT INTO retention_artifacts (
			collection, original_id, kind, snapshot, reason, retention_class,
			record_created_at, expired_at, archived_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (collection, original_id) DO NOTHING
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		a.Collection, a.OriginalID, string(a.Kind), nullJSON(a.Snapshot), a.Reason, string(a.RetentionClass),
		a.RecordCreatedAt, a.ExpiredAt, archivedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("artifact %s/%s: %w", a.Collection, a.OriginalID, storage.ErrArtifactExists)
	}
	if err != nil {
		return fmt.Errorf("insert artifact %s/%s: %w", a.Collection, a.OriginalID, err)
	}
	return nil
}
