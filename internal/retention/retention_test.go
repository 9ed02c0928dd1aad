package retention

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/storage"
	"github.com/drfirst/go-rxcompliance/internal/storage/memory"
)

var (
	now     = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	longAgo = time.Date(2018, 1, 15, 12, 0, 0, 0, time.UTC)
	recent  = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	clerk = actor.Actor{UserID: "u-7", Name: "Casey Clerk", Role: "technician"}
)

func clock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()

	years, ok := p.RetentionYears(ledger.ClassHIPAAAudit)
	require.True(t, ok)
	assert.Equal(t, 6, years)

	dea, ok := p.Get(ledger.ClassDEAAudit)
	require.True(t, ok)
	assert.Equal(t, 2, dea.Years)
	assert.Contains(t, dea.Regulation, "1304.04")

	all := p.All()
	assert.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Class, all[i].Class)
	}

	_, ok = p.Get("tax_records")
	assert.False(t, ok)
}

func TestNewPoliciesValidates(t *testing.T) {
	_, err := NewPolicies([]Policy{{Class: ledger.ClassSystemLog, Years: 0}})
	assert.Error(t, err)

	_, err = NewPolicies([]Policy{{Years: 3}})
	assert.Error(t, err)

	_, err = NewPolicies([]Policy{
		{Class: ledger.ClassSystemLog, Years: 3},
		{Class: ledger.ClassSystemLog, Years: 4},
	})
	assert.Error(t, err)
}

func TestWithYears(t *testing.T) {
	base := DefaultPolicies()

	p, err := base.WithYears(map[ledger.RetentionClass]int{ledger.ClassHIPAAAudit: 10})
	require.NoError(t, err)
	years, _ := p.RetentionYears(ledger.ClassHIPAAAudit)
	assert.Equal(t, 10, years)

	years, _ = base.RetentionYears(ledger.ClassHIPAAAudit)
	assert.Equal(t, 6, years, "original table is unchanged")

	_, err = base.WithYears(map[ledger.RetentionClass]int{"tax_records": 5})
	assert.ErrorIs(t, err, ErrUnknownClass)

	_, err = base.WithYears(map[ledger.RetentionClass]int{ledger.ClassDEAAudit: -1})
	assert.Error(t, err)
}

func TestExpiry(t *testing.T) {
	p := DefaultPolicies()
	r := Record{
		Collection: storage.CollectionGeneralAudit,
		ID:         "1",
		CreatedAt:  time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		Class:      ledger.ClassHIPAAAudit,
	}

	exp, err := p.ExpiryOf(r)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), exp)

	expired, err := p.IsExpiredAt(r, exp)
	require.NoError(t, err)
	assert.False(t, expired, "a record is kept through the last instant of its period")

	expired, err = p.IsExpiredAt(r, exp.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, expired)

	leap := r
	leap.CreatedAt = time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)
	exp, err = p.ExpiryOf(leap)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), exp)

	r.Class = "tax_records"
	_, err = p.IsExpired(r)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want Action
	}{
		{"phi", Record{PHI: true, Risk: ledger.RiskLow}, ActionArchive},
		{"controlled", Record{Controlled: true, Risk: ledger.RiskLow}, ActionArchive},
		{"high risk", Record{Risk: ledger.RiskHigh}, ActionArchive},
		{"critical risk", Record{Risk: ledger.RiskCritical}, ActionArchive},
		{"medium risk", Record{Risk: ledger.RiskMedium}, ActionFlagForDeletion},
		{"low risk", Record{Risk: ledger.RiskLow}, ActionFlagForDeletion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.rec))
		})
	}
}

// fixture seeds a store with old and recent records:
//
//	general:      2 old low-risk, 1 old PHI, 1 old system, 1 recent low-risk
//	prescription: 2 old, 1 recent
//	verdicts:     1 old, 1 recent
type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	old := ledger.New(store, nil, nil, nil, ledger.WithClock(clock(longAgo)))
	fresh := ledger.New(store, nil, nil, nil, ledger.WithClock(clock(recent)))

	record := func(l *ledger.Ledger, d ledger.Draft) {
		_, err := l.Record(ctx, d)
		require.NoError(t, err)
	}
	login := ledger.Draft{Kind: ledger.KindLogin, EntityType: ledger.EntityUser, EntityID: "u-7", Actor: clerk}
	record(old, login)
	record(old, login)
	record(old, ledger.Draft{Kind: ledger.KindMedicalRecordAccess, EntityType: ledger.EntityPatient, EntityID: "pt-1", Actor: clerk})
	record(old, ledger.SystemDraft(ledger.KindSystemAction, "nightly", map[string]any{"job": "reindex"}))
	record(fresh, login)

	created := ledger.Draft{Kind: ledger.KindPrescriptionCreated, EntityType: ledger.EntityPrescription, EntityID: "rx-1", Actor: clerk}
	record(old, created)
	record(old, created)
	record(fresh, created)

	appendVerdict := func(at time.Time, id string) {
		store.SetClock(clock(at))
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.AppendVerdict(ctx, &compliance.Verdict{ID: id, PrescriptionID: "rx-1", Passed: true, EvaluatedAt: at})
			return err
		}))
	}
	appendVerdict(longAgo, "v-old")
	appendVerdict(recent, "v-new")
	store.SetClock(clock(now))

	return &fixture{
		store:   store,
		ledger:  ledger.New(store, nil, nil, nil, ledger.WithClock(clock(now))),
		metrics: metrics.New(nil),
	}
}

func (f *fixture) engine(store storage.Store, cfg Config) *Engine {
	return NewEngine(store, DefaultPolicies(), f.ledger, cfg, f.metrics, nil, WithClock(clock(now)))
}

func generalCount(t *testing.T, s storage.Store) int {
	t.Helper()
	entries, err := s.Entries(context.Background(), ledger.Filter{Table: ledger.TableGeneral, Limit: 1000})
	require.NoError(t, err)
	return len(entries)
}

func TestRunCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine(f.store, DefaultConfig()).RunCleanup(ctx, false)
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	assert.False(t, report.DryRun)
	assert.Equal(t, now, report.StartedAt)

	general, ok := report.Collection(storage.CollectionGeneralAudit)
	require.True(t, ok)
	assert.Equal(t, CollectionReport{
		Collection: storage.CollectionGeneralAudit,
		Scanned:    5,
		Expired:    4,
		Archived:   1,
		Flagged:    3,
	}, general)

	rx, _ := report.Collection(storage.CollectionPrescriptionAudit)
	assert.Equal(t, 3, rx.Scanned)
	assert.Equal(t, 2, rx.Expired)
	assert.Equal(t, 2, rx.Archived)
	assert.Zero(t, rx.Flagged)

	verdicts, _ := report.Collection(storage.CollectionComplianceVerdicts)
	assert.Equal(t, 2, verdicts.Scanned)
	assert.Equal(t, 1, verdicts.Archived)

	assert.Equal(t, 7, f.store.ArtifactCount())

	phi, err := f.store.Artifact(ctx, storage.CollectionGeneralAudit, "3")
	require.NoError(t, err)
	assert.Equal(t, storage.ArtifactArchive, phi.Kind)
	assert.Equal(t, ledger.ClassHIPAAAudit, phi.RetentionClass)
	assert.Equal(t, longAgo, phi.RecordCreatedAt)
	assert.Equal(t, longAgo.AddDate(6, 0, 0), phi.ExpiredAt)
	assert.Contains(t, phi.Reason, "6-year hipaa_audit")
	var archived ledger.Entry
	require.NoError(t, json.Unmarshal(phi.Snapshot, &archived))
	assert.Equal(t, "pt-1", archived.EntityID)
	assert.Equal(t, int64(3), archived.Seq)

	login, err := f.store.Artifact(ctx, storage.CollectionGeneralAudit, "1")
	require.NoError(t, err)
	assert.Equal(t, storage.ArtifactDeletionMark, login.Kind)
	assert.Empty(t, login.Snapshot)

	_, err = f.store.Artifact(ctx, storage.CollectionGeneralAudit, "5")
	assert.ErrorIs(t, err, storage.ErrNotFound, "recent records are left alone")

	// Originals are untouched and still verify.
	orig, err := f.ledger.VerifyStored(ctx, ledger.TableGeneral, 3)
	require.NoError(t, err)
	assert.Equal(t, "pt-1", orig.EntityID)

	// The run itself is audited.
	page, err := f.ledger.Query(ctx, ledger.Filter{Table: ledger.TableGeneral, Kind: ledger.KindRetentionCleanup})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, ledger.ClassSystemLog, page.Entries[0].RetentionClass)
	assert.Equal(t, true, page.Entries[0].Metadata["succeeded"])

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RetentionRecords.WithLabelValues(storage.CollectionGeneralAudit, "flagged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RetentionRecords.WithLabelValues(storage.CollectionPrescriptionAudit, "archived")))
}

func TestRunCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.store, DefaultConfig())

	_, err := e.RunCleanup(ctx, false)
	require.NoError(t, err)
	before := f.store.ArtifactCount()

	report, err := e.RunCleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, before, f.store.ArtifactCount())

	general, _ := report.Collection(storage.CollectionGeneralAudit)
	assert.Equal(t, 6, general.Scanned, "includes the first run's audit entry")
	assert.Equal(t, 4, general.AlreadyProcessed)
	assert.Zero(t, general.Archived+general.Flagged)

	verdicts, _ := report.Collection(storage.CollectionComplianceVerdicts)
	assert.Equal(t, 1, verdicts.AlreadyProcessed)
}

func TestRunCleanupDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entriesBefore := generalCount(t, f.store)

	report, err := f.engine(f.store, DefaultConfig()).RunCleanup(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)

	general, _ := report.Collection(storage.CollectionGeneralAudit)
	assert.Equal(t, 1, general.Archived)
	assert.Equal(t, 3, general.Flagged)

	assert.Zero(t, f.store.ArtifactCount())
	assert.Equal(t, entriesBefore, generalCount(t, f.store), "a dry run records nothing")
}

func TestRunCleanupBatches(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine(f.store, Config{BatchSize: 2}).RunCleanup(context.Background(), false)
	require.NoError(t, err)

	general, _ := report.Collection(storage.CollectionGeneralAudit)
	assert.Equal(t, 5, general.Scanned)
	assert.Equal(t, 4, general.Expired)
	rx, _ := report.Collection(storage.CollectionPrescriptionAudit)
	assert.Equal(t, 3, rx.Scanned)
	assert.Equal(t, 7, f.store.ArtifactCount())
}

var errDiskFull = errors.New("disk full")

// failingArtifacts rejects artifact writes for one collection.
type failingArtifacts struct {
	*memory.Store
	collection string
}

func (s *failingArtifacts) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, collection: s.collection})
	})
}

type failingTx struct {
	storage.Tx
	collection string
}

func (t *failingTx) PutArtifact(ctx context.Context, a *storage.Artifact) error {
	if a.Collection == t.collection {
		return errDiskFull
	}
	return t.Tx.PutArtifact(ctx, a)
}

func TestRunCleanupPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &failingArtifacts{Store: f.store, collection: storage.CollectionPrescriptionAudit}

	report, err := f.engine(store, DefaultConfig()).RunCleanup(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCleanupPartialFailure)
	assert.ErrorIs(t, err, errDiskFull)

	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Contains(t, pf.Failures, storage.CollectionPrescriptionAudit)
	assert.Len(t, pf.Failures, 1)

	assert.False(t, report.Succeeded())
	rx, _ := report.Collection(storage.CollectionPrescriptionAudit)
	assert.NotEmpty(t, rx.Error)
	assert.Zero(t, rx.Archived)

	// The failed batch rolled back; the other collections committed.
	_, err = f.store.Artifact(ctx, storage.CollectionPrescriptionAudit, "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 5, f.store.ArtifactCount())

	page, err := f.ledger.Query(ctx, ledger.Filter{Table: ledger.TableGeneral, Kind: ledger.KindRetentionCleanup})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, false, page.Entries[0].Metadata["succeeded"])
}

func TestRunCleanupCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entriesBefore := generalCount(t, f.store)

	report, err := f.engine(f.store, DefaultConfig()).RunCleanup(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, f.store.ArtifactCount())
	assert.Equal(t, entriesBefore, generalCount(t, f.store))
}

func TestRunCleanupWithoutLedger(t *testing.T) {
	f := newFixture(t)
	entriesBefore := generalCount(t, f.store)

	e := NewEngine(f.store, nil, nil, Config{}, nil, nil, WithClock(clock(now)))
	_, err := e.RunCleanup(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 7, f.store.ArtifactCount())
	assert.Equal(t, entriesBefore, generalCount(t, f.store))
}

func TestScheduler(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.engine(f.store, DefaultConfig()), 10*time.Millisecond, nil)
	s.Start()

	assert.Eventually(t, func() bool {
		report, _ := s.Last()
		return report != nil
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	report, _ := s.Last()
	require.NotNil(t, report)
	assert.Equal(t, 7, f.store.ArtifactCount())
}
