package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

// sliceStore is a minimal Store that lets tests reach into persisted rows.
type sliceStore struct {
	mu      sync.Mutex
	entries map[Table][]*Entry
	failErr error
}

func newSliceStore() *sliceStore {
	return &sliceStore{entries: map[Table][]*Entry{}}
}

func (s *sliceStore) AppendEntry(_ context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	c := e.Clone()
	c.Seq = int64(len(s.entries[e.Table]) + 1)
	s.entries[e.Table] = append(s.entries[e.Table], c)
	return c.Clone(), nil
}

func (s *sliceStore) Entry(_ context.Context, table Table, seq int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.entries[table]
	if seq < 1 || int(seq) > len(rows) {
		return nil, ErrEntryNotFound
	}
	return rows[seq-1].Clone(), nil
}

func (s *sliceStore) Entries(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries[f.Table] {
		if e.Seq <= f.AfterSeq || !f.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *sliceStore) tamper(table Table, seq int64, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.entries[table][seq-1])
}

var (
	fixedNow   = time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)
	pharmacist = actor.Actor{
		UserID:    "u-1",
		Name:      "Pat Pharmacist",
		Role:      "pharmacist",
		IP:        "10.0.0.4",
		UserAgent: "console/1.0",
		SessionID: "s-1",
		RequestID: "r-1",
	}
)

func newTestLedger(t *testing.T) (*Ledger, *sliceStore, *metrics.Metrics) {
	t.Helper()
	store := newSliceStore()
	m := metrics.New(prometheus.NewRegistry())
	return New(store, nil, m, nil, WithClock(func() time.Time { return fixedNow })), store, m
}

func TestRecord_PHIEntry(t *testing.T) {
	l, _, m := newTestLedger(t)

	e, err := l.Record(context.Background(), Draft{
		Kind:       KindMedicalRecordAccess,
		EntityType: EntityMedicalRecord,
		EntityID:   "mr-1",
		Actor:      pharmacist,
		After:      map[string]any{"section": "allergies"},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, e.Seq)
	assert.Equal(t, TableGeneral, e.Table)
	assert.True(t, e.PHI)
	assert.Equal(t, ClassificationPHI, e.Classification)
	assert.Equal(t, RiskHigh, e.Risk)
	assert.Equal(t, ClassHIPAAAudit, e.RetentionClass)
	assert.Equal(t, 6, e.RetentionYears)
	assert.Equal(t, fixedNow.Truncate(time.Microsecond), e.CreatedAt)
	require.NotNil(t, e.Actor)
	assert.Equal(t, "u-1", e.Actor.UserID)
	assert.Equal(t, "console/1.0", e.UserAgent)
	assert.Equal(t, "r-1", e.RequestID)
	assert.JSONEq(t, `{"section":"allergies"}`, string(e.After))
	assert.Len(t, e.Fingerprint, 64)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerEntries.WithLabelValues("general", "PHI")))
}

func TestRecord_Classification(t *testing.T) {
	tests := []struct {
		name       string
		draft      Draft
		class      Classification
		risk       RiskLevel
		retention  RetentionClass
		years      int
		phi        bool
		controlled bool
		financial  bool
		table      Table
	}{
		{
			name:  "prescription event is PHI",
			draft: Draft{Kind: KindPrescriptionVerified, EntityType: EntityPrescription, EntityID: "rx-1"},
			class: ClassificationPHI, risk: RiskHigh, retention: ClassHIPAAAudit, years: 6,
			phi: true, table: TablePrescription,
		},
		{
			name:  "controlled prescription keeps PHI precedence",
			draft: Draft{Kind: KindPrescriptionDispensed, EntityType: EntityPrescription, EntityID: "rx-2", Metadata: map[string]any{"dea_schedule": "II"}},
			class: ClassificationPHI, risk: RiskHigh, retention: ClassHIPAAAudit, years: 6,
			phi: true, controlled: true, table: TablePrescription,
		},
		{
			name:  "controlled inventory",
			draft: Draft{Kind: KindInventoryAdjusted, EntityType: EntityControlledInventory, EntityID: "inv-1"},
			class: ClassificationInternal, risk: RiskHigh, retention: ClassDEAAudit, years: 2,
			controlled: true, table: TableGeneral,
		},
		{
			name:  "controlled via metadata flag",
			draft: Draft{Kind: KindInventoryAdjusted, EntityType: EntityProduct, EntityID: "p-1", Metadata: map[string]any{"controlled_substance": true}},
			class: ClassificationInternal, risk: RiskHigh, retention: ClassDEAAudit, years: 2,
			controlled: true, table: TableGeneral,
		},
		{
			name:  "payment",
			draft: Draft{Kind: KindPaymentProcessed, EntityType: EntityPayment, EntityID: "pay-1"},
			class: ClassificationPCI, risk: RiskMedium, retention: ClassFinancialAudit, years: 3,
			financial: true, table: TableGeneral,
		},
		{
			name:  "system job",
			draft: Draft{Kind: KindRetentionCleanup, EntityType: EntitySystem, EntityID: "retention"},
			class: ClassificationInternal, risk: RiskLow, retention: ClassSystemLog, years: 3,
			table: TableGeneral,
		},
		{
			name:  "plain record view",
			draft: Draft{Kind: KindRecordView, EntityType: EntityProduct, EntityID: "p-9"},
			class: ClassificationInternal, risk: RiskLow, retention: ClassGeneralAudit, years: 7,
			table: TableGeneral,
		},
		{
			name:  "requested risk raises",
			draft: Draft{Kind: KindAccessDenied, EntityType: EntityReport, EntityID: "rep-1", MinRisk: RiskCritical},
			class: ClassificationInternal, risk: RiskCritical, retention: ClassGeneralAudit, years: 7,
			table: TableGeneral,
		},
		{
			name:  "requested risk never lowers",
			draft: Draft{Kind: KindProfileAccess, EntityType: EntityPatient, EntityID: "pt-1", MinRisk: RiskLow},
			class: ClassificationPHI, risk: RiskHigh, retention: ClassHIPAAAudit, years: 6,
			phi: true, table: TableGeneral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newTestLedger(t)
			tt.draft.Actor = pharmacist
			e, err := l.Record(context.Background(), tt.draft)
			require.NoError(t, err)

			assert.Equal(t, tt.class, e.Classification)
			assert.Equal(t, tt.risk, e.Risk)
			assert.Equal(t, tt.retention, e.RetentionClass)
			assert.Equal(t, tt.years, e.RetentionYears)
			assert.Equal(t, tt.phi, e.PHI)
			assert.Equal(t, tt.controlled, e.ControlledSubstance)
			assert.Equal(t, tt.financial, e.Financial)
			assert.Equal(t, tt.table, e.Table)
		})
	}
}

type overridePolicies map[RetentionClass]int

func (o overridePolicies) RetentionYears(c RetentionClass) (int, bool) {
	y, ok := o[c]
	return y, ok
}

func TestRecord_UsesPolicyTable(t *testing.T) {
	l := New(newSliceStore(), overridePolicies{ClassGeneralAudit: 10}, nil, nil)
	e, err := l.Record(context.Background(), Draft{Kind: KindRecordView, EntityType: EntityProduct, EntityID: "p", Actor: pharmacist})
	require.NoError(t, err)
	assert.Equal(t, 10, e.RetentionYears)

	_, err = l.Record(context.Background(), Draft{Kind: KindPaymentProcessed, EntityType: EntityPayment, EntityID: "p", Actor: pharmacist})
	assert.Error(t, err)
}

func TestRecord_SystemActorHasNoActorRef(t *testing.T) {
	l, _, _ := newTestLedger(t)
	e, err := l.Record(context.Background(), SystemDraft(KindSystemAction, "job-1", nil))
	require.NoError(t, err)
	assert.Nil(t, e.Actor)
}

func TestRecord_RejectsInvalidDraft(t *testing.T) {
	l, store, _ := newTestLedger(t)

	cases := map[string]Draft{
		"missing kind":        {EntityType: EntityPatient, EntityID: "p", Actor: pharmacist},
		"missing entity":      {Kind: KindLogin, EntityType: EntityUser, Actor: pharmacist},
		"missing actor":       {Kind: KindLogin, EntityType: EntityUser, EntityID: "u"},
		"unknown kind":        {Kind: "teleport", EntityType: EntityUser, EntityID: "u", Actor: pharmacist},
		"unknown entity type": {Kind: KindRecordView, EntityType: "spaceship", EntityID: "s", Actor: pharmacist},
		"unknown risk":        {Kind: KindLogin, EntityType: EntityUser, EntityID: "u", Actor: pharmacist, MinRisk: "severe"},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Record(context.Background(), d)
			assert.ErrorIs(t, err, ErrInvalidDraft)
		})
	}
	assert.Empty(t, store.entries[TableGeneral])
}

func TestRecord_StoreFailureReturnsNoEntry(t *testing.T) {
	l, store, _ := newTestLedger(t)
	store.failErr = errors.New("disk full")

	e, err := l.Record(context.Background(), Draft{Kind: KindLogin, EntityType: EntityUser, EntityID: "u", Actor: pharmacist})
	assert.Nil(t, e)
	assert.Error(t, err)
}

func TestVerifyIntegrity(t *testing.T) {
	l, store, m := newTestLedger(t)
	ctx := context.Background()

	e, err := l.Record(ctx, Draft{
		Kind:       KindPrescriptionCreated,
		EntityType: EntityPrescription,
		EntityID:   "rx-1",
		Actor:      pharmacist,
		After:      map[string]any{"quantity": 30, "drug": "amoxicillin"},
		Metadata:   map[string]any{"dea_schedule": "none", "refills": 2},
	})
	require.NoError(t, err)

	stored, err := l.Get(ctx, TablePrescription, e.Seq)
	require.NoError(t, err)
	ok, err := l.VerifyIntegrity(ctx, stored)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, stored.Verified)
	require.NotNil(t, stored.VerifiedAt)

	store.tamper(TablePrescription, e.Seq, func(row *Entry) {
		row.After = json.RawMessage(`{"quantity":300,"drug":"amoxicillin"}`)
	})
	tampered, err := l.Get(ctx, TablePrescription, e.Seq)
	require.NoError(t, err)
	ok, err = l.VerifyIntegrity(ctx, tampered)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
	assert.False(t, tampered.Verified)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityViolations))
}

func TestVerifyIntegrity_DetectsEveryFieldChange(t *testing.T) {
	mutations := map[string]func(*Entry){
		"kind":       func(e *Entry) { e.Kind = KindRecordDelete },
		"entity id":  func(e *Entry) { e.EntityID = "other" },
		"actor":      func(e *Entry) { e.Actor.UserID = "intruder" },
		"risk":       func(e *Entry) { e.Risk = RiskLow },
		"created at": func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Second) },
		"retention":  func(e *Entry) { e.RetentionYears = 1 },
		"metadata":   func(e *Entry) { e.Metadata["reason"] = "edited" },
		"ip":         func(e *Entry) { e.IPAddress = "1.2.3.4" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			l, _, _ := newTestLedger(t)
			e, err := l.Record(context.Background(), Draft{
				Kind: KindRecordUpdate, EntityType: EntityPatient, EntityID: "pt-1",
				Actor: pharmacist, Metadata: map[string]any{"reason": "address"},
			})
			require.NoError(t, err)

			mutate(e)
			ok, err := l.VerifyIntegrity(context.Background(), e)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrIntegrityViolation)
		})
	}
}

func TestVerifyIntegrity_IgnoresVerificationMarkers(t *testing.T) {
	l, _, _ := newTestLedger(t)
	e, err := l.Record(context.Background(), Draft{Kind: KindLogin, EntityType: EntityUser, EntityID: "u", Actor: pharmacist})
	require.NoError(t, err)

	e.Seq = 999
	e.Verified = true
	ok, err := l.VerifyIntegrity(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateDelete_Forbidden(t *testing.T) {
	l, store, m := newTestLedger(t)
	ctx := context.Background()
	e, err := l.Record(ctx, Draft{Kind: KindLogin, EntityType: EntityUser, EntityID: "u", Actor: pharmacist})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Update(ctx, e.Table, e.Seq), ErrMutationForbidden)
	assert.ErrorIs(t, l.Delete(ctx, e.Table, e.Seq), ErrMutationForbidden)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationAttempts.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationAttempts.WithLabelValues("delete")))

	got, err := l.Get(ctx, e.Table, e.Seq)
	require.NoError(t, err)
	assert.Equal(t, e.Fingerprint, got.Fingerprint)
	assert.Len(t, store.entries[TableGeneral], 1)
}

func TestQuery_FiltersAndPages(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	other := pharmacist
	other.UserID = "u-2"
	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, Draft{Kind: KindProfileAccess, EntityType: EntityPatient, EntityID: "pt-1", Actor: pharmacist})
		require.NoError(t, err)
		_, err = l.Record(ctx, Draft{Kind: KindRecordView, EntityType: EntityProduct, EntityID: "p-1", Actor: other})
		require.NoError(t, err)
	}

	page, err := l.Query(ctx, Filter{Classification: ClassificationPHI, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, []int64{1, 3}, []int64{page.Entries[0].Seq, page.Entries[1].Seq})
	assert.EqualValues(t, 3, page.NextAfterSeq)

	var all []*Entry
	after := int64(0)
	for {
		p, err := l.Query(ctx, Filter{ActorID: "u-2", AfterSeq: after, Limit: 2})
		require.NoError(t, err)
		all = append(all, p.Entries...)
		if p.NextAfterSeq == 0 {
			break
		}
		after = p.NextAfterSeq
	}
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}

	empty, err := l.Query(ctx, Filter{Table: TablePrescription})
	require.NoError(t, err)
	assert.NotNil(t, empty.Entries)
	assert.Empty(t, empty.Entries)

	_, err = l.Query(ctx, Filter{Table: "bogus"})
	assert.Error(t, err)
}

func TestFilter_Normalize(t *testing.T) {
	f := Filter{}.Normalize()
	assert.Equal(t, TableGeneral, f.Table)
	assert.Equal(t, defaultPageSize, f.Limit)
	assert.Equal(t, maxPageSize, Filter{Limit: 50000}.Normalize().Limit)
}

func TestSweeper_ReportsViolations(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := l.Record(ctx, Draft{Kind: KindLogin, EntityType: EntityUser, EntityID: "u", Actor: pharmacist})
		require.NoError(t, err)
	}
	store.tamper(TableGeneral, 7, func(e *Entry) { e.EntityID = "forged" })
	store.tamper(TableGeneral, 19, func(e *Entry) { e.Risk = RiskLow; e.Kind = KindLogout })

	cfg := DefaultSweeperConfig()
	cfg.PageSize = 4
	cfg.Pool.Workers = 3
	report, err := NewSweeper(l, cfg, nil).Run(ctx, TableGeneral)
	require.NoError(t, err)

	assert.Equal(t, 25, report.Checked)
	require.Len(t, report.Violations, 2)
	seqs := map[int64]bool{}
	for _, v := range report.Violations {
		seqs[v.Seq] = true
	}
	assert.True(t, seqs[7])
	assert.True(t, seqs[19])
	assert.False(t, report.Clean())

	// the sweep result itself is recorded as a system entry
	last, err := l.Get(ctx, TableGeneral, 26)
	require.NoError(t, err)
	assert.Equal(t, KindIntegritySweep, last.Kind)
	assert.Equal(t, ClassSystemLog, last.RetentionClass)
}

func TestSweeper_EmptyTable(t *testing.T) {
	l, _, _ := newTestLedger(t)
	cfg := DefaultSweeperConfig()
	cfg.RecordResult = false
	report, err := NewSweeper(l, cfg, nil).Run(context.Background(), TablePrescription)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.True(t, report.Clean())
}
