// Package memory is an in-process implementation of storage.Store used by
// tests and by the API when no database is configured. Transactions hold the
// write lock for their whole duration and stage writes until commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

type artifactKey struct {
	collection string
	originalID string
}

// Store keeps all state in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	entries       map[ledger.Table][]*ledger.Entry
	prescriptions map[string]*prescription.Prescription
	verdicts      []*storage.VerdictRecord
	artifacts     map[artifactKey]*storage.Artifact
	artifactSeq   int64

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:       make(map[ledger.Table][]*ledger.Entry),
		prescriptions: make(map[string]*prescription.Prescription),
		artifacts:     make(map[artifactKey]*storage.Artifact),
		now:           time.Now,
	}
}

// SetClock overrides the time source for verdict and artifact timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op.
func (s *Store) Close() {}

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

// Entry returns one committed entry.
func (s *Store) Entry(_ context.Context, table ledger.Table, seq int64) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[table]
	if seq < 1 || seq > int64(len(entries)) {
		return nil, fmt.Errorf("%s/%d: %w", table, seq, ledger.ErrEntryNotFound)
	}
	return entries[seq-1].Clone(), nil
}

// Entries scans one table in sequence order.
func (s *Store) Entries(_ context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Entry
	for _, e := range s.entries[f.Table] {
		if e.Seq <= f.AfterSeq || !f.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Prescription returns a committed prescription.
func (s *Store) Prescription(_ context.Context, id string) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, storage.ErrNotFound)
	}
	return p.Clone(), nil
}

// Refills returns the refill records of parentID ordered by refill number.
func (s *Store) Refills(_ context.Context, parentID string) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*prescription.Prescription{}
	for _, p := range s.prescriptions {
		if p.ParentID == parentID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RefillNumber < out[j].RefillNumber })
	return out, nil
}

// DispensedMedications lists the patient's dispensed prescriptions. Refill
// records report the remaining refills of their original.
func (s *Store) DispensedMedications(_ context.Context, patientID string, since time.Time) ([]compliance.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []compliance.Medication
	for _, p := range s.prescriptions {
		if p.PatientID != patientID || p.DateDispensed == nil || p.DateDispensed.Before(since) {
			continue
		}
		remaining := p.RefillsRemaining
		if orig, ok := s.prescriptions[p.FamilyID()]; ok {
			remaining = orig.RefillsRemaining
		}
		out = append(out, compliance.Medication{
			PrescriptionID:   p.ID,
			FamilyID:         p.FamilyID(),
			DrugName:         p.DrugName,
			NDC:              p.NDC,
			DispensedAt:      *p.DateDispensed,
			RefillsRemaining: remaining,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispensedAt.Before(out[j].DispensedAt) })
	return out, nil
}

// LatestVerdict returns the most recent verdict for a prescription.
func (s *Store) LatestVerdict(_ context.Context, prescriptionID string) (*storage.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.verdicts) - 1; i >= 0; i-- {
		if s.verdicts[i].PrescriptionID == prescriptionID {
			rec := *s.verdicts[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("verdict for %s: %w", prescriptionID, storage.ErrNotFound)
}

// Verdicts pages through all verdicts by sequence.
func (s *Store) Verdicts(_ context.Context, afterSeq int64, limit int) ([]*storage.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.VerdictRecord
	for _, v := range s.verdicts {
		if v.Seq <= afterSeq {
			continue
		}
		rec := *v
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Artifact returns the retention artifact for a record.
func (s *Store) Artifact(_ context.Context, collection, originalID string) (*storage.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[artifactKey{collection, originalID}]
	if !ok {
		return nil, fmt.Errorf("artifact %s/%s: %w", collection, originalID, storage.ErrNotFound)
	}
	c := *a
	return &c, nil
}

// ArtifactCount returns the number of committed artifacts.
func (s *Store) ArtifactCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// InTx runs fn with the write lock held. Staged writes are applied only when
// fn returns nil and ctx is still live.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:             s,
		entries:       make(map[ledger.Table][]*ledger.Entry),
		prescriptions: make(map[string]*prescription.Prescription),
		artifacts:     make(map[artifactKey]*storage.Artifact),
	}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("commit: %w", err)
	}
	tx.commit()
	return nil
}

type memTx struct {
	s *Store

	entries       map[ledger.Table][]*ledger.Entry
	prescriptions map[string]*prescription.Prescription
	verdicts      []*storage.VerdictRecord
	artifacts     map[artifactKey]*storage.Artifact
	artifactOrder []artifactKey

	// undo restores caller-visible versions when the unit does not commit.
	undo []func()
}

func (t *memTx) AppendEntry(_ context.Context, e *ledger.Entry) (*ledger.Entry, error) {
	if !e.Table.Valid() {
		return nil, fmt.Errorf("append entry: unknown table %q", e.Table)
	}
	stored := e.Clone()
	stored.Seq = int64(len(t.s.entries[e.Table])+len(t.entries[e.Table])) + 1
	stored.Verified = false
	stored.VerifiedAt = nil
	t.entries[e.Table] = append(t.entries[e.Table], stored)
	return stored.Clone(), nil
}

func (t *memTx) Prescription(_ context.Context, id string) (*prescription.Prescription, error) {
	if p, ok := t.prescriptions[id]; ok {
		return p.Clone(), nil
	}
	p, ok := t.s.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, storage.ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *memTx) CreatePrescription(_ context.Context, p *prescription.Prescription) error {
	_, committed := t.s.prescriptions[p.ID]
	if _, staged := t.prescriptions[p.ID]; committed || staged {
		return fmt.Errorf("create prescription %s: already exists", p.ID)
	}
	t.setVersion(p, 1)
	t.prescriptions[p.ID] = p.Clone()
	return nil
}

func (t *memTx) UpdatePrescription(_ context.Context, p *prescription.Prescription) error {
	current, ok := t.prescriptions[p.ID]
	if !ok {
		current, ok = t.s.prescriptions[p.ID]
	}
	if !ok {
		return fmt.Errorf("update prescription %s: %w", p.ID, storage.ErrNotFound)
	}
	if current.Version != p.Version {
		return fmt.Errorf("update prescription %s at version %d (current %d): %w",
			p.ID, p.Version, current.Version, prescription.ErrStaleLifecycleState)
	}
	t.setVersion(p, p.Version+1)
	t.prescriptions[p.ID] = p.Clone()
	return nil
}

func (t *memTx) setVersion(p *prescription.Prescription, v int64) {
	prev := p.Version
	t.undo = append(t.undo, func() { p.Version = prev })
	p.Version = v
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) AppendVerdict(_ context.Context, v *compliance.Verdict) (*storage.VerdictRecord, error) {
	rec := &storage.VerdictRecord{
		Seq:            int64(len(t.s.verdicts)+len(t.verdicts)) + 1,
		PrescriptionID: v.PrescriptionID,
		Verdict:        *v,
		CreatedAt:      t.s.now().UTC(),
	}
	t.verdicts = append(t.verdicts, rec)
	out := *rec
	return &out, nil
}

func (t *memTx) HasArtifact(_ context.Context, collection, originalID string) (bool, error) {
	key := artifactKey{collection, originalID}
	if _, ok := t.artifacts[key]; ok {
		return true, nil
	}
	_, ok := t.s.artifacts[key]
	return ok, nil
}

func (t *memTx) PutArtifact(ctx context.Context, a *storage.Artifact) error {
	exists, _ := t.HasArtifact(ctx, a.Collection, a.OriginalID)
	if exists {
		return fmt.Errorf("artifact %s/%s: %w", a.Collection, a.OriginalID, storage.ErrArtifactExists)
	}
	key := artifactKey{a.Collection, a.OriginalID}
	c := *a
	if c.ArchivedAt.IsZero() {
		c.ArchivedAt = t.s.now().UTC()
	}
	t.artifacts[key] = &c
	t.artifactOrder = append(t.artifactOrder, key)
	return nil
}

func (t *memTx) commit() {
	for table, staged := range t.entries {
		t.s.entries[table] = append(t.s.entries[table], staged...)
	}
	for id, p := range t.prescriptions {
		t.s.prescriptions[id] = p
	}
	t.s.verdicts = append(t.s.verdicts, t.verdicts...)
	for _, key := range t.artifactOrder {
		t.s.artifactSeq++
		a := t.artifacts[key]
		a.ID = t.s.artifactSeq
		t.s.artifacts[key] = a
	}
}
