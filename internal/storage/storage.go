// Package storage defines the transactional persistence contract shared by
// the ledger, lifecycle and retention components.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrArtifactExists is returned when a retention artifact already exists
	// for the same collection and original id.
	ErrArtifactExists = errors.New("retention artifact already exists")
)

// Retention-managed collections.
const (
	CollectionGeneralAudit       = "general_audit"
	CollectionPrescriptionAudit  = "prescription_audit"
	CollectionComplianceVerdicts = "compliance_verdicts"
)

// VerdictRecord is one persisted compliance evaluation.
type VerdictRecord struct {
	Seq            int64              `json:"seq"`
	PrescriptionID string             `json:"prescription_id"`
	Verdict        compliance.Verdict `json:"verdict"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ArtifactKind distinguishes archive snapshots from deletion marks.
type ArtifactKind string

const (
	ArtifactArchive      ArtifactKind = "archive"
	ArtifactDeletionMark ArtifactKind = "deletion_mark"
)

// Artifact is a side record written by retention cleanup. Originals are never
// modified; artifacts are unique per collection and original id.
type Artifact struct {
	ID              int64                 `json:"id"`
	Collection      string                `json:"collection"`
	OriginalID      string                `json:"original_id"`
	Kind            ArtifactKind          `json:"kind"`
	Snapshot        json.RawMessage       `json:"snapshot,omitempty"`
	Reason          string                `json:"reason"`
	RetentionClass  ledger.RetentionClass `json:"retention_class"`
	RecordCreatedAt time.Time             `json:"record_created_at"`
	ExpiredAt       time.Time             `json:"expired_at"`
	ArchivedAt      time.Time             `json:"archived_at"`
}

// Reader exposes committed state.
type Reader interface {
	// Entry and Entries satisfy the read half of ledger.Store.
	Entry(ctx context.Context, table ledger.Table, seq int64) (*ledger.Entry, error)
	Entries(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error)

	Prescription(ctx context.Context, id string) (*prescription.Prescription, error)
	Refills(ctx context.Context, parentID string) ([]*prescription.Prescription, error)
	// DispensedMedications returns the patient's prescriptions dispensed at
	// or after since, as rule-engine medications.
	DispensedMedications(ctx context.Context, patientID string, since time.Time) ([]compliance.Medication, error)

	LatestVerdict(ctx context.Context, prescriptionID string) (*VerdictRecord, error)
	// Verdicts returns up to limit verdicts with Seq > afterSeq in ascending order.
	Verdicts(ctx context.Context, afterSeq int64, limit int) ([]*VerdictRecord, error)

	Artifact(ctx context.Context, collection, originalID string) (*Artifact, error)
}

// Tx is one atomic unit of writes. Nothing written through a Tx is visible
// to readers until the unit commits, and all of it is discarded on rollback.
type Tx interface {
	AppendEntry(ctx context.Context, e *ledger.Entry) (*ledger.Entry, error)

	// Prescription reads the current row, including writes staged in this Tx.
	Prescription(ctx context.Context, id string) (*prescription.Prescription, error)
	// CreatePrescription inserts p at version 1.
	CreatePrescription(ctx context.Context, p *prescription.Prescription) error
	// UpdatePrescription writes p if the stored version equals p.Version and
	// bumps p.Version; otherwise it returns prescription.ErrStaleLifecycleState.
	// Versions set on p by either call are restored if the unit rolls back.
	UpdatePrescription(ctx context.Context, p *prescription.Prescription) error

	AppendVerdict(ctx context.Context, v *compliance.Verdict) (*VerdictRecord, error)

	HasArtifact(ctx context.Context, collection, originalID string) (bool, error)
	// PutArtifact inserts a; it returns ErrArtifactExists on a duplicate key.
	PutArtifact(ctx context.Context, a *Artifact) error
}

// Store is the full persistence surface. It also satisfies ledger.Store, so
// standalone ledger appends commit in their own unit.
type Store interface {
	Reader
	AppendEntry(ctx context.Context, e *ledger.Entry) (*ledger.Entry, error)
	// InTx runs fn in one atomic unit, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}

var _ ledger.Store = Store(nil)
