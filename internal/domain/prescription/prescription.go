// Package prescription implements the prescription record and its
// verification and processing state machines.
package prescription

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
)

var (
	// ErrStaleLifecycleState is returned when a write targets a version that
	// is no longer current. Callers refetch and retry.
	ErrStaleLifecycleState = errors.New("stale prescription lifecycle state")
	// ErrNoRefillsRemaining is returned when a refill is requested or
	// dispensed with no refills left on the original prescription.
	ErrNoRefillsRemaining = errors.New("no refills remaining")
	// ErrPrescriptionExpired is returned when an expired prescription would
	// be advanced.
	ErrPrescriptionExpired = errors.New("prescription expired")
	// ErrInvalidTransition is returned for actions not allowed from the
	// current state.
	ErrInvalidTransition = errors.New("invalid prescription state transition")
	// ErrInvalidPrescription is returned when intake data is incomplete.
	ErrInvalidPrescription = errors.New("invalid prescription")
)

// VerificationStatus is the pharmacist review state.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationInReview VerificationStatus = "in_review"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
	VerificationOnHold   VerificationStatus = "on_hold"
)

// ProcessingStatus is the fulfilment pipeline state.
type ProcessingStatus string

const (
	ProcessingReceived    ProcessingStatus = "received"
	ProcessingInQueue     ProcessingStatus = "in_queue"
	ProcessingFilling     ProcessingStatus = "filling"
	ProcessingReady       ProcessingStatus = "ready"
	ProcessingDispensed   ProcessingStatus = "dispensed"
	ProcessingReturned    ProcessingStatus = "returned"
	ProcessingTransferred ProcessingStatus = "transferred"
)

// Tag is an entry in the append-only flag and alert lists.
type Tag struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Prescription is the regulated work item. Version increments on every
// persisted change and guards concurrent writers.
type Prescription struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	ParentID     string `json:"parent_id,omitempty"`
	RefillNumber int    `json:"refill_number"`

	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	PatientDOB   time.Time `json:"patient_dob"`
	PrescriberID string    `json:"prescriber_id"`
	ProductID    string    `json:"product_id,omitempty"`

	DrugName       string              `json:"drug_name"`
	NDC            string              `json:"ndc"`
	Strength       string              `json:"strength"`
	Schedule       compliance.Schedule `json:"schedule"`
	Quantity       float64             `json:"quantity"`
	DaySupply      int                 `json:"day_supply"`
	DirectionsText string              `json:"directions,omitempty"`

	RefillsAuthorized int `json:"refills_authorized"`
	RefillsUsed       int `json:"refills_used"`
	RefillsRemaining  int `json:"refills_remaining"`

	Verification VerificationStatus `json:"verification_status"`
	Processing   ProcessingStatus   `json:"processing_status"`

	DateWritten    time.Time  `json:"date_written"`
	DateReceived   time.Time  `json:"date_received"`
	DateFilled     *time.Time `json:"date_filled,omitempty"`
	DateDispensed  *time.Time `json:"date_dispensed,omitempty"`
	ExpirationDate time.Time  `json:"expiration_date"`

	Compliance *compliance.Verdict `json:"compliance,omitempty"`
	Flags      []Tag               `json:"flags"`
	Alerts     []Tag               `json:"alerts"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRefill reports whether p was created from another prescription.
func (p *Prescription) IsRefill() bool { return p.ParentID != "" }

// FamilyID is the id of the original prescription of p's refill chain.
func (p *Prescription) FamilyID() string {
	if p.ParentID != "" {
		return p.ParentID
	}
	return p.ID
}

// Expired reports whether p is past its expiration at now.
func (p *Prescription) Expired(now time.Time) bool {
	return !p.ExpirationDate.IsZero() && now.After(p.ExpirationDate)
}

// Snapshot returns the rule-engine view of p.
func (p *Prescription) Snapshot() compliance.Snapshot {
	return compliance.Snapshot{
		ID:                p.ID,
		Number:            p.Number,
		ParentID:          p.ParentID,
		PatientID:         p.PatientID,
		PrescriberID:      p.PrescriberID,
		ProductID:         p.ProductID,
		PatientName:       p.PatientName,
		PatientDOB:        p.PatientDOB,
		DrugName:          p.DrugName,
		NDC:               p.NDC,
		Strength:          p.Strength,
		Schedule:          p.Schedule,
		Quantity:          p.Quantity,
		DaySupply:         p.DaySupply,
		RefillsAuthorized: p.RefillsAuthorized,
		DateWritten:       p.DateWritten,
		ExpirationDate:    p.ExpirationDate,
	}
}

// CheckInvariants validates the refill counters and the dispense guard.
func (p *Prescription) CheckInvariants() error {
	if p.RefillsUsed < 0 || p.RefillsRemaining < 0 {
		return fmt.Errorf("%w: negative refill counters", ErrInvalidPrescription)
	}
	if p.RefillsRemaining+p.RefillsUsed != p.RefillsAuthorized {
		return fmt.Errorf("%w: refills remaining %d + used %d != authorized %d",
			ErrInvalidPrescription, p.RefillsRemaining, p.RefillsUsed, p.RefillsAuthorized)
	}
	if p.Processing == ProcessingDispensed && p.Verification != VerificationVerified {
		return fmt.Errorf("%w: dispensed without verification", ErrInvalidPrescription)
	}
	return nil
}

// ConsumeRefill records one refill against p, which must be an original.
func (p *Prescription) ConsumeRefill() error {
	if p.IsRefill() {
		return fmt.Errorf("%w: refills are consumed on the original prescription", ErrInvalidTransition)
	}
	if p.RefillsRemaining <= 0 {
		return fmt.Errorf("prescription %s: %w", p.Number, ErrNoRefillsRemaining)
	}
	p.RefillsUsed++
	p.RefillsRemaining = p.RefillsAuthorized - p.RefillsUsed
	return nil
}

// AddFlag appends a flag unless one with code is already present. It reports
// whether the flag was added.
func (p *Prescription) AddFlag(code, msg string, at time.Time) bool {
	return appendTag(&p.Flags, Tag{Code: code, Message: msg, At: at})
}

// AddAlert appends an alert unless one with code is already present. It
// reports whether the alert was added.
func (p *Prescription) AddAlert(code, msg string, at time.Time) bool {
	return appendTag(&p.Alerts, Tag{Code: code, Message: msg, At: at})
}

func appendTag(tags *[]Tag, t Tag) bool {
	for _, existing := range *tags {
		if existing.Code == t.Code {
			return false
		}
	}
	*tags = append(*tags, t)
	return true
}

// Clone returns a deep copy of p.
func (p *Prescription) Clone() *Prescription {
	c := *p
	if p.DateFilled != nil {
		t := *p.DateFilled
		c.DateFilled = &t
	}
	if p.DateDispensed != nil {
		t := *p.DateDispensed
		c.DateDispensed = &t
	}
	if p.Compliance != nil {
		v := *p.Compliance
		c.Compliance = &v
	}
	c.Flags = slices.Clone(p.Flags)
	c.Alerts = slices.Clone(p.Alerts)
	return &c
}
