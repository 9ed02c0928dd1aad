package prescription

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
)

// Intake is the data captured when a prescription is received.
type Intake struct {
	PatientID         string              `json:"patient_id"`
	PatientName       string              `json:"patient_name"`
	PatientDOB        time.Time           `json:"patient_dob"`
	PrescriberID      string              `json:"prescriber_id"`
	ProductID         string              `json:"product_id"`
	DrugName          string              `json:"drug_name"`
	NDC               string              `json:"ndc"`
	Strength          string              `json:"strength"`
	Schedule          compliance.Schedule `json:"schedule"`
	Quantity          float64             `json:"quantity"`
	DaySupply         int                 `json:"day_supply"`
	RefillsAuthorized int                 `json:"refills_authorized"`
	DirectionsText    string              `json:"directions"`
	DateWritten       time.Time           `json:"date_written"`
}

// Validate checks that the intake carries every required field.
func (in Intake) Validate() error {
	var missing []string
	if in.PatientID == "" {
		missing = append(missing, "patient_id")
	}
	if in.PrescriberID == "" {
		missing = append(missing, "prescriber_id")
	}
	if in.DrugName == "" {
		missing = append(missing, "drug_name")
	}
	if in.DateWritten.IsZero() {
		missing = append(missing, "date_written")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPrescription, strings.Join(missing, ", "))
	}
	if in.RefillsAuthorized < 0 {
		return fmt.Errorf("%w: refills_authorized must not be negative", ErrInvalidPrescription)
	}
	if in.Schedule != "" && in.Schedule != compliance.ScheduleNone && !in.Schedule.Controlled() {
		return fmt.Errorf("%w: unknown schedule %q", ErrInvalidPrescription, in.Schedule)
	}
	return nil
}

// New builds a received, pending prescription. The expiration date is fixed
// here from the date written and schedule and never recomputed.
func New(id, number string, in Intake, now time.Time) (*Prescription, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	schedule := in.Schedule
	if schedule == "" {
		schedule = compliance.ScheduleNone
	}
	now = now.UTC()
	return &Prescription{
		ID:                id,
		Number:            number,
		PatientID:         in.PatientID,
		PatientName:       in.PatientName,
		PatientDOB:        in.PatientDOB,
		PrescriberID:      in.PrescriberID,
		ProductID:         in.ProductID,
		DrugName:          in.DrugName,
		NDC:               in.NDC,
		Strength:          in.Strength,
		Schedule:          schedule,
		Quantity:          in.Quantity,
		DaySupply:         in.DaySupply,
		DirectionsText:    in.DirectionsText,
		RefillsAuthorized: in.RefillsAuthorized,
		RefillsRemaining:  in.RefillsAuthorized,
		Verification:      VerificationPending,
		Processing:        ProcessingReceived,
		DateWritten:       in.DateWritten,
		DateReceived:      now,
		ExpirationDate:    compliance.ExpirationFor(in.DateWritten, schedule),
		Flags:             []Tag{},
		Alerts:            []Tag{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// NewRefill builds refill number seq of original. The refill inherits the
// original's prescription data and verification; processing restarts.
func NewRefill(id, number string, seq int, original *Prescription, now time.Time) (*Prescription, error) {
	if original.IsRefill() {
		return nil, fmt.Errorf("%w: refills are created from the original prescription", ErrInvalidTransition)
	}
	if original.RefillsRemaining <= 0 {
		return nil, fmt.Errorf("prescription %s: %w", original.Number, ErrNoRefillsRemaining)
	}
	if original.Verification != VerificationVerified {
		return nil, fmt.Errorf("%w: original prescription is %s", ErrInvalidTransition, original.Verification)
	}
	if original.Expired(now) {
		return nil, fmt.Errorf("prescription %s: %w", original.Number, ErrPrescriptionExpired)
	}

	now = now.UTC()
	r := original.Clone()
	r.ID = id
	r.Number = number
	r.ParentID = original.ID
	r.RefillNumber = seq
	// Refill records carry no refill authorization of their own.
	r.RefillsAuthorized = 0
	r.RefillsUsed = 0
	r.RefillsRemaining = 0
	r.Verification = VerificationVerified
	r.Processing = ProcessingReceived
	r.DateReceived = now
	r.DateFilled = nil
	r.DateDispensed = nil
	r.Compliance = nil
	r.Flags = []Tag{}
	r.Alerts = []Tag{}
	r.Version = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, nil
}

// AwaitingDispense reports whether p is a refill record that will still
// consume one of its original's refills when dispensed.
func (p *Prescription) AwaitingDispense() bool {
	if !p.IsRefill() || p.Verification == VerificationRejected {
		return false
	}
	switch p.Processing {
	case ProcessingReceived, ProcessingInQueue, ProcessingFilling, ProcessingReady:
		return true
	}
	return false
}

// CheckRefillCapacity fails with ErrNoRefillsRemaining when the refill
// records already issued against original and not yet dispensed account for
// every refill it has left.
func CheckRefillCapacity(original *Prescription, issued []*Prescription) error {
	pending := 0
	for _, r := range issued {
		if r.ParentID == original.ID && r.AwaitingDispense() {
			pending++
		}
	}
	if pending >= original.RefillsRemaining {
		return fmt.Errorf("prescription %s: %d of %d remaining refills already issued: %w",
			original.Number, pending, original.RefillsRemaining, ErrNoRefillsRemaining)
	}
	return nil
}
