// Package compliance evaluates prescriptions against prescriber credential,
// controlled-substance, validity and clinical safety rules. Evaluation is a
// pure function of its input; the caller loads context and persists verdicts.
package compliance

import (
	"strings"
	"time"
)

// Snapshot is the prescription state a verdict is computed from.
type Snapshot struct {
	ID           string
	Number       string
	ParentID     string
	PatientID    string
	PrescriberID string
	ProductID    string

	// Patient identity as recorded on the prescription.
	PatientName string
	PatientDOB  time.Time

	DrugName string
	NDC      string
	Strength string
	Schedule Schedule

	Quantity          float64
	DaySupply         int
	RefillsAuthorized int

	DateWritten    time.Time
	ExpirationDate time.Time
}

// FamilyID identifies the original prescription a refill chain hangs off.
func (s Snapshot) FamilyID() string {
	if s.ParentID != "" {
		return s.ParentID
	}
	return s.ID
}

// Prescriber is the credential record of the writing prescriber.
type Prescriber struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	NPI                string    `json:"npi"`
	DEANumber          string    `json:"dea_number,omitempty"`
	DEAExpiration      time.Time `json:"dea_expiration,omitempty"`
	AuthorizedSchedule Schedule  `json:"authorized_schedule"`
	LicenseNumber      string    `json:"license_number"`
	LicenseExpiration  time.Time `json:"license_expiration"`
	Active             bool      `json:"active"`
	Verified           bool      `json:"verified"`
}

// Patient is the patient master record.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	DOB       time.Time `json:"dob"`
	Active    bool      `json:"active"`
	Allergies []string  `json:"allergies,omitempty"`
}

// Product is the catalog entry for a dispensable drug.
type Product struct {
	ID       string   `json:"id"`
	NDC      string   `json:"ndc"`
	Name     string   `json:"name"`
	Strength string   `json:"strength"`
	Schedule Schedule `json:"schedule"`
}

// Medication is a dispensed prescription of the same patient, used for
// interaction, duplicate-therapy and allergy screening.
type Medication struct {
	PrescriptionID   string    `json:"prescription_id"`
	FamilyID         string    `json:"family_id"`
	DrugName         string    `json:"drug_name"`
	NDC              string    `json:"ndc"`
	DispensedAt      time.Time `json:"dispensed_at"`
	RefillsRemaining int       `json:"refills_remaining"`
}

// Input bundles everything one evaluation needs. Nil context records are
// reported as not found.
type Input struct {
	Prescription      Snapshot
	Prescriber        *Prescriber
	Patient           *Patient
	Product           *Product
	ActiveMedications []Medication
	Now               time.Time
}

// InteractionRule flags a drug pair. Names match case-insensitively as
// substrings of the drug names, in either order.
type InteractionRule struct {
	DrugA       string `json:"drug_a" mapstructure:"drug_a"`
	DrugB       string `json:"drug_b" mapstructure:"drug_b"`
	Description string `json:"description" mapstructure:"description"`
}

func (r InteractionRule) matches(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	x, y := strings.ToLower(r.DrugA), strings.ToLower(r.DrugB)
	if x == "" || y == "" {
		return false
	}
	return (strings.Contains(a, x) && strings.Contains(b, y)) ||
		(strings.Contains(a, y) && strings.Contains(b, x))
}

// DefaultInteractions is a small table of well-known interacting pairs.
func DefaultInteractions() []InteractionRule {
	return []InteractionRule{
		{DrugA: "warfarin", DrugB: "aspirin", Description: "increased bleeding risk"},
		{DrugA: "warfarin", DrugB: "ibuprofen", Description: "increased bleeding risk"},
		{DrugA: "simvastatin", DrugB: "clarithromycin", Description: "rhabdomyolysis risk"},
		{DrugA: "sildenafil", DrugB: "nitroglycerin", Description: "severe hypotension"},
		{DrugA: "methotrexate", DrugB: "trimethoprim", Description: "bone marrow suppression"},
		{DrugA: "oxycodone", DrugB: "alprazolam", Description: "opioid and benzodiazepine respiratory depression"},
		{DrugA: "hydrocodone", DrugB: "alprazolam", Description: "opioid and benzodiazepine respiratory depression"},
		{DrugA: "lisinopril", DrugB: "spironolactone", Description: "hyperkalemia"},
	}
}
