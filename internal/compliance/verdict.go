package compliance

import "time"

// Category groups related rules in a verdict.
type Category string

const (
	CategoryPrescriber          Category = "prescriber"
	CategoryPatient             Category = "patient"
	CategoryMedication          Category = "medication"
	CategoryControlledSubstance Category = "controlled_substance"
	CategoryValidity            Category = "validity"
	CategoryInteractions        Category = "interactions"
	CategoryAllergies           Category = "allergies"
	CategoryDuplicateTherapy    Category = "duplicate_therapy"
)

// Categories lists every category in evaluation order.
var Categories = []Category{
	CategoryPrescriber,
	CategoryPatient,
	CategoryMedication,
	CategoryControlledSubstance,
	CategoryValidity,
	CategoryInteractions,
	CategoryAllergies,
	CategoryDuplicateTherapy,
}

// Issue codes callers may match on.
const (
	IssuePrescriberNotFound    = "prescriber_not_found"
	IssuePrescriberInactive    = "prescriber_inactive"
	IssuePrescriberUnverified  = "prescriber_unverified"
	IssueLicenseExpired        = "license_expired"
	IssueInvalidNPI            = "invalid_npi"
	IssueDEAMissing            = "dea_missing"
	IssueDEAFormat             = "dea_invalid_format"
	IssueDEAChecksum           = "dea_invalid_checksum"
	IssueDEAExpired            = "dea_expired"
	IssueScheduleNotAuthorized = "schedule_not_authorized"
	IssueScheduleIProhibited   = "schedule_i_prohibited"
	IssuePatientNotFound       = "patient_not_found"
	IssuePatientInactive       = "patient_inactive"
	IssuePatientNameMismatch   = "patient_name_mismatch"
	IssuePatientDOBMismatch    = "patient_dob_mismatch"
	IssueInvalidQuantity       = "invalid_quantity"
	IssueInvalidDaySupply      = "invalid_day_supply"
	IssueDailyDoseExceeded     = "daily_dose_exceeded"
	IssueProductNotInCatalog   = "product_not_in_catalog"
	IssueNDCMismatch           = "ndc_mismatch"
	IssueNameMismatch          = "drug_name_mismatch"
	IssueStrengthMismatch      = "strength_mismatch"
	IssueScheduleMismatch      = "schedule_mismatch"
	IssueScheduleIIRefills     = "schedule_ii_refills_forbidden"
	IssueScheduleIIDaySupply   = "schedule_ii_day_supply_exceeded"
	IssueRefillCeilingExceeded = "refill_ceiling_exceeded"
	IssueControlledAgeExceeded = "controlled_age_exceeded"
	IssuePrescriptionExpired   = "prescription_expired"
	IssueDateWrittenInFuture   = "date_written_in_future"
	IssuePrescriptionTooOld    = "prescription_too_old"
	IssueDrugInteraction       = "drug_interaction"
	IssueAllergyExactMatch     = "allergy_exact_match"
	IssueAllergyPossibleMatch  = "allergy_possible_match"
	IssueDuplicateTherapy      = "duplicate_therapy"
)

// Finding is one failed rule. Blocking findings are issues; the rest are
// warnings.
type Finding struct {
	Category Category `json:"category"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Blocking bool     `json:"blocking"`
}

// CategoryResult is the outcome of one category of rules.
type CategoryResult struct {
	Category   Category        `json:"category"`
	Applicable bool            `json:"applicable"`
	Passed     bool            `json:"passed"`
	Checks     map[string]bool `json:"checks"`
	Issues     []Finding       `json:"issues"`
	Warnings   []Finding       `json:"warnings"`
}

// Verdict is the immutable result of one evaluation.
type Verdict struct {
	ID             string           `json:"id"`
	PrescriptionID string           `json:"prescription_id"`
	Passed         bool             `json:"passed"`
	Results        []CategoryResult `json:"results"`
	Issues         []Finding        `json:"issues"`
	Warnings       []Finding        `json:"warnings"`
	EvaluatedAt    time.Time        `json:"evaluated_at"`
}

// Result returns the result for c.
func (v *Verdict) Result(c Category) (CategoryResult, bool) {
	for _, r := range v.Results {
		if r.Category == c {
			return r, true
		}
	}
	return CategoryResult{}, false
}

// HasIssue reports whether a blocking finding with code is present.
func (v *Verdict) HasIssue(code string) bool {
	for _, f := range v.Issues {
		if f.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a non-blocking finding with code is present.
func (v *Verdict) HasWarning(code string) bool {
	for _, f := range v.Warnings {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Check returns a named boolean check from category c.
func (v *Verdict) Check(c Category, name string) (value, ok bool) {
	r, found := v.Result(c)
	if !found {
		return false, false
	}
	value, ok = r.Checks[name]
	return value, ok
}

// IssueCodes returns the codes of every blocking finding.
func (v *Verdict) IssueCodes() []string {
	codes := make([]string, len(v.Issues))
	for i, f := range v.Issues {
		codes[i] = f.Code
	}
	return codes
}
