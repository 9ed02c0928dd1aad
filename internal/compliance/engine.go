package compliance

import (
	"fmt"
	"strings"
	"time"
)

// Config holds rule engine thresholds.
type Config struct {
	// MaxDailyUnits is the sanity ceiling on quantity / day supply.
	MaxDailyUnits float64
	// ActiveWindowDays bounds how recently a medication must have been
	// dispensed to count as active.
	ActiveWindowDays int
	Interactions     []InteractionRule
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDailyUnits:    12,
		ActiveWindowDays: 90,
		Interactions:     DefaultInteractions(),
	}
}

// Engine evaluates prescriptions. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine, filling unset thresholds from DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxDailyUnits <= 0 {
		cfg.MaxDailyUnits = def.MaxDailyUnits
	}
	if cfg.ActiveWindowDays <= 0 {
		cfg.ActiveWindowDays = def.ActiveWindowDays
	}
	if cfg.Interactions == nil {
		cfg.Interactions = def.Interactions
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate runs every rule category against in. No category short-circuits
// another, so the verdict always carries the complete set of findings.
func (e *Engine) Evaluate(in Input) Verdict {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	active := ActiveSet(in.Prescription, in.ActiveMedications, now, e.cfg.ActiveWindowDays)

	v := Verdict{
		PrescriptionID: in.Prescription.ID,
		EvaluatedAt:    now,
		Results: []CategoryResult{
			e.checkPrescriber(in, now),
			e.checkPatient(in),
			e.checkMedication(in),
			e.checkControlled(in, now),
			e.checkValidity(in, now),
			e.checkInteractions(in, active),
			e.checkAllergies(in),
			e.checkDuplicateTherapy(in, active),
		},
		Issues:   []Finding{},
		Warnings: []Finding{},
	}
	for _, r := range v.Results {
		v.Issues = append(v.Issues, r.Issues...)
		v.Warnings = append(v.Warnings, r.Warnings...)
	}
	v.Passed = len(v.Issues) == 0
	return v
}

// ActiveSet filters meds to the patient's active medications: dispensed
// within windowDays of now with refills remaining, excluding the evaluated
// prescription and its refill family.
func ActiveSet(target Snapshot, meds []Medication, now time.Time, windowDays int) []Medication {
	cutoff := now.AddDate(0, 0, -windowDays)
	family := target.FamilyID()
	var out []Medication
	for _, m := range meds {
		if m.PrescriptionID == target.ID || (family != "" && m.FamilyID == family) {
			continue
		}
		if m.DispensedAt.IsZero() || m.DispensedAt.Before(cutoff) || m.DispensedAt.After(now) {
			continue
		}
		if m.RefillsRemaining <= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ExpirationFor derives the expiration of a prescription written at written
// for schedule s.
func ExpirationFor(written time.Time, s Schedule) time.Time {
	return written.AddDate(0, 0, s.AgeCeilingDays())
}

type resultBuilder struct {
	r CategoryResult
}

func newResult(c Category, applicable bool) *resultBuilder {
	return &resultBuilder{r: CategoryResult{
		Category:   c,
		Applicable: applicable,
		Checks:     map[string]bool{},
		Issues:     []Finding{},
		Warnings:   []Finding{},
	}}
}

// check records a named boolean and raises a blocking issue when it fails.
func (b *resultBuilder) check(name string, ok bool, code, msg string) bool {
	b.r.Checks[name] = ok
	if !ok && code != "" {
		b.issue(code, msg)
	}
	return ok
}

func (b *resultBuilder) issue(code, msg string) {
	b.r.Issues = append(b.r.Issues, Finding{Category: b.r.Category, Code: code, Message: msg, Blocking: true})
}

func (b *resultBuilder) warn(code, msg string) {
	b.r.Warnings = append(b.r.Warnings, Finding{Category: b.r.Category, Code: code, Message: msg})
}

func (b *resultBuilder) done() CategoryResult {
	b.r.Passed = len(b.r.Issues) == 0
	return b.r
}

func (e *Engine) checkPrescriber(in Input, now time.Time) CategoryResult {
	b := newResult(CategoryPrescriber, true)
	p := in.Prescriber
	rx := in.Prescription
	if !b.check("found", p != nil, IssuePrescriberNotFound, fmt.Sprintf("prescriber %s not found", rx.PrescriberID)) {
		return b.done()
	}

	b.check("active", p.Active, IssuePrescriberInactive, "prescriber is not active")
	b.check("verified", p.Verified, IssuePrescriberUnverified, "prescriber credentials are not verified")
	b.check("license_valid", !p.LicenseExpiration.IsZero() && !now.After(p.LicenseExpiration),
		IssueLicenseExpired, "prescriber license is expired or missing")
	b.check("npi_valid", ValidNPI(p.NPI), IssueInvalidNPI, fmt.Sprintf("NPI %q fails checksum", p.NPI))

	if !rx.Schedule.Controlled() {
		return b.done()
	}

	if p.DEANumber == "" {
		b.issue(IssueDEAMissing, "controlled substance requires a prescriber DEA number")
	}
	format := b.check("dea_format_valid", ValidDEAFormat(p.DEANumber), "", "")
	checksum := b.check("dea_checksum_valid", ValidDEAChecksum(p.DEANumber), "", "")
	if p.DEANumber != "" && !format {
		b.issue(IssueDEAFormat, fmt.Sprintf("DEA number %q is malformed", p.DEANumber))
	} else if p.DEANumber != "" && !checksum {
		b.issue(IssueDEAChecksum, fmt.Sprintf("DEA number %q fails checksum", p.DEANumber))
	}
	unexpired := !p.DEAExpiration.IsZero() && !now.After(p.DEAExpiration)
	b.check("dea_unexpired", unexpired, "", "")
	if p.DEANumber != "" && !unexpired {
		b.issue(IssueDEAExpired, "prescriber DEA registration is expired")
	}
	b.check("dea_valid", format && checksum && unexpired, "", "")

	b.check("schedule_authorized", p.AuthorizedSchedule.Authorizes(rx.Schedule), IssueScheduleNotAuthorized,
		fmt.Sprintf("prescriber registered for schedule %s cannot prescribe schedule %s", p.AuthorizedSchedule, rx.Schedule))
	return b.done()
}

func (e *Engine) checkPatient(in Input) CategoryResult {
	b := newResult(CategoryPatient, true)
	p := in.Patient
	rx := in.Prescription
	if !b.check("found", p != nil, IssuePatientNotFound, fmt.Sprintf("patient %s not found", rx.PatientID)) {
		return b.done()
	}
	b.check("active", p.Active, IssuePatientInactive, "patient record is not active")
	// Exact, case-sensitive comparison.
	b.check("name_match", rx.PatientName == p.Name, IssuePatientNameMismatch,
		"patient name on prescription does not match patient record")
	b.check("dob_match", sameDate(rx.PatientDOB, p.DOB), IssuePatientDOBMismatch,
		"patient date of birth on prescription does not match patient record")
	return b.done()
}

func (e *Engine) checkMedication(in Input) CategoryResult {
	b := newResult(CategoryMedication, true)
	rx := in.Prescription

	qty := b.check("quantity_positive", rx.Quantity > 0, IssueInvalidQuantity, "quantity must be positive")
	days := b.check("day_supply_positive", rx.DaySupply > 0, IssueInvalidDaySupply, "day supply must be positive")
	if qty && days {
		daily := rx.Quantity / float64(rx.DaySupply)
		b.check("daily_dose_within_limit", daily <= e.cfg.MaxDailyUnits, IssueDailyDoseExceeded,
			fmt.Sprintf("%.2f units per day exceeds the %.0f unit ceiling", daily, e.cfg.MaxDailyUnits))
	}

	p := in.Product
	b.r.Checks["in_catalog"] = p != nil
	if p == nil {
		b.warn(IssueProductNotInCatalog, fmt.Sprintf("NDC %s is not in the product catalog", rx.NDC))
		return b.done()
	}
	if normalizeNDC(p.NDC) != normalizeNDC(rx.NDC) {
		b.warn(IssueNDCMismatch, fmt.Sprintf("prescribed NDC %s differs from catalog NDC %s", rx.NDC, p.NDC))
	}
	if !strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(rx.DrugName)) {
		b.warn(IssueNameMismatch, fmt.Sprintf("prescribed drug %q differs from catalog name %q", rx.DrugName, p.Name))
	}
	if normalizeStrength(p.Strength) != normalizeStrength(rx.Strength) {
		b.warn(IssueStrengthMismatch, fmt.Sprintf("prescribed strength %q differs from catalog strength %q", rx.Strength, p.Strength))
	}
	if scheduleOrNone(p.Schedule) != scheduleOrNone(rx.Schedule) {
		b.warn(IssueScheduleMismatch, fmt.Sprintf("prescribed schedule %s differs from catalog schedule %s", rx.Schedule, p.Schedule))
	}
	return b.done()
}

func (e *Engine) checkControlled(in Input, now time.Time) CategoryResult {
	rx := in.Prescription
	b := newResult(CategoryControlledSubstance, rx.Schedule.Controlled())
	if !b.r.Applicable {
		return b.done()
	}

	b.check("schedule_prescribable", rx.Schedule != ScheduleI, IssueScheduleIProhibited,
		"schedule I substances cannot be prescribed")

	if rx.Schedule == ScheduleII {
		b.check("no_refills", rx.RefillsAuthorized == 0, IssueScheduleIIRefills,
			fmt.Sprintf("schedule II prescriptions cannot authorize refills (got %d)", rx.RefillsAuthorized))
		b.check("day_supply_within_limit", rx.DaySupply <= MaxScheduleIIDaySupply, IssueScheduleIIDaySupply,
			fmt.Sprintf("schedule II day supply %d exceeds %d", rx.DaySupply, MaxScheduleIIDaySupply))
	} else {
		ceiling := rx.Schedule.RefillCeiling()
		b.check("refills_within_ceiling", rx.RefillsAuthorized <= ceiling, IssueRefillCeilingExceeded,
			fmt.Sprintf("%d refills exceeds the schedule %s ceiling of %d", rx.RefillsAuthorized, rx.Schedule, ceiling))
	}

	ceiling := rx.Schedule.AgeCeilingDays()
	b.check("age_within_ceiling", !now.After(rx.DateWritten.AddDate(0, 0, ceiling)), IssueControlledAgeExceeded,
		fmt.Sprintf("schedule %s prescriptions are valid for %d days after being written", rx.Schedule, ceiling))
	return b.done()
}

func (e *Engine) checkValidity(in Input, now time.Time) CategoryResult {
	b := newResult(CategoryValidity, true)
	rx := in.Prescription

	exp := rx.ExpirationDate
	if exp.IsZero() {
		exp = ExpirationFor(rx.DateWritten, rx.Schedule)
	}
	b.check("not_expired", !now.After(exp), IssuePrescriptionExpired,
		fmt.Sprintf("prescription expired on %s", exp.Format("2006-01-02")))
	b.check("date_written_valid", !rx.DateWritten.IsZero() && !rx.DateWritten.After(now), IssueDateWrittenInFuture,
		"date written is missing or in the future")
	ceiling := rx.Schedule.AgeCeilingDays()
	b.check("age_within_ceiling", !now.After(rx.DateWritten.AddDate(0, 0, ceiling)), IssuePrescriptionTooOld,
		fmt.Sprintf("prescription is older than %d days", ceiling))
	return b.done()
}

func (e *Engine) checkInteractions(in Input, active []Medication) CategoryResult {
	b := newResult(CategoryInteractions, true)
	drug := in.Prescription.DrugName
	for _, m := range active {
		for _, rule := range e.cfg.Interactions {
			if rule.matches(drug, m.DrugName) {
				b.warn(IssueDrugInteraction, fmt.Sprintf("%s interacts with active medication %s: %s", drug, m.DrugName, rule.Description))
			}
		}
	}
	b.r.Checks["no_interactions"] = len(b.r.Warnings) == 0
	return b.done()
}

func (e *Engine) checkAllergies(in Input) CategoryResult {
	b := newResult(CategoryAllergies, in.Patient != nil)
	if in.Patient == nil {
		return b.done()
	}
	drug := strings.ToLower(strings.TrimSpace(in.Prescription.DrugName))
	exact, possible := false, false
	for _, allergen := range in.Patient.Allergies {
		a := strings.ToLower(strings.TrimSpace(allergen))
		switch {
		case a == "" || drug == "":
		case a == drug:
			exact = true
			b.issue(IssueAllergyExactMatch, fmt.Sprintf("patient is allergic to %s", allergen))
		case strings.Contains(drug, a) || strings.Contains(a, drug):
			possible = true
			b.warn(IssueAllergyPossibleMatch, fmt.Sprintf("%s may match patient allergy %s", in.Prescription.DrugName, allergen))
		}
	}
	b.r.Checks["no_exact_allergy"] = !exact
	b.r.Checks["no_possible_allergy"] = !possible
	return b.done()
}

func (e *Engine) checkDuplicateTherapy(in Input, active []Medication) CategoryResult {
	b := newResult(CategoryDuplicateTherapy, true)
	rx := in.Prescription
	for _, m := range active {
		sameName := strings.EqualFold(strings.TrimSpace(m.DrugName), strings.TrimSpace(rx.DrugName))
		sameNDC := rx.NDC != "" && normalizeNDC(m.NDC) == normalizeNDC(rx.NDC)
		if sameName || sameNDC {
			b.warn(IssueDuplicateTherapy, fmt.Sprintf("patient already has active %s (prescription %s)", m.DrugName, m.PrescriptionID))
		}
	}
	b.r.Checks["no_duplicates"] = len(b.r.Warnings) == 0
	return b.done()
}

func sameDate(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func normalizeNDC(s string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(s))
}

func normalizeStrength(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

func scheduleOrNone(s Schedule) Schedule {
	if s == "" {
		return ScheduleNone
	}
	return s
}
