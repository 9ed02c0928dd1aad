package ledger

// Table names the append-only store an entry lives in.
type Table string

const (
	TableGeneral      Table = "general"
	TablePrescription Table = "prescription"
)

// Valid reports whether t is a known ledger table.
func (t Table) Valid() bool {
	return t == TableGeneral || t == TablePrescription
}

// EventKind enumerates every auditable event.
type EventKind string

const (
	KindLogin               EventKind = "login"
	KindLogout              EventKind = "logout"
	KindAccessDenied        EventKind = "access_denied"
	KindProfileAccess       EventKind = "profile_access"
	KindMedicalRecordAccess EventKind = "medical_record_access"
	KindRecordView          EventKind = "record_view"
	KindRecordCreate        EventKind = "record_create"
	KindRecordUpdate        EventKind = "record_update"
	KindRecordDelete        EventKind = "record_delete"
	KindDataExport          EventKind = "data_export"
	KindPaymentProcessed    EventKind = "payment_processed"
	KindRefundIssued        EventKind = "refund_issued"
	KindInventoryAdjusted   EventKind = "inventory_adjusted"
	KindSystemAction        EventKind = "system_action"
	KindRetentionCleanup    EventKind = "retention_cleanup"
	KindIntegritySweep      EventKind = "integrity_sweep"

	KindPrescriptionCreated     EventKind = "prescription_created"
	KindPrescriptionReviewStart EventKind = "prescription_review_started"
	KindPrescriptionVerified    EventKind = "prescription_verified"
	KindPrescriptionRejected    EventKind = "prescription_rejected"
	KindPrescriptionHeld        EventKind = "prescription_held"
	KindPrescriptionReopened    EventKind = "prescription_reopened"
	KindPrescriptionQueued      EventKind = "prescription_queued"
	KindPrescriptionFilling     EventKind = "prescription_filling"
	KindPrescriptionReady       EventKind = "prescription_ready"
	KindPrescriptionDispensed   EventKind = "prescription_dispensed"
	KindPrescriptionReturned    EventKind = "prescription_returned"
	KindPrescriptionTransferred EventKind = "prescription_transferred"
	KindPrescriptionRefilled    EventKind = "prescription_refill_created"
	KindPrescriptionBlocked     EventKind = "prescription_transition_blocked"
	KindComplianceEvaluated     EventKind = "compliance_evaluated"
)

var prescriptionKinds = map[EventKind]bool{
	KindPrescriptionCreated:     true,
	KindPrescriptionReviewStart: true,
	KindPrescriptionVerified:    true,
	KindPrescriptionRejected:    true,
	KindPrescriptionHeld:        true,
	KindPrescriptionReopened:    true,
	KindPrescriptionQueued:      true,
	KindPrescriptionFilling:     true,
	KindPrescriptionReady:       true,
	KindPrescriptionDispensed:   true,
	KindPrescriptionReturned:    true,
	KindPrescriptionTransferred: true,
	KindPrescriptionRefilled:    true,
	KindPrescriptionBlocked:     true,
	KindComplianceEvaluated:     true,
}

var generalKinds = map[EventKind]bool{
	KindLogin:               true,
	KindLogout:              true,
	KindAccessDenied:        true,
	KindProfileAccess:       true,
	KindMedicalRecordAccess: true,
	KindRecordView:          true,
	KindRecordCreate:        true,
	KindRecordUpdate:        true,
	KindRecordDelete:        true,
	KindDataExport:          true,
	KindPaymentProcessed:    true,
	KindRefundIssued:        true,
	KindInventoryAdjusted:   true,
	KindSystemAction:        true,
	KindRetentionCleanup:    true,
	KindIntegritySweep:      true,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool { return generalKinds[k] || prescriptionKinds[k] }

// IsPrescription reports whether k is a prescription lifecycle event, which
// is stored in the prescription ledger.
func (k EventKind) IsPrescription() bool { return prescriptionKinds[k] }

// IsPHI reports whether events of kind k disclose protected health information.
func (k EventKind) IsPHI() bool {
	switch k {
	case KindProfileAccess, KindMedicalRecordAccess:
		return true
	}
	return k.IsPrescription()
}

// IsFinancial reports whether k concerns payment data.
func (k EventKind) IsFinancial() bool {
	return k == KindPaymentProcessed || k == KindRefundIssued
}

// IsSystem reports whether k is emitted by scheduled or internal jobs.
func (k EventKind) IsSystem() bool {
	return k == KindSystemAction || k == KindRetentionCleanup || k == KindIntegritySweep
}

// Table returns the ledger table events of kind k are written to.
func (k EventKind) Table() Table {
	if k.IsPrescription() {
		return TablePrescription
	}
	return TableGeneral
}

// EntityType enumerates the subjects an entry can refer to.
type EntityType string

const (
	EntityPatient             EntityType = "patient"
	EntityPrescription        EntityType = "prescription"
	EntityMedicalRecord       EntityType = "medical_record"
	EntityInsurance           EntityType = "insurance"
	EntityControlledSubstance EntityType = "controlled_substance"
	EntityControlledInventory EntityType = "controlled_inventory"
	EntityDEAForm             EntityType = "dea_form"
	EntityPayment             EntityType = "payment"
	EntityRefund              EntityType = "refund"
	EntityInvoice             EntityType = "invoice"
	EntityUser                EntityType = "user"
	EntityProduct             EntityType = "product"
	EntityOrder               EntityType = "order"
	EntityReport              EntityType = "report"
	EntitySystem              EntityType = "system"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityPatient, EntityPrescription, EntityMedicalRecord, EntityInsurance,
		EntityControlledSubstance, EntityControlledInventory, EntityDEAForm,
		EntityPayment, EntityRefund, EntityInvoice,
		EntityUser, EntityProduct, EntityOrder, EntityReport, EntitySystem:
		return true
	}
	return false
}

// IsPHI reports whether records of type e hold protected health information.
func (e EntityType) IsPHI() bool {
	switch e {
	case EntityPatient, EntityPrescription, EntityMedicalRecord, EntityInsurance:
		return true
	}
	return false
}

// IsControlled reports whether records of type e are controlled-substance records.
func (e EntityType) IsControlled() bool {
	switch e {
	case EntityControlledSubstance, EntityControlledInventory, EntityDEAForm:
		return true
	}
	return false
}

// IsFinancial reports whether records of type e hold payment data.
func (e EntityType) IsFinancial() bool {
	switch e {
	case EntityPayment, EntityRefund, EntityInvoice:
		return true
	}
	return false
}

// Classification is the data-handling label assigned to an entry.
type Classification string

const (
	ClassificationPHI      Classification = "PHI"
	ClassificationPCI      Classification = "PCI"
	ClassificationInternal Classification = "INTERNAL"
)

// RiskLevel orders entries by the damage a disclosure would cause.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// RetentionClass keys the retention policy that governs a record.
type RetentionClass string

const (
	ClassHIPAAAudit         RetentionClass = "hipaa_audit"
	ClassDEAAudit           RetentionClass = "dea_audit"
	ClassFinancialAudit     RetentionClass = "financial_audit"
	ClassSystemLog          RetentionClass = "system_log"
	ClassGeneralAudit       RetentionClass = "general_audit"
	ClassPrescriptionRecord RetentionClass = "prescription_record"
	ClassComplianceVerdict  RetentionClass = "compliance_verdict"
)

// PolicyTable resolves how many years a retention class must be kept.
type PolicyTable interface {
	RetentionYears(class RetentionClass) (int, bool)
}
