package ledger

import "strings"

// Classification rules, first match wins for classification and risk:
//
//	PHI subject or PHI event          -> PHI, high, hipaa_audit
//	controlled-substance subject      -> INTERNAL, high, dea_audit
//	payment subject or payment event  -> PCI, medium, financial_audit
//	anything else                     -> INTERNAL, low, system_log or general_audit
//
// The PHI, controlled and financial flags are computed independently.
type classified struct {
	phi        bool
	controlled bool
	financial  bool

	classification Classification
	risk           RiskLevel
	retention      RetentionClass
}

func classify(d Draft) classified {
	c := classified{
		phi:        d.EntityType.IsPHI() || d.Kind.IsPHI(),
		controlled: d.ControlledSubstance || d.EntityType.IsControlled() || controlledMetadata(d.Metadata),
		financial:  d.EntityType.IsFinancial() || d.Kind.IsFinancial(),
	}

	switch {
	case c.phi:
		c.classification, c.risk, c.retention = ClassificationPHI, RiskHigh, ClassHIPAAAudit
	case c.controlled:
		c.classification, c.risk, c.retention = ClassificationInternal, RiskHigh, ClassDEAAudit
	case c.financial:
		c.classification, c.risk, c.retention = ClassificationPCI, RiskMedium, ClassFinancialAudit
	case d.Kind.IsSystem():
		c.classification, c.risk, c.retention = ClassificationInternal, RiskLow, ClassSystemLog
	default:
		c.classification, c.risk, c.retention = ClassificationInternal, RiskLow, ClassGeneralAudit
	}

	if d.MinRisk != "" {
		c.risk = maxRisk(c.risk, d.MinRisk)
	}
	return c
}

func controlledMetadata(md map[string]any) bool {
	if md == nil {
		return false
	}
	switch v := md["controlled_substance"].(type) {
	case bool:
		if v {
			return true
		}
	case string:
		if strings.EqualFold(v, "true") {
			return true
		}
	}
	if s, ok := md["dea_schedule"].(string); ok {
		s = strings.TrimSpace(s)
		return s != "" && !strings.EqualFold(s, "none")
	}
	return false
}

// defaultYears mirrors the retention package defaults so a ledger without a
// policy table still stamps sensible values.
var defaultYears = map[RetentionClass]int{
	ClassHIPAAAudit:         6,
	ClassDEAAudit:           2,
	ClassFinancialAudit:     3,
	ClassSystemLog:          3,
	ClassGeneralAudit:       7,
	ClassPrescriptionRecord: 7,
	ClassComplianceVerdict:  7,
}

type defaultPolicyTable struct{}

func (defaultPolicyTable) RetentionYears(class RetentionClass) (int, bool) {
	y, ok := defaultYears[class]
	return y, ok
}
