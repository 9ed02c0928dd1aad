package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
)

// ErrComplianceBlocked matches every *ComplianceBlockedError.
var ErrComplianceBlocked = errors.New("blocked by compliance verdict")

// ComplianceBlockedError is returned when a blocking verdict prevents an
// action. It carries the verdict so callers can show every issue.
type ComplianceBlockedError struct {
	PrescriptionID string
	Action         prescription.Action
	Verdict        *compliance.Verdict
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("prescription %s: %s blocked by compliance issues [%s]",
		e.PrescriptionID, e.Action, strings.Join(e.Verdict.IssueCodes(), ", "))
}

// Issues returns the blocking findings.
func (e *ComplianceBlockedError) Issues() []compliance.Finding {
	return e.Verdict.Issues
}

// Is matches ErrComplianceBlocked, and ErrPrescriptionExpired when the
// verdict reports the prescription as expired.
func (e *ComplianceBlockedError) Is(target error) bool {
	switch target {
	case ErrComplianceBlocked:
		return true
	case prescription.ErrPrescriptionExpired:
		return e.Verdict != nil && e.Verdict.HasIssue(compliance.IssuePrescriptionExpired)
	}
	return false
}
