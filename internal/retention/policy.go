// Package retention computes how long each class of record must be kept and
// writes archive or deletion-mark artifacts for records past their period.
// Originals are never modified or removed.
package retention

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

// ErrUnknownClass is returned for records whose retention class has no policy.
var ErrUnknownClass = errors.New("no retention policy for class")

// Policy is the retention rule for one record class.
type Policy struct {
	Class      ledger.RetentionClass `json:"class"`
	Years      int                   `json:"years"`
	Regulation string                `json:"regulation"`
}

// DefaultPolicyList is the built-in policy table.
func DefaultPolicyList() []Policy {
	return []Policy{
		{Class: ledger.ClassHIPAAAudit, Years: 6, Regulation: "HIPAA 45 CFR 164.316"},
		{Class: ledger.ClassDEAAudit, Years: 2, Regulation: "DEA 21 CFR 1304.04"},
		{Class: ledger.ClassFinancialAudit, Years: 3, Regulation: "PCI DSS / IRS"},
		{Class: ledger.ClassSystemLog, Years: 3, Regulation: "internal"},
		{Class: ledger.ClassGeneralAudit, Years: 7, Regulation: "internal"},
		{Class: ledger.ClassPrescriptionRecord, Years: 7, Regulation: "state board of pharmacy"},
		{Class: ledger.ClassComplianceVerdict, Years: 7, Regulation: "state board of pharmacy"},
	}
}

// Policies is an immutable policy table keyed by class. It satisfies
// ledger.PolicyTable.
type Policies struct {
	byClass map[ledger.RetentionClass]Policy
}

var _ ledger.PolicyTable = (*Policies)(nil)

// DefaultPolicies returns the built-in table.
func DefaultPolicies() *Policies {
	p, _ := NewPolicies(DefaultPolicyList())
	return p
}

// NewPolicies builds a table from list. Classes must be unique and years
// positive.
func NewPolicies(list []Policy) (*Policies, error) {
	byClass := make(map[ledger.RetentionClass]Policy, len(list))
	for _, p := range list {
		if p.Class == "" {
			return nil, errors.New("retention policy without class")
		}
		if p.Years <= 0 {
			return nil, fmt.Errorf("retention policy %s: years must be positive, got %d", p.Class, p.Years)
		}
		if _, dup := byClass[p.Class]; dup {
			return nil, fmt.Errorf("retention policy %s defined twice", p.Class)
		}
		byClass[p.Class] = p
	}
	return &Policies{byClass: byClass}, nil
}

// WithYears returns a copy of p with the retention years of the given
// classes replaced. Unknown classes are rejected.
func (p *Policies) WithYears(overrides map[ledger.RetentionClass]int) (*Policies, error) {
	list := p.All()
	for class, years := range overrides {
		found := false
		for i := range list {
			if list[i].Class == class {
				list[i].Years = years
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w %s", ErrUnknownClass, class)
		}
	}
	return NewPolicies(list)
}

// Get returns the policy for class.
func (p *Policies) Get(class ledger.RetentionClass) (Policy, bool) {
	pol, ok := p.byClass[class]
	return pol, ok
}

// RetentionYears implements ledger.PolicyTable.
func (p *Policies) RetentionYears(class ledger.RetentionClass) (int, bool) {
	pol, ok := p.byClass[class]
	return pol.Years, ok
}

// All returns every policy ordered by class.
func (p *Policies) All() []Policy {
	out := make([]Policy, 0, len(p.byClass))
	for _, pol := range p.byClass {
		out = append(out, pol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Record is the retention view of any retained row.
type Record struct {
	Collection string
	ID         string
	CreatedAt  time.Time
	Class      ledger.RetentionClass
	PHI        bool
	Controlled bool
	Risk       ledger.RiskLevel
	// Snapshot is the complete record, stored verbatim in archives.
	Snapshot any
}

// Action is what cleanup does with an expired record.
type Action string

const (
	ActionArchive         Action = "archive"
	ActionFlagForDeletion Action = "flag_for_deletion"
)

// Classify decides how an expired record is handled: anything sensitive is
// archived, the rest is flagged for deletion.
func Classify(r Record) Action {
	if r.PHI || r.Controlled || r.Risk.AtLeast(ledger.RiskHigh) {
		return ActionArchive
	}
	return ActionFlagForDeletion
}

// ExpiryOf returns the end of r's retention period.
func (p *Policies) ExpiryOf(r Record) (time.Time, error) {
	pol, ok := p.byClass[r.Class]
	if !ok {
		return time.Time{}, fmt.Errorf("%s/%s: %w %q", r.Collection, r.ID, ErrUnknownClass, r.Class)
	}
	return r.CreatedAt.AddDate(pol.Years, 0, 0), nil
}

// IsExpiredAt reports whether r's retention period ended before t.
func (p *Policies) IsExpiredAt(r Record, t time.Time) (bool, error) {
	exp, err := p.ExpiryOf(r)
	if err != nil {
		return false, err
	}
	return t.After(exp), nil
}

// IsExpired reports whether r's retention period has ended.
func (p *Policies) IsExpired(r Record) (bool, error) {
	return p.IsExpiredAt(r, time.Now())
}
