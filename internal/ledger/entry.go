package ledger

import (
	"encoding/json"
	"time"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/integrity"
)

// Entry is one immutable audit ledger record.
type Entry struct {
	Seq   int64     `json:"seq"`
	Table Table     `json:"table"`
	Kind  EventKind `json:"kind"`

	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`

	// Actor is nil for system-generated entries.
	Actor *ActorRef `json:"actor,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`

	PHI                 bool           `json:"is_phi"`
	ControlledSubstance bool           `json:"is_controlled_substance"`
	Financial           bool           `json:"is_financial"`
	Classification      Classification `json:"classification"`
	Risk                RiskLevel      `json:"risk_level"`
	RetentionClass      RetentionClass `json:"retention_class"`
	RetentionYears      int            `json:"retention_years"`

	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint"`

	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// ActorRef is the identity portion of an actor as stored on an entry.
type ActorRef struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Fields returns the fingerprinted field set of e. Seq, Fingerprint and the
// verification markers are excluded.
func (e *Entry) Fields() integrity.Fields {
	f := integrity.Fields{
		"table":                   string(e.Table),
		"kind":                    string(e.Kind),
		"entity_type":             string(e.EntityType),
		"entity_id":               e.EntityID,
		"ip_address":              e.IPAddress,
		"user_agent":              e.UserAgent,
		"session_id":              e.SessionID,
		"request_id":              e.RequestID,
		"before":                  e.Before,
		"after":                   e.After,
		"is_phi":                  e.PHI,
		"is_controlled_substance": e.ControlledSubstance,
		"is_financial":            e.Financial,
		"classification":          string(e.Classification),
		"risk_level":              string(e.Risk),
		"retention_class":         string(e.RetentionClass),
		"retention_years":         e.RetentionYears,
		"created_at":              e.CreatedAt,
	}
	if e.Actor != nil {
		f["actor"] = map[string]any{
			"user_id": e.Actor.UserID,
			"name":    e.Actor.Name,
			"role":    e.Actor.Role,
		}
	} else {
		f["actor"] = nil
	}
	if len(e.Metadata) > 0 {
		f["metadata"] = e.Metadata
	} else {
		f["metadata"] = nil
	}
	return f
}

// Clone returns a deep copy of e so callers cannot alias stored state.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Actor != nil {
		a := *e.Actor
		c.Actor = &a
	}
	if e.Before != nil {
		c.Before = append(json.RawMessage(nil), e.Before...)
	}
	if e.After != nil {
		c.After = append(json.RawMessage(nil), e.After...)
	}
	if e.Metadata != nil {
		c.Metadata = cloneMap(e.Metadata)
	}
	if e.VerifiedAt != nil {
		t := *e.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Draft describes an event to be recorded. Derived fields (classification,
// retention, fingerprint, timestamps) are filled by the ledger.
type Draft struct {
	Kind       EventKind
	EntityType EntityType
	EntityID   string

	// Actor is required; use actor.System for internal actions.
	Actor actor.Actor

	Before   any
	After    any
	Metadata map[string]any

	// ControlledSubstance marks the subject as controlled-substance linked
	// when the entity type alone does not say so.
	ControlledSubstance bool

	// MinRisk raises the computed risk level; it never lowers it.
	MinRisk RiskLevel
}

// Filter selects entries for Query. Zero fields do not filter.
type Filter struct {
	Table          Table
	From           time.Time
	To             time.Time
	Classification Classification
	Risk           RiskLevel
	EntityType     EntityType
	EntityID       string
	ActorID        string
	Kind           EventKind

	AfterSeq int64
	Limit    int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Normalize applies the default table and page-size bounds.
func (f Filter) Normalize() Filter {
	if f.Table == "" {
		f.Table = TableGeneral
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return f
}

// Matches reports whether e satisfies every non-zero criterion of f except
// pagination.
func (f Filter) Matches(e *Entry) bool {
	if f.Table != "" && e.Table != f.Table {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	if f.Classification != "" && e.Classification != f.Classification {
		return false
	}
	if f.Risk != "" && e.Risk != f.Risk {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ActorID != "" && (e.Actor == nil || e.Actor.UserID != f.ActorID) {
		return false
	}
	return true
}

// Page is one page of query results in ascending sequence order.
type Page struct {
	Entries []*Entry `json:"entries"`
	// NextAfterSeq is the cursor for the next page; zero when exhausted.
	NextAfterSeq int64 `json:"next_after_seq,omitempty"`
}
