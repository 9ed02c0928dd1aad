// Package auditstream checks ledger entries as they arrive on the event
// stream. A downstream copy whose fingerprint no longer matches its fields
// was altered after it left the ledger.
package auditstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcompliance/internal/integrity"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

// ErrMalformedMessage is returned for payloads that are not ledger entries.
var ErrMalformedMessage = errors.New("malformed ledger stream message")

// Violation identifies a streamed entry that failed verification.
type Violation struct {
	Topic     string       `json:"topic"`
	Partition int32        `json:"partition"`
	Offset    int64        `json:"offset"`
	Table     ledger.Table `json:"table"`
	Seq       int64        `json:"seq"`
	EntityID  string       `json:"entity_id"`
}

// Report tallies what the verifier has seen.
type Report struct {
	Verified   int64       `json:"verified"`
	Malformed  int64       `json:"malformed"`
	Violations []Violation `json:"violations"`
}

// Verifier re-checks fingerprints of streamed entries. It is safe for
// concurrent use.
type Verifier struct {
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	report Report
}

// NewVerifier creates a verifier.
func NewVerifier(m *metrics.Metrics, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Verifier{metrics: m, logger: logger}
}

// Handle verifies one message. A fingerprint mismatch is recorded and
// logged but is not an error; only undecodable payloads are.
func (v *Verifier) Handle(_ context.Context, msg *redpanda.ConsumedMessage) error {
	e, err := decodeEntry(msg.Value)
	if err != nil {
		v.mu.Lock()
		v.report.Malformed++
		v.mu.Unlock()
		return fmt.Errorf("%s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	v.metrics.IntegrityChecked.Inc()
	if err := integrity.Verify(e.Fields(), e.Fingerprint); err != nil {
		if !errors.Is(err, integrity.ErrIntegrityViolation) {
			return fmt.Errorf("verify %s/%d: %w", e.Table, e.Seq, err)
		}
		v.metrics.IntegrityViolations.Inc()
		v.logger.Error("streamed audit entry failed verification",
			zap.String("severity", "critical"),
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("table", string(e.Table)),
			zap.Int64("seq", e.Seq),
			zap.String("entity_id", e.EntityID))

		v.mu.Lock()
		v.report.Violations = append(v.report.Violations, Violation{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Table:     e.Table,
			Seq:       e.Seq,
			EntityID:  e.EntityID,
		})
		v.mu.Unlock()
		return nil
	}

	v.mu.Lock()
	v.report.Verified++
	v.mu.Unlock()
	return nil
}

// Report returns a copy of the running tally.
func (v *Verifier) Report() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.report
	r.Violations = append([]Violation(nil), v.report.Violations...)
	return r
}

func decodeEntry(b []byte) (*ledger.Entry, error) {
	var e ledger.Entry
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !e.Table.Valid() || e.Fingerprint == "" {
		return nil, fmt.Errorf("%w: missing table or fingerprint", ErrMalformedMessage)
	}
	return &e, nil
}
