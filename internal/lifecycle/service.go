// Package lifecycle drives prescriptions through their state machines. Every
// change is evaluated by the compliance engine and committed together with
// its verdict and audit entry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/directory"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/storage"
)

// actionCreate and actionRefill label non-transition operations in blocked
// audit entries and metrics.
const (
	actionCreate prescription.Action = "create"
	actionRefill prescription.Action = "create_refill"
)

// attachVerdict stores v as p's latest compliance result and raises each
// warning as an alert.
func attachVerdict(p *prescription.Prescription, v *compliance.Verdict, at time.Time) {
	p.Compliance = v
	for _, w := range v.Warnings {
		p.AddAlert(w.Code, w.Message, at)
	}
}

// FlagRefillsExhausted is set on an original prescription when its last
// authorized refill is dispensed.
const FlagRefillsExhausted = "refills_exhausted"

var transitionKinds = map[prescription.Action]ledger.EventKind{
	prescription.ActionStartReview: ledger.KindPrescriptionReviewStart,
	prescription.ActionVerify:      ledger.KindPrescriptionVerified,
	prescription.ActionReject:      ledger.KindPrescriptionRejected,
	prescription.ActionHold:        ledger.KindPrescriptionHeld,
	prescription.ActionReopen:      ledger.KindPrescriptionReopened,
	prescription.ActionQueue:       ledger.KindPrescriptionQueued,
	prescription.ActionFill:        ledger.KindPrescriptionFilling,
	prescription.ActionReady:       ledger.KindPrescriptionReady,
	prescription.ActionDispense:    ledger.KindPrescriptionDispensed,
	prescription.ActionReturn:      ledger.KindPrescriptionReturned,
	prescription.ActionTransfer:    ledger.KindPrescriptionTransferred,
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides prescription and verdict id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service implements the prescription operations.
type Service struct {
	store   storage.Store
	dir     directory.Directory
	engine  *compliance.Engine
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// New creates a lifecycle service.
func New(store storage.Store, dir directory.Directory, engine *compliance.Engine, l *ledger.Ledger,
	m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = compliance.NewEngine(compliance.DefaultConfig())
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Service{
		store:   store,
		dir:     dir,
		engine:  engine,
		ledger:  l,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("prescription-lifecycle"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stateView is the audited before/after view of a transition.
type stateView struct {
	Verification     prescription.VerificationStatus `json:"verification_status"`
	Processing       prescription.ProcessingStatus   `json:"processing_status"`
	RefillsRemaining int                             `json:"refills_remaining"`
	Version          int64                           `json:"version"`
}

func viewOf(p *prescription.Prescription) stateView {
	return stateView{
		Verification:     p.Verification,
		Processing:       p.Processing,
		RefillsRemaining: p.RefillsRemaining,
		Version:          p.Version,
	}
}

// Create records a newly received prescription.
func (s *Service) Create(ctx context.Context, in prescription.Intake, a actor.Actor) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Create")
	defer span.End()

	now := s.now().UTC()
	id := s.newID()
	p, err := prescription.New(id, numberFor(id), in, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("prescription.id", p.ID))

	if p.Schedule == compliance.ScheduleII && p.RefillsAuthorized > 0 {
		v := s.scheduleIIRefillVerdict(p, now)
		blocked := &ComplianceBlockedError{PrescriptionID: p.ID, Action: actionCreate, Verdict: v}
		s.metrics.Transitions.WithLabelValues(string(actionCreate), "blocked").Inc()
		return nil, s.recordBlocked(ctx, p, actionCreate, nil, blocked, a)
	}

	var entry *ledger.Entry
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.CreatePrescription(ctx, p); err != nil {
			return fmt.Errorf("create prescription: %w", err)
		}
		prepared, err := s.ledger.Prepare(ctx, ledger.Draft{
			Kind:                ledger.KindPrescriptionCreated,
			EntityType:          ledger.EntityPrescription,
			EntityID:            p.ID,
			Actor:               a,
			After:               p,
			ControlledSubstance: p.Schedule.Controlled(),
			Metadata: map[string]any{
				"number":   p.Number,
				"schedule": string(p.Schedule),
			},
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendEntry(ctx, prepared)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, err
	}

	s.ledger.Committed(entry)
	s.metrics.Transitions.WithLabelValues(string(actionCreate), "applied").Inc()
	s.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("number", p.Number),
		zap.String("schedule", string(p.Schedule)))
	return p, nil
}

func (s *Service) scheduleIIRefillVerdict(p *prescription.Prescription, now time.Time) *compliance.Verdict {
	f := compliance.Finding{
		Category: compliance.CategoryControlledSubstance,
		Code:     compliance.IssueScheduleIIRefills,
		Message:  fmt.Sprintf("schedule II prescriptions cannot authorize refills (requested %d)", p.RefillsAuthorized),
		Blocking: true,
	}
	return &compliance.Verdict{
		ID:             s.newID(),
		PrescriptionID: p.ID,
		Results: []compliance.CategoryResult{{
			Category:   compliance.CategoryControlledSubstance,
			Applicable: true,
			Checks:     map[string]bool{"no_refills": false},
			Issues:     []compliance.Finding{f},
			Warnings:   []compliance.Finding{},
		}},
		Issues:      []compliance.Finding{f},
		Warnings:    []compliance.Finding{},
		EvaluatedAt: now,
	}
}

// Evaluate runs the rule engine against the current state of a prescription
// and stores the verdict with its audit entry.
func (s *Service) Evaluate(ctx context.Context, id string, a actor.Actor) (*compliance.Verdict, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Evaluate",
		trace.WithAttributes(attribute.String("prescription.id", id)))
	defer span.End()

	p, err := s.store.Prescription(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription: %w", err)
	}
	v, err := s.evaluate(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var entry *ledger.Entry
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		next := p.Clone()
		attachVerdict(next, v, v.EvaluatedAt)
		next.UpdatedAt = v.EvaluatedAt
		if err := tx.UpdatePrescription(ctx, next); err != nil {
			return err
		}
		var err error
		entry, err = s.appendEvaluated(ctx, tx, p, v, a)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluate failed")
		return nil, err
	}
	s.ledger.Committed(entry)
	return v, nil
}

func (s *Service) appendEvaluated(ctx context.Context, tx storage.Tx, p *prescription.Prescription,
	v *compliance.Verdict, a actor.Actor) (*ledger.Entry, error) {
	rec, err := tx.AppendVerdict(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("append verdict: %w", err)
	}
	prepared, err := s.ledger.Prepare(ctx, ledger.Draft{
		Kind:                ledger.KindComplianceEvaluated,
		EntityType:          ledger.EntityPrescription,
		EntityID:            p.ID,
		Actor:               a,
		ControlledSubstance: p.Schedule.Controlled(),
		Metadata:            verdictMetadata(v, rec.Seq),
	})
	if err != nil {
		return nil, err
	}
	return tx.AppendEntry(ctx, prepared)
}

func verdictMetadata(v *compliance.Verdict, seq int64) map[string]any {
	warnings := make([]string, len(v.Warnings))
	for i, w := range v.Warnings {
		warnings[i] = w.Code
	}
	return map[string]any{
		"verdict_id":  v.ID,
		"verdict_seq": seq,
		"passed":      v.Passed,
		"issues":      v.IssueCodes(),
		"warnings":    warnings,
	}
}

// evaluate loads the evaluation context concurrently and runs the engine.
// Missing directory records are passed to the engine as nil and reported
// there; any other lookup failure aborts the evaluation.
func (s *Service) evaluate(ctx context.Context, p *prescription.Prescription) (*compliance.Verdict, error) {
	now := s.now().UTC()
	in := compliance.Input{Prescription: p.Snapshot(), Now: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.dir.Prescriber(gctx, p.PrescriberID)
		if err = ignoreNotFound(err); err != nil {
			return fmt.Errorf("load prescriber %s: %w", p.PrescriberID, err)
		}
		in.Prescriber = v
		return nil
	})
	g.Go(func() error {
		v, err := s.dir.Patient(gctx, p.PatientID)
		if err = ignoreNotFound(err); err != nil {
			return fmt.Errorf("load patient %s: %w", p.PatientID, err)
		}
		in.Patient = v
		return nil
	})
	if p.ProductID != "" {
		g.Go(func() error {
			v, err := s.dir.Product(gctx, p.ProductID)
			if err = ignoreNotFound(err); err != nil {
				return fmt.Errorf("load product %s: %w", p.ProductID, err)
			}
			in.Product = v
			return nil
		})
	}
	g.Go(func() error {
		since := now.AddDate(0, 0, -s.engine.Config().ActiveWindowDays)
		meds, err := s.store.DispensedMedications(gctx, p.PatientID, since)
		if err != nil {
			return fmt.Errorf("load active medications: %w", err)
		}
		in.ActiveMedications = meds
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := s.engine.Evaluate(in)
	v.ID = s.newID()
	outcome := "passed"
	if !v.Passed {
		outcome = "blocked"
	}
	s.metrics.ComplianceEvaluations.WithLabelValues(outcome).Inc()
	return &v, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return nil
	}
	return err
}

// Transition evaluates the prescription and applies action. Gated actions
// are refused while the verdict has blocking issues. The new state, verdict
// and audit entry commit together; a refused or failed attempt is audited in
// its own unit and leaves the prescription unchanged.
func (s *Service) Transition(ctx context.Context, id string, action prescription.Action, a actor.Actor) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Transition",
		trace.WithAttributes(
			attribute.String("prescription.id", id),
			attribute.String("prescription.action", string(action)),
		))
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.TransitionDuration.Observe(time.Since(start).Seconds()) }()

	p, err := s.store.Prescription(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription: %w", err)
	}
	v, err := s.evaluate(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	fail := func(cause error) (*prescription.Prescription, error) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, "transition refused")
		outcome := "failed"
		if errors.Is(cause, ErrComplianceBlocked) {
			outcome = "blocked"
		}
		s.metrics.Transitions.WithLabelValues(string(action), outcome).Inc()
		return nil, s.recordBlocked(ctx, p, action, v, cause, a)
	}

	if err := p.CanApply(action); err != nil {
		return fail(err)
	}
	if action.Gated() && !v.Passed {
		return fail(&ComplianceBlockedError{PrescriptionID: p.ID, Action: action, Verdict: v})
	}

	now := s.now().UTC()
	next := p.Clone()
	change, err := next.Apply(action, now)
	if err != nil {
		return fail(err)
	}
	attachVerdict(next, v, now)

	var entries []*ledger.Entry
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		metadata := map[string]any{
			"action":     string(action),
			"verdict_id": v.ID,
		}
		if action == prescription.ActionDispense && next.IsRefill() {
			parent, err := tx.Prescription(ctx, next.ParentID)
			if err != nil {
				return fmt.Errorf("load original prescription: %w", err)
			}
			if err := parent.ConsumeRefill(); err != nil {
				return err
			}
			if parent.RefillsRemaining == 0 {
				parent.AddFlag(FlagRefillsExhausted, fmt.Sprintf("refill %d of %d dispensed", parent.RefillsUsed, parent.RefillsAuthorized), now)
			}
			parent.UpdatedAt = now
			if err := tx.UpdatePrescription(ctx, parent); err != nil {
				return err
			}
			metadata["original_id"] = parent.ID
			metadata["original_refills_used"] = parent.RefillsUsed
			metadata["original_refills_remaining"] = parent.RefillsRemaining
		}
		if err := next.CheckInvariants(); err != nil {
			return err
		}

		before := viewOf(p)
		if err := tx.UpdatePrescription(ctx, next); err != nil {
			return err
		}
		evaluated, err := s.appendEvaluated(ctx, tx, p, v, a)
		if err != nil {
			return err
		}
		metadata["from_verification"] = string(change.FromVerification)
		metadata["to_verification"] = string(change.ToVerification)
		metadata["from_processing"] = string(change.FromProcessing)
		metadata["to_processing"] = string(change.ToProcessing)
		prepared, err := s.ledger.Prepare(ctx, ledger.Draft{
			Kind:                transitionKinds[action],
			EntityType:          ledger.EntityPrescription,
			EntityID:            p.ID,
			Actor:               a,
			Before:              before,
			After:               viewOf(next),
			ControlledSubstance: p.Schedule.Controlled(),
			Metadata:            metadata,
		})
		if err != nil {
			return err
		}
		transitioned, err := tx.AppendEntry(ctx, prepared)
		if err != nil {
			return err
		}
		entries = []*ledger.Entry{evaluated, transitioned}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			span.RecordError(err)
			return nil, err
		}
		return fail(err)
	}

	s.ledger.Committed(entries...)
	s.metrics.Transitions.WithLabelValues(string(action), "applied").Inc()
	s.logger.Info("prescription transitioned",
		zap.String("prescription_id", next.ID),
		zap.String("action", string(action)),
		zap.String("verification", string(next.Verification)),
		zap.String("processing", string(next.Processing)),
		zap.Int64("version", next.Version))
	return next, nil
}

// CreateRefill creates the next refill record of an original prescription.
// It is refused once the undispensed refill records cover the original's
// remaining refills. Refill creation bumps the original's version so
// concurrent requests serialize; the refill itself is consumed when the
// refill record is dispensed.
func (s *Service) CreateRefill(ctx context.Context, originalID string, a actor.Actor) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.CreateRefill",
		trace.WithAttributes(attribute.String("prescription.id", originalID)))
	defer span.End()

	orig, err := s.store.Prescription(ctx, originalID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription: %w", err)
	}

	fail := func(v *compliance.Verdict, cause error) (*prescription.Prescription, error) {
		span.RecordError(cause)
		s.metrics.Transitions.WithLabelValues(string(actionRefill), "blocked").Inc()
		return nil, s.recordBlocked(ctx, orig, actionRefill, v, cause, a)
	}

	existing, err := s.store.Refills(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("list refills: %w", err)
	}
	seq := len(existing) + 1
	now := s.now().UTC()
	id := s.newID()
	child, err := prescription.NewRefill(id, fmt.Sprintf("%s-R%d", orig.Number, seq), seq, orig, now)
	if err != nil {
		return fail(nil, err)
	}
	// existing was read after orig, and the commit below is version-checked
	// against orig, so a refill issued concurrently surfaces as stale state.
	if err := prescription.CheckRefillCapacity(orig, existing); err != nil {
		return fail(nil, err)
	}

	v, err := s.evaluate(ctx, child)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !v.Passed {
		return fail(v, &ComplianceBlockedError{PrescriptionID: orig.ID, Action: actionRefill, Verdict: v})
	}
	attachVerdict(child, v, now)

	var entries []*ledger.Entry
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		touched := orig.Clone()
		touched.UpdatedAt = now
		if err := tx.UpdatePrescription(ctx, touched); err != nil {
			return err
		}
		if err := tx.CreatePrescription(ctx, child); err != nil {
			return fmt.Errorf("create refill: %w", err)
		}
		evaluated, err := s.appendEvaluated(ctx, tx, child, v, a)
		if err != nil {
			return err
		}
		prepared, err := s.ledger.Prepare(ctx, ledger.Draft{
			Kind:                ledger.KindPrescriptionRefilled,
			EntityType:          ledger.EntityPrescription,
			EntityID:            child.ID,
			Actor:               a,
			After:               child,
			ControlledSubstance: child.Schedule.Controlled(),
			Metadata: map[string]any{
				"original_id":                orig.ID,
				"refill_number":              seq,
				"original_refills_remaining": orig.RefillsRemaining,
			},
		})
		if err != nil {
			return err
		}
		created, err := tx.AppendEntry(ctx, prepared)
		if err != nil {
			return err
		}
		entries = []*ledger.Entry{evaluated, created}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refill failed")
		return nil, err
	}

	s.ledger.Committed(entries...)
	s.metrics.Transitions.WithLabelValues(string(actionRefill), "applied").Inc()
	s.logger.Info("refill created",
		zap.String("prescription_id", child.ID),
		zap.String("original_id", orig.ID),
		zap.Int("refill_number", seq))
	return child, nil
}

// recordBlocked audits a refused or failed attempt, with its verdict when
// one was computed, and returns cause. If the audit itself fails both errors
// are returned.
func (s *Service) recordBlocked(ctx context.Context, p *prescription.Prescription, action prescription.Action,
	v *compliance.Verdict, cause error, a actor.Actor) error {
	var blocked *ComplianceBlockedError
	if v == nil && errors.As(cause, &blocked) {
		v = blocked.Verdict
	}

	metadata := map[string]any{
		"action": string(action),
		"reason": cause.Error(),
	}
	if v != nil {
		metadata["verdict_id"] = v.ID
		metadata["issues"] = v.IssueCodes()
	}

	var entry *ledger.Entry
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if v != nil {
			rec, err := tx.AppendVerdict(ctx, v)
			if err != nil {
				return fmt.Errorf("append verdict: %w", err)
			}
			metadata["verdict_seq"] = rec.Seq
		}
		prepared, err := s.ledger.Prepare(ctx, ledger.Draft{
			Kind:                ledger.KindPrescriptionBlocked,
			EntityType:          ledger.EntityPrescription,
			EntityID:            p.ID,
			Actor:               a,
			Before:              viewOf(p),
			ControlledSubstance: p.Schedule.Controlled(),
			Metadata:            metadata,
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendEntry(ctx, prepared)
		return err
	})
	if err != nil {
		s.logger.Error("failed to audit refused prescription action",
			zap.String("prescription_id", p.ID),
			zap.String("action", string(action)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return errors.Join(cause, fmt.Errorf("audit refused action: %w", err))
	}

	s.ledger.Committed(entry)
	s.logger.Warn("prescription action refused",
		zap.String("prescription_id", p.ID),
		zap.String("action", string(action)),
		zap.Error(cause))
	return cause
}

// numberFor derives a human-facing prescription number from its id.
func numberFor(id string) string {
	n := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(n) > 10 {
		n = n[:10]
	}
	return "RX-" + n
}
