package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/drfirst/go-rxcompliance/internal/actor"
	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/directory"
	"github.com/drfirst/go-rxcompliance/internal/domain/prescription"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/storage"
	"github.com/drfirst/go-rxcompliance/internal/storage/memory"
)

var pharmacist = actor.Actor{UserID: "u-ph-1", Name: "Riley Park", Role: "pharmacist", IP: "10.1.2.3", RequestID: "req-1"}

// hookedStore lets a test run a competing write before, or fail the ledger
// append inside, the next unit of work.
type hookedStore struct {
	*memory.Store
	beforeNextTx func()
	failNextTx   error
}

func (h *hookedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if f := h.beforeNextTx; f != nil {
		h.beforeNextTx = nil
		f()
	}
	if cause := h.failNextTx; cause != nil {
		h.failNextTx = nil
		return h.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return fn(ctx, failingTx{Tx: tx, err: cause})
		})
	}
	return h.Store.InTx(ctx, fn)
}

type failingTx struct {
	storage.Tx
	err error
}

func (f failingTx) AppendEntry(context.Context, *ledger.Entry) (*ledger.Entry, error) {
	return nil, f.err
}

type LifecycleSuite struct {
	suite.Suite

	ctx     context.Context
	now     time.Time
	store   *hookedStore
	dir     *directory.Memory
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	svc     *Service
	nextID  int
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	s.nextID = 0
	clock := func() time.Time { return s.now }

	s.store = &hookedStore{Store: memory.New()}
	s.store.SetClock(clock)
	s.dir = directory.NewMemory()
	s.dir.PutPrescriber(compliance.Prescriber{
		ID:                 "dr-1",
		Name:               "Dr. Casey Lee",
		NPI:                "1234567893",
		DEANumber:          "AB1234563",
		DEAExpiration:      s.now.AddDate(1, 0, 0),
		AuthorizedSchedule: compliance.ScheduleII,
		LicenseNumber:      "MD-7781",
		LicenseExpiration:  s.now.AddDate(2, 0, 0),
		Active:             true,
		Verified:           true,
	})
	s.dir.PutPatient(compliance.Patient{
		ID:     "pt-1",
		Name:   "Jordan Smith",
		DOB:    time.Date(1980, 2, 14, 0, 0, 0, 0, time.UTC),
		Active: true,
	})
	s.dir.PutProduct(compliance.Product{ID: "prod-oxy", NDC: "0406-0552-01", Name: "Oxycodone", Strength: "5 mg", Schedule: compliance.ScheduleII})
	s.dir.PutProduct(compliance.Product{ID: "prod-lor", NDC: "0591-0240-01", Name: "Lorazepam", Strength: "1 mg", Schedule: compliance.ScheduleIV})

	s.metrics = metrics.New(nil)
	s.ledger = ledger.New(s.store, nil, s.metrics, nil, ledger.WithClock(clock))
	s.svc = New(s.store, s.dir, compliance.NewEngine(compliance.DefaultConfig()), s.ledger, s.metrics, nil,
		WithClock(clock),
		WithIDGenerator(func() string {
			s.nextID++
			return fmt.Sprintf("id-%d", s.nextID)
		}))
}

func (s *LifecycleSuite) intake(productID string, sched compliance.Schedule, refills int) prescription.Intake {
	names := map[string]string{"prod-oxy": "Oxycodone", "prod-lor": "Lorazepam"}
	ndcs := map[string]string{"prod-oxy": "0406-0552-01", "prod-lor": "0591-0240-01"}
	strengths := map[string]string{"prod-oxy": "5 mg", "prod-lor": "1 mg"}
	return prescription.Intake{
		PatientID:         "pt-1",
		PatientName:       "Jordan Smith",
		PatientDOB:        time.Date(1980, 2, 14, 0, 0, 0, 0, time.UTC),
		PrescriberID:      "dr-1",
		ProductID:         productID,
		DrugName:          names[productID],
		NDC:               ndcs[productID],
		Strength:          strengths[productID],
		Schedule:          sched,
		Quantity:          30,
		DaySupply:         30,
		RefillsAuthorized: refills,
		DateWritten:       s.now.AddDate(0, 0, -1),
	}
}

func (s *LifecycleSuite) create(in prescription.Intake) *prescription.Prescription {
	p, err := s.svc.Create(s.ctx, in, pharmacist)
	s.Require().NoError(err)
	return p
}

func (s *LifecycleSuite) walk(id string, actions ...prescription.Action) *prescription.Prescription {
	var p *prescription.Prescription
	for _, a := range actions {
		var err error
		p, err = s.svc.Transition(s.ctx, id, a, pharmacist)
		s.Require().NoError(err, "action %s", a)
	}
	return p
}

func (s *LifecycleSuite) load(id string) *prescription.Prescription {
	p, err := s.store.Prescription(s.ctx, id)
	s.Require().NoError(err)
	return p
}

func (s *LifecycleSuite) lastEntry(entityID string) *ledger.Entry {
	page, err := s.ledger.Query(s.ctx, ledger.Filter{Table: ledger.TablePrescription, EntityID: entityID, Limit: 1000})
	s.Require().NoError(err)
	s.Require().NotEmpty(page.Entries)
	return page.Entries[len(page.Entries)-1]
}

func (s *LifecycleSuite) TestCreate() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 2))

	s.Equal("id-1", p.ID)
	s.Equal("RX-ID1", p.Number)
	s.Equal(int64(1), p.Version)
	s.Equal(prescription.VerificationPending, p.Verification)
	s.Equal(p.DateWritten.AddDate(0, 0, 180), p.ExpirationDate)

	e := s.lastEntry(p.ID)
	s.Equal(ledger.KindPrescriptionCreated, e.Kind)
	s.Equal(ledger.ClassificationPHI, e.Classification)
	s.True(e.ControlledSubstance)
	s.Require().NotNil(e.Actor)
	s.Equal(pharmacist.UserID, e.Actor.UserID)
	s.Equal(pharmacist.IP, e.IPAddress)

	ok, err := s.ledger.VerifyIntegrity(s.ctx, e)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *LifecycleSuite) TestCreate_ScheduleIIRefillsBlocked() {
	_, err := s.svc.Create(s.ctx, s.intake("prod-oxy", compliance.ScheduleII, 1), pharmacist)
	s.Require().ErrorIs(err, ErrComplianceBlocked)

	var blocked *ComplianceBlockedError
	s.Require().True(errors.As(err, &blocked))
	s.True(blocked.Verdict.HasIssue(compliance.IssueScheduleIIRefills))

	_, err = s.store.Prescription(s.ctx, "id-1")
	s.ErrorIs(err, storage.ErrNotFound)

	e := s.lastEntry("id-1")
	s.Equal(ledger.KindPrescriptionBlocked, e.Kind)
	s.Equal("create", e.Metadata["action"])

	rec, err := s.store.LatestVerdict(s.ctx, "id-1")
	s.Require().NoError(err)
	s.False(rec.Verdict.Passed)
}

// An expired DEA registration blocks verification of a schedule II
// prescription and leaves it untouched.
func (s *LifecycleSuite) TestScenario_ExpiredDEABlocksVerification() {
	s.dir.PutPrescriber(compliance.Prescriber{
		ID:                 "dr-1",
		Name:               "Dr. Casey Lee",
		NPI:                "1234567893",
		DEANumber:          "AB1234563",
		DEAExpiration:      s.now.AddDate(0, 0, -1),
		AuthorizedSchedule: compliance.ScheduleII,
		LicenseExpiration:  s.now.AddDate(2, 0, 0),
		Active:             true,
		Verified:           true,
	})
	p := s.create(s.intake("prod-oxy", compliance.ScheduleII, 0))
	before := s.walk(p.ID, prescription.ActionStartReview)

	_, err := s.svc.Transition(s.ctx, p.ID, prescription.ActionVerify, pharmacist)
	s.Require().ErrorIs(err, ErrComplianceBlocked)
	s.NotErrorIs(err, prescription.ErrPrescriptionExpired)

	var blocked *ComplianceBlockedError
	s.Require().True(errors.As(err, &blocked))
	valid, ok := blocked.Verdict.Check(compliance.CategoryPrescriber, "dea_valid")
	s.True(ok)
	s.False(valid)
	s.True(blocked.Verdict.HasIssue(compliance.IssueDEAExpired))

	after := s.load(p.ID)
	s.Equal(prescription.VerificationInReview, after.Verification)
	s.Equal(before.Version, after.Version)

	e := s.lastEntry(p.ID)
	s.Equal(ledger.KindPrescriptionBlocked, e.Kind)
	s.Equal("verify", e.Metadata["action"])
	s.Contains(e.Metadata["issues"], compliance.IssueDEAExpired)

	rec, err := s.store.LatestVerdict(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(blocked.Verdict.ID, rec.Verdict.ID)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Transitions.WithLabelValues("verify", "blocked")))
}

// Refills dispensed against an original with two authorized refills: the
// third refill record cannot be dispensed.
func (s *LifecycleSuite) TestScenario_RefillsExhausted() {
	orig := s.create(s.intake("prod-lor", compliance.ScheduleIV, 2))
	s.walk(orig.ID, prescription.ActionStartReview, prescription.ActionVerify, prescription.ActionQueue,
		prescription.ActionFill, prescription.ActionReady, prescription.ActionDispense)

	var children []*prescription.Prescription
	for i := 1; i <= 2; i++ {
		c, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
		s.Require().NoError(err)
		s.Equal(i, c.RefillNumber)
		s.Equal(fmt.Sprintf("%s-R%d", orig.Number, i), c.Number)
		s.Equal(prescription.VerificationVerified, c.Verification)
		s.Require().NotNil(c.Compliance)
		children = append(children, c)
	}

	// Both remaining refills are issued but undispensed.
	_, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.Require().ErrorIs(err, prescription.ErrNoRefillsRemaining)
	s.Equal(ledger.KindPrescriptionBlocked, s.lastEntry(orig.ID).Kind)
	refills, err := s.store.Refills(s.ctx, orig.ID)
	s.Require().NoError(err)
	s.Len(refills, 2)

	for i, c := range children {
		s.walk(c.ID, prescription.ActionQueue, prescription.ActionFill, prescription.ActionReady, prescription.ActionDispense)
		o := s.load(orig.ID)
		s.Equal(i+1, o.RefillsUsed)
		s.Equal(1-i, o.RefillsRemaining)

		_, err = s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
		s.ErrorIs(err, prescription.ErrNoRefillsRemaining)
	}

	o := s.load(orig.ID)
	s.Equal(2, o.RefillsUsed)
	s.Equal(0, o.RefillsRemaining)
	s.NoError(o.CheckInvariants())
	s.Require().Len(o.Flags, 1)
	s.Equal(FlagRefillsExhausted, o.Flags[0].Code)
}

func (s *LifecycleSuite) TestCreateRefill_RejectedRefillFreesCapacity() {
	orig := s.create(s.intake("prod-lor", compliance.ScheduleIV, 1))
	s.walk(orig.ID, prescription.ActionStartReview, prescription.ActionVerify)

	first, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.Require().NoError(err)
	_, err = s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.Require().ErrorIs(err, prescription.ErrNoRefillsRemaining)

	s.walk(first.ID, prescription.ActionReopen, prescription.ActionReject)

	second, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.Require().NoError(err)
	s.Equal(2, second.RefillNumber)
}

func (s *LifecycleSuite) TestTransition_DispenseBeyondRefillsRefused() {
	orig := s.create(s.intake("prod-lor", compliance.ScheduleIV, 1))
	s.walk(orig.ID, prescription.ActionStartReview, prescription.ActionVerify)

	first, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.Require().NoError(err)

	// A second record issued outside the service, as a pre-existing row would be.
	extra, err := prescription.NewRefill("id-extra", orig.Number+"-R2", 2, s.load(orig.ID), s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Store.InTx(s.ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreatePrescription(ctx, extra)
	}))

	s.walk(first.ID, prescription.ActionQueue, prescription.ActionFill, prescription.ActionReady, prescription.ActionDispense)
	s.walk(extra.ID, prescription.ActionQueue, prescription.ActionFill, prescription.ActionReady)

	_, err = s.svc.Transition(s.ctx, extra.ID, prescription.ActionDispense, pharmacist)
	s.Require().ErrorIs(err, prescription.ErrNoRefillsRemaining)
	s.Equal(prescription.ProcessingReady, s.load(extra.ID).Processing)
	s.Equal(0, s.load(orig.ID).RefillsRemaining)
}

func (s *LifecycleSuite) TestCreateRefill_Refused() {
	orig := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))
	s.walk(orig.ID, prescription.ActionStartReview, prescription.ActionVerify)

	_, err := s.svc.CreateRefill(s.ctx, orig.ID, pharmacist)
	s.ErrorIs(err, prescription.ErrNoRefillsRemaining)
	s.Equal(ledger.KindPrescriptionBlocked, s.lastEntry(orig.ID).Kind)

	unverified := s.create(s.intake("prod-lor", compliance.ScheduleIV, 3))
	_, err = s.svc.CreateRefill(s.ctx, unverified.ID, pharmacist)
	s.ErrorIs(err, prescription.ErrInvalidTransition)

	refills, err := s.store.Refills(s.ctx, unverified.ID)
	s.Require().NoError(err)
	s.Empty(refills)
}

func (s *LifecycleSuite) TestTransition_ExpiredPrescription() {
	in := s.intake("prod-lor", compliance.ScheduleIV, 0)
	in.DateWritten = s.now.AddDate(0, 0, -200)
	p := s.create(in)
	s.walk(p.ID, prescription.ActionStartReview)

	_, err := s.svc.Transition(s.ctx, p.ID, prescription.ActionVerify, pharmacist)
	s.ErrorIs(err, ErrComplianceBlocked)
	s.ErrorIs(err, prescription.ErrPrescriptionExpired)
}

func (s *LifecycleSuite) TestTransition_InvalidActionIsAudited() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))

	_, err := s.svc.Transition(s.ctx, p.ID, prescription.ActionDispense, pharmacist)
	s.Require().ErrorIs(err, prescription.ErrInvalidTransition)

	after := s.load(p.ID)
	s.Equal(p.Version, after.Version)
	s.Equal(prescription.ProcessingReceived, after.Processing)
	s.Equal(ledger.KindPrescriptionBlocked, s.lastEntry(p.ID).Kind)
}

func (s *LifecycleSuite) TestTransition_AppliesAndAudits() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 1))

	got := s.walk(p.ID, prescription.ActionStartReview)
	s.Equal(prescription.VerificationInReview, got.Verification)
	s.Equal(p.Version+1, got.Version)
	s.Require().NotNil(got.Compliance)
	s.Equal(got, s.load(p.ID))

	e := s.lastEntry(p.ID)
	s.Equal(ledger.KindPrescriptionReviewStart, e.Kind)
	s.Equal("pending", e.Metadata["from_verification"])
	s.Equal("in_review", e.Metadata["to_verification"])
	s.JSONEq(`{"verification_status":"pending","processing_status":"received","refills_remaining":1,"version":1}`, string(e.Before))
	s.JSONEq(`{"verification_status":"in_review","processing_status":"received","refills_remaining":1,"version":2}`, string(e.After))

	rec, err := s.store.LatestVerdict(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(got.Compliance.ID, rec.Verdict.ID)
}

func (s *LifecycleSuite) TestTransition_StaleVersion() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))

	s.store.beforeNextTx = func() {
		s.Require().NoError(s.store.Store.InTx(s.ctx, func(ctx context.Context, tx storage.Tx) error {
			cur, err := tx.Prescription(ctx, p.ID)
			if err != nil {
				return err
			}
			cur.AddAlert("counseling", "patient requested counseling", s.now)
			return tx.UpdatePrescription(ctx, cur)
		}))
	}

	_, err := s.svc.Transition(s.ctx, p.ID, prescription.ActionStartReview, pharmacist)
	s.Require().ErrorIs(err, prescription.ErrStaleLifecycleState)

	after := s.load(p.ID)
	s.Equal(prescription.VerificationPending, after.Verification)
	s.Len(after.Alerts, 1)

	got := s.walk(p.ID, prescription.ActionStartReview)
	s.Equal(prescription.VerificationInReview, got.Verification)
	s.Len(got.Alerts, 1)
}

func (s *LifecycleSuite) TestTransition_AtomicOnAuditFailure() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))
	verdicts, err := s.store.Verdicts(s.ctx, 0, 100)
	s.Require().NoError(err)

	boom := errors.New("disk full")
	s.store.failNextTx = boom
	_, err = s.svc.Transition(s.ctx, p.ID, prescription.ActionStartReview, pharmacist)
	s.Require().ErrorIs(err, boom)

	after := s.load(p.ID)
	s.Equal(p.Version, after.Version)
	s.Equal(prescription.VerificationPending, after.Verification)
	s.Nil(after.Compliance)

	// Only the verdict of the audited refusal was committed.
	all, err := s.store.Verdicts(s.ctx, 0, 100)
	s.Require().NoError(err)
	s.Len(all, len(verdicts)+1)
	s.Equal(ledger.KindPrescriptionBlocked, s.lastEntry(p.ID).Kind)
}

func (s *LifecycleSuite) TestEvaluate() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))
	s.dir.PutProduct(compliance.Product{ID: "prod-lor", NDC: "0591-0240-01", Name: "Lorazepam", Strength: "2 mg", Schedule: compliance.ScheduleIV})

	v, err := s.svc.Evaluate(s.ctx, p.ID, pharmacist)
	s.Require().NoError(err)
	s.True(v.Passed)
	s.True(v.HasWarning(compliance.IssueStrengthMismatch))
	s.NotEmpty(v.ID)

	e := s.lastEntry(p.ID)
	s.Equal(ledger.KindComplianceEvaluated, e.Kind)
	s.Equal(v.ID, e.Metadata["verdict_id"])
	s.Equal(true, e.Metadata["passed"])

	after := s.load(p.ID)
	s.Require().NotNil(after.Compliance)
	s.Equal(v.ID, after.Compliance.ID)
	s.Equal(p.Version+1, after.Version)
	s.Require().Len(after.Alerts, 1)
	s.Equal(compliance.IssueStrengthMismatch, after.Alerts[0].Code)

	// Re-evaluating does not repeat an alert that is already raised.
	_, err = s.svc.Evaluate(s.ctx, p.ID, pharmacist)
	s.Require().NoError(err)
	s.Len(s.load(p.ID).Alerts, 1)

	moved := s.walk(p.ID, prescription.ActionStartReview)
	s.Len(moved.Alerts, 1)
}

type brokenDirectory struct{ directory.Directory }

func (brokenDirectory) Patient(context.Context, string) (*compliance.Patient, error) {
	return nil, errors.New("patient service unavailable")
}

func (s *LifecycleSuite) TestEvaluate_LookupOutage() {
	p := s.create(s.intake("prod-lor", compliance.ScheduleIV, 0))
	s.svc.dir = brokenDirectory{Directory: s.dir}

	_, err := s.svc.Evaluate(s.ctx, p.ID, pharmacist)
	s.Require().Error(err)
	s.Contains(err.Error(), "load patient")

	_, err = s.store.LatestVerdict(s.ctx, p.ID)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *LifecycleSuite) TestEvaluate_MissingPatientIsAFinding() {
	in := s.intake("prod-lor", compliance.ScheduleIV, 0)
	in.PatientID = "pt-unknown"
	p := s.create(in)

	v, err := s.svc.Evaluate(s.ctx, p.ID, pharmacist)
	s.Require().NoError(err)
	s.False(v.Passed)
	s.True(v.HasIssue(compliance.IssuePatientNotFound))
}
