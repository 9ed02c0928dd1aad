package prescription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func intake(s compliance.Schedule, refills int) Intake {
	return Intake{
		PatientID:         "pt-1",
		PatientName:       "Jordan Smith",
		PatientDOB:        time.Date(1980, 2, 14, 0, 0, 0, 0, time.UTC),
		PrescriberID:      "dr-1",
		ProductID:         "prod-1",
		DrugName:          "Lorazepam",
		NDC:               "0591-0240-01",
		Strength:          "1 mg",
		Schedule:          s,
		Quantity:          30,
		DaySupply:         30,
		RefillsAuthorized: refills,
		DateWritten:       now.AddDate(0, 0, -1),
	}
}

func newRx(t *testing.T, s compliance.Schedule, refills int) *Prescription {
	t.Helper()
	p, err := New("rx-1", "RX-1", intake(s, refills), now)
	require.NoError(t, err)
	return p
}

func walk(t *testing.T, p *Prescription, actions ...Action) {
	t.Helper()
	for _, a := range actions {
		_, err := p.Apply(a, now)
		require.NoError(t, err, "action %s", a)
	}
}

func TestNew(t *testing.T) {
	p := newRx(t, compliance.ScheduleIV, 2)

	assert.Equal(t, VerificationPending, p.Verification)
	assert.Equal(t, ProcessingReceived, p.Processing)
	assert.Equal(t, 2, p.RefillsRemaining)
	assert.Zero(t, p.RefillsUsed)
	assert.Equal(t, p.DateWritten.AddDate(0, 0, 180), p.ExpirationDate)
	require.NoError(t, p.CheckInvariants())

	p2, err := New("rx-2", "RX-2", intake(compliance.ScheduleII, 0), now)
	require.NoError(t, err)
	assert.Equal(t, p2.DateWritten.AddDate(0, 0, 30), p2.ExpirationDate)

	p3, err := New("rx-3", "RX-3", intake("", 0), now)
	require.NoError(t, err)
	assert.Equal(t, compliance.ScheduleNone, p3.Schedule)
	assert.Equal(t, p3.DateWritten.AddDate(0, 0, 365), p3.ExpirationDate)
}

func TestNew_Validation(t *testing.T) {
	in := intake(compliance.ScheduleIV, 0)
	in.PatientID = ""
	in.DrugName = ""
	_, err := New("x", "X", in, now)
	require.ErrorIs(t, err, ErrInvalidPrescription)
	assert.Contains(t, err.Error(), "patient_id")
	assert.Contains(t, err.Error(), "drug_name")

	in = intake("VII", 0)
	_, err = New("x", "X", in, now)
	assert.ErrorIs(t, err, ErrInvalidPrescription)

	in = intake(compliance.ScheduleIV, -1)
	_, err = New("x", "X", in, now)
	assert.ErrorIs(t, err, ErrInvalidPrescription)
}

func TestApply_HappyPath(t *testing.T) {
	p := newRx(t, compliance.ScheduleIV, 2)

	ch, err := p.Apply(ActionStartReview, now)
	require.NoError(t, err)
	assert.Equal(t, VerificationPending, ch.FromVerification)
	assert.Equal(t, VerificationInReview, ch.ToVerification)

	walk(t, p, ActionVerify, ActionQueue, ActionFill, ActionReady)
	require.NotNil(t, p.DateFilled)

	ch, err = p.Apply(ActionDispense, now)
	require.NoError(t, err)
	assert.Equal(t, ProcessingReady, ch.FromProcessing)
	assert.Equal(t, ProcessingDispensed, ch.ToProcessing)
	require.NotNil(t, p.DateDispensed)
	assert.NoError(t, p.CheckInvariants())
}

func TestApply_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Action
		try   Action
	}{
		{"verify before review", nil, ActionVerify},
		{"hold while pending", nil, ActionHold},
		{"fill while unverified", []Action{ActionQueue}, ActionFill},
		{"dispense before ready", []Action{ActionStartReview, ActionVerify, ActionQueue}, ActionDispense},
		{"review after verified", []Action{ActionStartReview, ActionVerify}, ActionStartReview},
		{"reopen while filling", []Action{ActionStartReview, ActionVerify, ActionQueue, ActionFill}, ActionReopen},
		{"queue rejected", []Action{ActionStartReview, ActionReject}, ActionQueue},
		{"return before ready", []Action{ActionQueue}, ActionReturn},
		{"transfer from received", nil, ActionTransfer},
		{"unknown action", nil, Action("teleport")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRx(t, compliance.ScheduleNone, 0)
			walk(t, p, tt.setup...)
			before := p.Clone()

			_, err := p.Apply(tt.try, now)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, p)
		})
	}
}

func TestApply_HoldAndReopen(t *testing.T) {
	p := newRx(t, compliance.ScheduleNone, 0)
	walk(t, p, ActionStartReview, ActionHold)
	assert.Equal(t, VerificationOnHold, p.Verification)

	walk(t, p, ActionStartReview, ActionReject)
	assert.Equal(t, VerificationRejected, p.Verification)

	walk(t, p, ActionReopen, ActionVerify, ActionQueue)
	assert.Equal(t, VerificationVerified, p.Verification)

	// still reopenable while queued
	walk(t, p, ActionReopen)
	assert.Equal(t, VerificationInReview, p.Verification)
	assert.Equal(t, ProcessingInQueue, p.Processing)

	_, err := p.Apply(ActionFill, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_SideExits(t *testing.T) {
	p := newRx(t, compliance.ScheduleNone, 0)
	walk(t, p, ActionStartReview, ActionVerify, ActionQueue, ActionFill, ActionReady, ActionTransfer)
	assert.Equal(t, ProcessingTransferred, p.Processing)

	p = newRx(t, compliance.ScheduleNone, 0)
	walk(t, p, ActionStartReview, ActionVerify, ActionQueue, ActionFill, ActionReady, ActionDispense, ActionReturn)
	assert.Equal(t, ProcessingReturned, p.Processing)

	_, err := p.Apply(ActionDispense, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConsumeRefill(t *testing.T) {
	p := newRx(t, compliance.ScheduleIV, 2)
	require.NoError(t, p.ConsumeRefill())
	require.NoError(t, p.ConsumeRefill())
	assert.Equal(t, 2, p.RefillsUsed)
	assert.Equal(t, 0, p.RefillsRemaining)

	err := p.ConsumeRefill()
	assert.ErrorIs(t, err, ErrNoRefillsRemaining)
	assert.Equal(t, 2, p.RefillsUsed)
	assert.NoError(t, p.CheckInvariants())
}

func TestNewRefill(t *testing.T) {
	orig := newRx(t, compliance.ScheduleIV, 1)

	_, err := NewRefill("rx-1-r1", "RX-1-R1", 1, orig, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "original must be verified")

	walk(t, orig, ActionStartReview, ActionVerify, ActionQueue, ActionFill, ActionReady, ActionDispense)
	orig.Version = 7

	r, err := NewRefill("rx-1-r1", "RX-1-R1", 1, orig, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, orig.ID, r.ParentID)
	assert.Equal(t, orig.ID, r.FamilyID())
	assert.True(t, r.IsRefill())
	assert.Equal(t, 1, r.RefillNumber)
	assert.Equal(t, VerificationVerified, r.Verification)
	assert.Equal(t, ProcessingReceived, r.Processing)
	assert.Nil(t, r.DateDispensed)
	assert.Zero(t, r.Version)
	assert.Equal(t, orig.ExpirationDate, r.ExpirationDate)
	assert.NoError(t, r.CheckInvariants())

	_, err = NewRefill("x", "X", 1, r, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "refill of a refill")
	assert.ErrorIs(t, r.ConsumeRefill(), ErrInvalidTransition)

	require.NoError(t, orig.ConsumeRefill())
	_, err = NewRefill("x", "X", 2, orig, now)
	assert.ErrorIs(t, err, ErrNoRefillsRemaining)
}

func TestNewRefill_Expired(t *testing.T) {
	orig := newRx(t, compliance.ScheduleIV, 3)
	walk(t, orig, ActionStartReview, ActionVerify)

	_, err := NewRefill("x", "X", 1, orig, orig.ExpirationDate.Add(time.Second))
	assert.ErrorIs(t, err, ErrPrescriptionExpired)
}

func TestCheckRefillCapacity(t *testing.T) {
	orig := newRx(t, compliance.ScheduleIV, 2)
	walk(t, orig, ActionStartReview, ActionVerify)
	require.NoError(t, CheckRefillCapacity(orig, nil))

	r1, err := NewRefill("rx-1-r1", "RX-1-R1", 1, orig, now)
	require.NoError(t, err)
	r2, err := NewRefill("rx-1-r2", "RX-1-R2", 2, orig, now)
	require.NoError(t, err)
	assert.True(t, r1.AwaitingDispense())
	assert.False(t, orig.AwaitingDispense(), "originals never count")

	assert.NoError(t, CheckRefillCapacity(orig, []*Prescription{r1}))
	assert.ErrorIs(t, CheckRefillCapacity(orig, []*Prescription{r1, r2}), ErrNoRefillsRemaining)

	// A dispensed record has already consumed its refill on the original.
	walk(t, r1, ActionQueue, ActionFill, ActionReady, ActionDispense)
	require.NoError(t, orig.ConsumeRefill())
	assert.False(t, r1.AwaitingDispense())
	assert.ErrorIs(t, CheckRefillCapacity(orig, []*Prescription{r1, r2}), ErrNoRefillsRemaining)

	walk(t, r2, ActionReopen, ActionReject)
	assert.False(t, r2.AwaitingDispense())
	assert.NoError(t, CheckRefillCapacity(orig, []*Prescription{r1, r2}))

	other := newRx(t, compliance.ScheduleIV, 1)
	other.ID = "rx-other"
	stray, err := NewRefill("x", "X", 1, orig, now)
	require.NoError(t, err)
	stray.ParentID = other.ID
	assert.NoError(t, CheckRefillCapacity(orig, []*Prescription{r1, r2, stray}), "other families are ignored")
}

func TestCheckInvariants(t *testing.T) {
	p := newRx(t, compliance.ScheduleIV, 2)
	p.RefillsUsed = 1
	assert.ErrorIs(t, p.CheckInvariants(), ErrInvalidPrescription)

	p = newRx(t, compliance.ScheduleIV, 2)
	p.Processing = ProcessingDispensed
	assert.ErrorIs(t, p.CheckInvariants(), ErrInvalidPrescription)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("dispense")
	require.NoError(t, err)
	assert.Equal(t, ActionDispense, a)
	assert.True(t, a.Gated())
	assert.False(t, ActionQueue.Gated())

	_, err = ParseAction("nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
