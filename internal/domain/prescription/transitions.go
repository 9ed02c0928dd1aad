package prescription

import (
	"fmt"
	"slices"
	"time"
)

// Action is an operation that moves a prescription between states.
type Action string

const (
	ActionStartReview Action = "start_review"
	ActionVerify      Action = "verify"
	ActionReject      Action = "reject"
	ActionHold        Action = "hold"
	ActionReopen      Action = "reopen"
	ActionQueue       Action = "queue"
	ActionFill        Action = "fill"
	ActionReady       Action = "ready"
	ActionDispense    Action = "dispense"
	ActionReturn      Action = "return"
	ActionTransfer    Action = "transfer"
)

// Actions lists every action.
var Actions = []Action{
	ActionStartReview, ActionVerify, ActionReject, ActionHold, ActionReopen,
	ActionQueue, ActionFill, ActionReady, ActionDispense, ActionReturn, ActionTransfer,
}

// ParseAction validates s as an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, s)
}

// Gated reports whether a blocking compliance verdict prevents a.
func (a Action) Gated() bool {
	return a == ActionVerify || a == ActionFill || a == ActionDispense
}

type verificationRule struct {
	from []VerificationStatus
	to   VerificationStatus
}

var verificationRules = map[Action]verificationRule{
	ActionStartReview: {from: []VerificationStatus{VerificationPending, VerificationOnHold}, to: VerificationInReview},
	ActionVerify:      {from: []VerificationStatus{VerificationInReview, VerificationOnHold}, to: VerificationVerified},
	ActionReject:      {from: []VerificationStatus{VerificationInReview, VerificationOnHold}, to: VerificationRejected},
	ActionHold:        {from: []VerificationStatus{VerificationInReview}, to: VerificationOnHold},
	ActionReopen:      {from: []VerificationStatus{VerificationVerified, VerificationRejected}, to: VerificationInReview},
}

type processingRule struct {
	from             []ProcessingStatus
	to               ProcessingStatus
	requiresVerified bool
}

var processingRules = map[Action]processingRule{
	ActionQueue:    {from: []ProcessingStatus{ProcessingReceived}, to: ProcessingInQueue},
	ActionFill:     {from: []ProcessingStatus{ProcessingInQueue}, to: ProcessingFilling, requiresVerified: true},
	ActionReady:    {from: []ProcessingStatus{ProcessingFilling}, to: ProcessingReady, requiresVerified: true},
	ActionDispense: {from: []ProcessingStatus{ProcessingReady}, to: ProcessingDispensed, requiresVerified: true},
	ActionReturn:   {from: []ProcessingStatus{ProcessingReady, ProcessingDispensed}, to: ProcessingReturned},
	ActionTransfer: {from: []ProcessingStatus{ProcessingReady, ProcessingDispensed}, to: ProcessingTransferred},
}

// Change describes the state movement produced by one action.
type Change struct {
	Action           Action             `json:"action"`
	FromVerification VerificationStatus `json:"from_verification"`
	ToVerification   VerificationStatus `json:"to_verification"`
	FromProcessing   ProcessingStatus   `json:"from_processing"`
	ToProcessing     ProcessingStatus   `json:"to_processing"`
	At               time.Time          `json:"at"`
}

// CanApply reports whether a is legal from p's current state, without
// changing p.
func (p *Prescription) CanApply(a Action) error {
	if r, ok := verificationRules[a]; ok {
		if !slices.Contains(r.from, p.Verification) {
			return fmt.Errorf("%w: cannot %s from verification %s", ErrInvalidTransition, a, p.Verification)
		}
		if a == ActionReopen && p.Processing != ProcessingReceived && p.Processing != ProcessingInQueue {
			return fmt.Errorf("%w: cannot reopen once processing is %s", ErrInvalidTransition, p.Processing)
		}
		return nil
	}
	r, ok := processingRules[a]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, a)
	}
	if !slices.Contains(r.from, p.Processing) {
		return fmt.Errorf("%w: cannot %s from processing %s", ErrInvalidTransition, a, p.Processing)
	}
	if a == ActionQueue && p.Verification == VerificationRejected {
		return fmt.Errorf("%w: cannot queue a rejected prescription", ErrInvalidTransition)
	}
	if r.requiresVerified && p.Verification != VerificationVerified {
		return fmt.Errorf("%w: %s requires verification %s, have %s",
			ErrInvalidTransition, a, VerificationVerified, p.Verification)
	}
	return nil
}

// Apply moves p through a at time now. p is left unchanged on error.
func (p *Prescription) Apply(a Action, now time.Time) (Change, error) {
	if err := p.CanApply(a); err != nil {
		return Change{}, err
	}
	ch := Change{
		Action:           a,
		FromVerification: p.Verification,
		ToVerification:   p.Verification,
		FromProcessing:   p.Processing,
		ToProcessing:     p.Processing,
		At:               now,
	}
	if r, ok := verificationRules[a]; ok {
		ch.ToVerification = r.to
	} else {
		ch.ToProcessing = processingRules[a].to
	}

	p.Verification = ch.ToVerification
	p.Processing = ch.ToProcessing
	switch a {
	case ActionFill:
		t := now
		p.DateFilled = &t
	case ActionDispense:
		t := now
		p.DateDispensed = &t
	}
	p.UpdatedAt = now
	return ch, nil
}
