// Package actor carries the identity and network context of whoever triggers
// an auditable action. Values are passed explicitly into the ledger and the
// lifecycle service; the context helpers exist only for the HTTP adapter.
package actor

import "context"

// Actor identifies the user and request behind an action.
type Actor struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// System is the actor recorded for scheduled and internal actions.
var System = Actor{UserID: "system", Name: "system", Role: "system"}

// IsSystem reports whether a is the internal system actor.
func (a Actor) IsSystem() bool {
	return a.UserID == System.UserID && a.Role == System.Role
}

// IsZero reports whether no identity was supplied.
func (a Actor) IsZero() bool {
	return a.UserID == "" && a.Name == "" && a.Role == ""
}

type actorKey struct{}

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext returns the actor stored in ctx, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
