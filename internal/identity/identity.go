// Package identity carries the acting participant through request contexts.
package identity

import (
	"context"
	"strings"

	"duet/internal/models"
)

// SystemID is the participant id used by background jobs such as the
// retention sweeper.
const SystemID = "system"

// Actor is the participant on whose behalf an operation runs.
type Actor struct {
	ID     string
	system bool
}

// System is the synthetic actor that bypasses authorship checks.
var System = Actor{ID: SystemID, system: true}

// New returns a participant actor. Participant ids are opaque but must be
// non-empty, and the reserved system id cannot be claimed.
func New(id string) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Actor{}, models.NewValidationError("participant id is required")
	}
	if id == SystemID {
		return Actor{}, models.NewValidationError("participant id is reserved")
	}
	return Actor{ID: id}, nil
}

// IsSystem reports whether a is the system actor.
func (a Actor) IsSystem() bool {
	return a.system
}

// Valid reports whether a identifies anyone.
func (a Actor) Valid() bool {
	return a.ID != ""
}

func (a Actor) String() string {
	return a.ID
}

type ctxKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored in ctx, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok && a.Valid()
}
