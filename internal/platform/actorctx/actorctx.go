// Package actorctx carries the acting user through request contexts.
// Workflow operations read the actor explicitly instead of relying on any
// ambient global state; history recording skips silently when no actor is set.
package actorctx

import "context"

type ctxKey struct{}

// Actor identifies who is performing the current operation.
type Actor struct {
	UserID int64
	Rights string // SA | AD | US
}

// IsAdmin reports whether the actor holds an administrative role.
func (a Actor) IsAdmin() bool {
	return a.Rights == "SA" || a.Rights == "AD"
}

// With returns a context carrying the actor.
func With(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// From returns the actor stored in ctx, if any.
func From(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(Actor)
	return actor, ok
}
