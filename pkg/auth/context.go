package auth

import (
	"context"
	"errors"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom retrieves the authenticated actor from the context.
func ActorFrom(ctx context.Context) (*Actor, error) {
	a, ok := ctx.Value(actorKey).(*Actor)
	if !ok || a == nil {
		return nil, errors.New("no actor in context")
	}
	return a, nil
}
