// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them, services read them; keeping
// this package free of net/http lets workers and tests inject values too.
package requestcontext

import (
	"context"
	"time"
)

type (
	actorIDKey     struct{}
	actorRoleKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyActorID     = actorIDKey{}
	ContextKeyActorRole   = actorRoleKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// Roles an actor proof may carry. Services compare these against the role
// claim when deciding whether an authenticated actor may perform an
// operation.
const (
	RoleOwner       = "owner"
	RoleGuardian    = "guardian"
	RoleBeneficiary = "beneficiary"
	RoleAdmin       = "admin"
)

// HasRole reports whether the context's role claim permits acting as the
// wanted role. An empty role claim is tolerated so internal callers and
// proofs minted before roles existed keep working; identity binding against
// the target entity is the hard check.
func HasRole(ctx context.Context, wanted string) bool {
	role := ActorRole(ctx)
	return role == "" || role == wanted || role == RoleAdmin
}

// ActorID retrieves the authenticated actor identity from the context. The
// identity collaborator has already verified the proof; the core trusts it.
func ActorID(ctx context.Context) string {
	if actor, ok := ctx.Value(ContextKeyActorID).(string); ok {
		return actor
	}
	return ""
}

// WithActorID injects an authenticated actor identity into the context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

// ActorRole retrieves the actor's role claim (owner, guardian, beneficiary).
func ActorRole(ctx context.Context) string {
	if role, ok := ctx.Value(ContextKeyActorRole).(string); ok {
		return role
	}
	return ""
}

// WithActorRole injects an actor role into the context.
func WithActorRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ContextKeyActorRole, role)
}

// RequestID retrieves the request correlation ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context. Falls back to
// time.Now() for non-HTTP contexts (sweeps, workers, tests without injection).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Used by the sweep loop so
// one pass evaluates every vault against a single instant, and by tests.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
