package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"heirloom/pkg/requestcontext"
)

// ActorClaims is what the identity collaborator attests after verifying an
// actor proof. The core trusts the verified identity; wallet signature
// checking lives behind the validator.
type ActorClaims struct {
	ActorID string
	Role    string
}

// ProofValidator verifies a bearer actor proof and returns the attested
// identity.
type ProofValidator interface {
	ValidateProof(token string) (*ActorClaims, error)
}

// GetActorID retrieves the authenticated actor ID from the context.
func GetActorID(ctx context.Context) string {
	return requestcontext.ActorID(ctx)
}

// RequireActor rejects requests without a valid actor proof and injects the
// attested identity into the request context.
func RequireActor(validator ProofValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				unauthorized(w)
				return
			}

			claims, err := validator.ValidateProof(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid actor proof",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				unauthorized(w)
				return
			}

			ctx = requestcontext.WithActorID(ctx, claims.ActorID)
			ctx = requestcontext.WithActorRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"Invalid or expired actor proof"}`))
}
