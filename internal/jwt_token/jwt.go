package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"heirloom/internal/platform/middleware"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// Claims represents the JWT claims carried by an actor proof. The identity
// collaborator signs these after verifying the wallet session; the core only
// checks the signature and expiry.
type Claims struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Roles an actor proof may carry, re-exported from requestcontext where the
// services read them.
const (
	RoleOwner       = requestcontext.RoleOwner
	RoleGuardian    = requestcontext.RoleGuardian
	RoleBeneficiary = requestcontext.RoleBeneficiary
	RoleAdmin       = requestcontext.RoleAdmin
)

// JWTService verifies and (for the identity glue and tests) mints actor
// proofs.
type JWTService struct {
	signingKey []byte
	issuer     string
}

func NewJWTService(signingKey string, issuer string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// GenerateProof mints a signed actor proof.
func (s *JWTService) GenerateProof(actorID string, role string, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ActorID: actorID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateProof implements middleware.ProofValidator.
func (s *JWTService) ValidateProof(tokenString string) (*middleware.ActorClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid actor proof")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid actor proof claims")
	}
	if claims.ActorID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor proof missing actor id")
	}

	return &middleware.ActorClaims{
		ActorID: claims.ActorID,
		Role:    claims.Role,
	}, nil
}
