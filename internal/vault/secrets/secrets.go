// Package secrets generates and verifies guardian invite tokens. The token
// is handed to the owner once at invitation time; only its bcrypt hash is
// stored, so a leaked database cannot activate guardians.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	dErrors "heirloom/pkg/domain-errors"
)

// Generate creates a cryptographically secure random invite token.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash creates a bcrypt hash of the provided token for storage.
func Hash(token string) (string, error) {
	if token == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invite token cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "invite token is too long")
		}
		return "", fmt.Errorf("could not hash invite token: %w", err)
	}
	return string(hashed), nil
}

// Verify checks a plaintext token against a stored hash.
func Verify(token, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeUnauthorized, "invalid invite token")
		}
		return fmt.Errorf("could not verify invite token: %w", err)
	}
	return nil
}
