// Package ports defines the storage interface for claims. The monitor, the
// quorum service and the release coordinator all mutate claims exclusively
// through the optimistic-concurrency Update here.
package ports

import (
	"context"

	"heirloom/internal/claim/models"
	id "heirloom/pkg/domain"
)

// Store persists claims and their votes. Implementations return
// sentinel.ErrNotFound for missing claims. Create returns
// sentinel.ErrConflict when a non-terminal claim already exists for the same
// (vault, beneficiary) pair; Update returns sentinel.ErrConflict when the
// stored version differs from claim.Version.
type Store interface {
	Create(ctx context.Context, claim *models.Claim) error
	Get(ctx context.Context, claimID id.ClaimID) (*models.Claim, error)
	ListByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error)

	// ListOpenByVault returns only non-terminal claims.
	ListOpenByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error)

	// Update is the single check-and-set: state, votes and release reference
	// are persisted together, and the stored version is bumped.
	Update(ctx context.Context, claim *models.Claim) error
}
