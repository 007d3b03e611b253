// Package ports defines the storage interfaces for the vault aggregate.
// Interfaces live here because several services (vault, claim, monitor,
// release) read vault state through them.
package ports

import (
	"context"

	"heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
)

// Store persists vaults, beneficiaries and guardians. Implementations return
// sentinel.ErrNotFound for missing entities and sentinel.ErrConflict on
// version mismatches.
type Store interface {
	CreateVault(ctx context.Context, vault *models.Vault) error
	GetVault(ctx context.Context, vaultID id.VaultID) (*models.Vault, error)

	// ListVaultsByStatus drives the monitor sweep.
	ListVaultsByStatus(ctx context.Context, status models.VaultStatus) ([]*models.Vault, error)

	// ListVaultsByOwner serves the owner's dashboard reads.
	ListVaultsByOwner(ctx context.Context, ownerID id.OwnerID) ([]*models.Vault, error)

	// UpdateVault applies an optimistic-concurrency update: the stored
	// version must equal vault.Version, and the stored version is bumped.
	UpdateVault(ctx context.Context, vault *models.Vault) error

	AddBeneficiary(ctx context.Context, beneficiary *models.Beneficiary) error
	GetBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.Beneficiary, error)
	ListBeneficiaries(ctx context.Context, vaultID id.VaultID) ([]*models.Beneficiary, error)

	AddGuardian(ctx context.Context, guardian *models.Guardian) error
	GetGuardian(ctx context.Context, guardianID id.GuardianID) (*models.Guardian, error)
	ListGuardians(ctx context.Context, vaultID id.VaultID) ([]*models.Guardian, error)
	UpdateGuardianStatus(ctx context.Context, guardianID id.GuardianID, status models.GuardianStatus) error

	AddAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, assetID id.AssetID) (*models.Asset, error)
	ListAssets(ctx context.Context, vaultID id.VaultID) ([]*models.Asset, error)
	RemoveAsset(ctx context.Context, assetID id.AssetID) error
}
