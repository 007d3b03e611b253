// Package domain holds the typed identifiers shared across the codebase.
// Distinct UUID wrappers keep a ClaimID from ever being passed where a
// VaultID is expected; the compiler enforces the distinction.
package domain

import (
	"github.com/google/uuid"

	dErrors "heirloom/pkg/domain-errors"
)

type (
	VaultID       uuid.UUID
	OwnerID       uuid.UUID
	BeneficiaryID uuid.UUID
	GuardianID    uuid.UUID
	ClaimID       uuid.UUID
	AssetID       uuid.UUID
)

func NewVaultID() VaultID             { return VaultID(uuid.New()) }
func NewOwnerID() OwnerID             { return OwnerID(uuid.New()) }
func NewBeneficiaryID() BeneficiaryID { return BeneficiaryID(uuid.New()) }
func NewGuardianID() GuardianID       { return GuardianID(uuid.New()) }
func NewClaimID() ClaimID             { return ClaimID(uuid.New()) }
func NewAssetID() AssetID             { return AssetID(uuid.New()) }

func (id VaultID) String() string       { return uuid.UUID(id).String() }
func (id OwnerID) String() string       { return uuid.UUID(id).String() }
func (id BeneficiaryID) String() string { return uuid.UUID(id).String() }
func (id GuardianID) String() string    { return uuid.UUID(id).String() }
func (id ClaimID) String() string       { return uuid.UUID(id).String() }
func (id AssetID) String() string       { return uuid.UUID(id).String() }

func (id VaultID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id OwnerID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id BeneficiaryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id GuardianID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ClaimID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id AssetID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

// parseUUID enforces the shared invariant: IDs must be valid, non-empty,
// non-nil UUIDs. Applied at every trust boundary.
func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return parsed, nil
}

func ParseVaultID(raw string) (VaultID, error) {
	u, err := parseUUID(raw)
	return VaultID(u), err
}

func ParseOwnerID(raw string) (OwnerID, error) {
	u, err := parseUUID(raw)
	return OwnerID(u), err
}

func ParseBeneficiaryID(raw string) (BeneficiaryID, error) {
	u, err := parseUUID(raw)
	return BeneficiaryID(u), err
}

func ParseGuardianID(raw string) (GuardianID, error) {
	u, err := parseUUID(raw)
	return GuardianID(u), err
}

func ParseClaimID(raw string) (ClaimID, error) {
	u, err := parseUUID(raw)
	return ClaimID(u), err
}

func ParseAssetID(raw string) (AssetID, error) {
	u, err := parseUUID(raw)
	return AssetID(u), err
}
