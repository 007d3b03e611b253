// Package models defines the vault aggregate: the inheritance policy, its
// beneficiaries and its guardians.
package models

import (
	"time"

	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

// VaultStatus is the lifecycle state of a vault.
type VaultStatus string

const (
	VaultActive    VaultStatus = "active"
	VaultSuspended VaultStatus = "suspended"
	VaultClosed    VaultStatus = "closed"
)

func (s VaultStatus) IsValid() bool {
	switch s {
	case VaultActive, VaultSuspended, VaultClosed:
		return true
	}
	return false
}

// Vault groups beneficiaries, guardians and an inactivity rule under one
// inheritance policy. Version supports optimistic concurrency; stores reject
// updates whose version does not match the stored one.
type Vault struct {
	ID                  id.VaultID
	OwnerID             id.OwnerID
	Name                string
	Status              VaultStatus
	InactivityThreshold time.Duration
	GuardianQuorum      int
	CreatedAt           time.Time
	Version             int64
}

// Validate checks creation-time invariants. The quorum-versus-guardian-count
// invariant is enforced where guardians change, since guardians are
// registered after creation.
func (v *Vault) Validate(minThreshold time.Duration) error {
	if v.OwnerID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "vault owner is required")
	}
	if v.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "vault name is required")
	}
	if v.InactivityThreshold < minThreshold {
		return dErrors.Newf(dErrors.CodeValidation,
			"inactivity threshold must be at least %s", minThreshold)
	}
	if v.GuardianQuorum < 1 {
		return dErrors.New(dErrors.CodeValidation, "guardian quorum must be at least 1")
	}
	if !v.Status.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "invalid vault status %q", v.Status)
	}
	return nil
}

// Beneficiary belongs to exactly one vault. AllocationShare is a percentage;
// provisional sums above 100 are tolerated until release time, where the
// over-allocation guard applies.
type Beneficiary struct {
	ID              id.BeneficiaryID
	VaultID         id.VaultID
	WalletAddress   string
	AllocationShare int
	CreatedAt       time.Time
}

func (b *Beneficiary) Validate() error {
	if b.VaultID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "beneficiary vault is required")
	}
	if b.WalletAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "beneficiary wallet address is required")
	}
	if b.AllocationShare < 0 || b.AllocationShare > 100 {
		return dErrors.New(dErrors.CodeValidation, "allocation share must be between 0 and 100")
	}
	return nil
}

// GuardianStatus is the lifecycle state of a guardian. Only Active guardians'
// votes count toward quorum.
type GuardianStatus string

const (
	GuardianInvited GuardianStatus = "invited"
	GuardianActive  GuardianStatus = "active"
	GuardianRevoked GuardianStatus = "revoked"
)

func (s GuardianStatus) IsValid() bool {
	switch s {
	case GuardianInvited, GuardianActive, GuardianRevoked:
		return true
	}
	return false
}

// Guardian belongs to exactly one vault. InviteTokenHash stores the bcrypt
// hash of the invite token; the plaintext is returned once at invitation
// time and never persisted.
type Guardian struct {
	ID              id.GuardianID
	VaultID         id.VaultID
	WalletAddress   string
	Status          GuardianStatus
	InviteTokenHash string
	CreatedAt       time.Time
}

func (g *Guardian) Validate() error {
	if g.VaultID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "guardian vault is required")
	}
	if g.WalletAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "guardian wallet address is required")
	}
	if !g.Status.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "invalid guardian status %q", g.Status)
	}
	return nil
}

// Asset is an entry in the vault's registry of what is being bequeathed:
// a wallet, an account, a physical item. The registry is descriptive; the
// release transfer operates on allocation shares, not on individual assets.
type Asset struct {
	ID             id.AssetID
	VaultID        id.VaultID
	Name           string
	Kind           string
	Reference      string
	EstimatedValue int64
	CreatedAt      time.Time
}

func (a *Asset) Validate() error {
	if a.VaultID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "asset vault is required")
	}
	if a.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "asset name is required")
	}
	if a.Kind == "" {
		return dErrors.New(dErrors.CodeValidation, "asset kind is required")
	}
	if a.EstimatedValue < 0 {
		return dErrors.New(dErrors.CodeValidation, "asset estimated value cannot be negative")
	}
	return nil
}
