// Package service implements vault administration: creating vaults,
// registering beneficiaries and guardians, and the suspend, resume and close
// lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"heirloom/internal/audit"
	"heirloom/internal/vault/models"
	"heirloom/internal/vault/ports"
	"heirloom/internal/vault/secrets"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/sentinel"
	"heirloom/pkg/requestcontext"
)

// ActivitySeeder starts a vault's inactivity clock. Implemented by the
// activity ledger.
type ActivitySeeder interface {
	Seed(ctx context.Context, vaultID id.VaultID, at time.Time) error
}

// ClaimCanceller rejects all open claims for a vault on closure.
type ClaimCanceller interface {
	CancelVaultClaims(ctx context.Context, vaultID id.VaultID, actor, reason string) (int, error)
}

// Service coordinates vault mutations.
type Service struct {
	store        ports.Store
	activity     ActivitySeeder
	claims       ClaimCanceller
	audit        *audit.Log
	minThreshold time.Duration
	logger       *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMinInactivityThreshold sets the floor for vault inactivity thresholds.
func WithMinInactivityThreshold(d time.Duration) Option {
	return func(s *Service) { s.minThreshold = d }
}

func New(store ports.Store, activity ActivitySeeder, claims ClaimCanceller, auditLog *audit.Log, opts ...Option) (*Service, error) {
	if store == nil || activity == nil || claims == nil || auditLog == nil {
		return nil, fmt.Errorf("vault service requires store, activity seeder, claim canceller and audit log")
	}
	s := &Service{
		store:        store,
		activity:     activity,
		claims:       claims,
		audit:        auditLog,
		minThreshold: 30 * 24 * time.Hour,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateVaultInput carries the caller-supplied vault parameters.
type CreateVaultInput struct {
	OwnerID             id.OwnerID
	Name                string
	InactivityThreshold time.Duration
	GuardianQuorum      int
}

// CreateVault persists a new active vault and seeds its activity record.
// Creation itself counts as the first owner activity.
func (s *Service) CreateVault(ctx context.Context, in CreateVaultInput) (*models.Vault, error) {
	now := requestcontext.Now(ctx)
	vault := &models.Vault{
		ID:                  id.NewVaultID(),
		OwnerID:             in.OwnerID,
		Name:                in.Name,
		Status:              models.VaultActive,
		InactivityThreshold: in.InactivityThreshold,
		GuardianQuorum:      in.GuardianQuorum,
		CreatedAt:           now,
		Version:             1,
	}
	if err := vault.Validate(s.minThreshold); err != nil {
		return nil, err
	}
	if err := s.store.CreateVault(ctx, vault); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create vault")
	}
	if err := s.activity.Seed(ctx, vault.ID, now); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityVault,
		EntityID:   vault.ID.String(),
		VaultID:    vault.ID,
		Action:     audit.ActionTransition,
		ToState:    string(models.VaultActive),
		Actor:      requestcontext.ActorID(ctx),
		Reason:     "vault_created",
	})
	s.logger.InfoContext(ctx, "vault created",
		"vault_id", vault.ID.String(),
		"owner_id", vault.OwnerID.String(),
		"quorum", vault.GuardianQuorum,
	)
	return vault, nil
}

// GetVault returns the stored vault.
func (s *Service) GetVault(ctx context.Context, vaultID id.VaultID) (*models.Vault, error) {
	return s.getVault(ctx, vaultID)
}

// ListVaultsForOwner returns every vault the actor owns, closed ones
// included. The owner is taken from the authenticated actor, not a
// request parameter.
func (s *Service) ListVaultsForOwner(ctx context.Context) ([]*models.Vault, error) {
	ownerID, err := id.ParseOwnerID(requestcontext.ActorID(ctx))
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor is not an owner")
	}
	out, err := s.store.ListVaultsByOwner(ctx, ownerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list vaults")
	}
	return out, nil
}

// AddBeneficiary registers a beneficiary on an active vault. Allocation
// shares are accepted provisionally; the over-allocation guard applies at
// release time.
func (s *Service) AddBeneficiary(ctx context.Context, vaultID id.VaultID, walletAddress string, allocationShare int) (*models.Beneficiary, error) {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return nil, err
	}
	if vault.Status != models.VaultActive {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition, "vault is %s", vault.Status)
	}

	beneficiary := &models.Beneficiary{
		ID:              id.NewBeneficiaryID(),
		VaultID:         vaultID,
		WalletAddress:   walletAddress,
		AllocationShare: allocationShare,
		CreatedAt:       requestcontext.Now(ctx),
	}
	if err := beneficiary.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.AddBeneficiary(ctx, beneficiary); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "beneficiary wallet already registered on vault")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "add beneficiary")
	}
	return beneficiary, nil
}

// ListBeneficiaries returns a vault's beneficiaries.
func (s *Service) ListBeneficiaries(ctx context.Context, vaultID id.VaultID) ([]*models.Beneficiary, error) {
	if _, err := s.getVault(ctx, vaultID); err != nil {
		return nil, err
	}
	out, err := s.store.ListBeneficiaries(ctx, vaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list beneficiaries")
	}
	return out, nil
}

// AddGuardian registers a guardian in the Invited state and returns the
// plaintext invite token alongside the record. The token is shown exactly
// once; only its hash is stored, and activation requires presenting it.
func (s *Service) AddGuardian(ctx context.Context, vaultID id.VaultID, walletAddress string) (*models.Guardian, string, error) {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return nil, "", err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return nil, "", err
	}
	if vault.Status != models.VaultActive {
		return nil, "", dErrors.Newf(dErrors.CodeInvalidTransition, "vault is %s", vault.Status)
	}

	token, err := secrets.Generate()
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "generate invite token")
	}
	tokenHash, err := secrets.Hash(token)
	if err != nil {
		return nil, "", err
	}

	guardian := &models.Guardian{
		ID:              id.NewGuardianID(),
		VaultID:         vaultID,
		WalletAddress:   walletAddress,
		Status:          models.GuardianInvited,
		InviteTokenHash: tokenHash,
		CreatedAt:       requestcontext.Now(ctx),
	}
	if err := guardian.Validate(); err != nil {
		return nil, "", err
	}
	if err := s.store.AddGuardian(ctx, guardian); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, "", dErrors.New(dErrors.CodeConflict, "guardian wallet already registered on vault")
		}
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "add guardian")
	}

	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityGuardian,
		EntityID:   guardian.ID.String(),
		VaultID:    vaultID,
		Action:     audit.ActionTransition,
		ToState:    string(models.GuardianInvited),
		Actor:      requestcontext.ActorID(ctx),
		Reason:     "guardian_invited",
	})
	return guardian, token, nil
}

// ListGuardians returns a vault's guardians, revoked ones included.
func (s *Service) ListGuardians(ctx context.Context, vaultID id.VaultID) ([]*models.Guardian, error) {
	if _, err := s.getVault(ctx, vaultID); err != nil {
		return nil, err
	}
	out, err := s.store.ListGuardians(ctx, vaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list guardians")
	}
	return out, nil
}

// ActivateGuardian accepts an invitation. The caller proves they received
// the invitation by presenting the plaintext token issued at invite time.
func (s *Service) ActivateGuardian(ctx context.Context, guardianID id.GuardianID, inviteToken string) error {
	guardian, err := s.getGuardian(ctx, guardianID)
	if err != nil {
		return err
	}
	if guardian.Status != models.GuardianInvited {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"guardian is %s, only invited guardians can be activated", guardian.Status)
	}
	if err := secrets.Verify(inviteToken, guardian.InviteTokenHash); err != nil {
		return err
	}
	if err := s.store.UpdateGuardianStatus(ctx, guardianID, models.GuardianActive); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "activate guardian")
	}
	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityGuardian,
		EntityID:   guardianID.String(),
		VaultID:    guardian.VaultID,
		Action:     audit.ActionTransition,
		FromState:  string(models.GuardianInvited),
		ToState:    string(models.GuardianActive),
		Actor:      requestcontext.ActorID(ctx),
	})
	return nil
}

// RevokeGuardian removes a guardian from the voting set. The revocation is
// refused when it would leave fewer active guardians than the vault's quorum,
// because such a vault could never approve a claim again.
func (s *Service) RevokeGuardian(ctx context.Context, guardianID id.GuardianID) error {
	guardian, err := s.getGuardian(ctx, guardianID)
	if err != nil {
		return err
	}
	vault, err := s.getVault(ctx, guardian.VaultID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return err
	}
	if guardian.Status == models.GuardianRevoked {
		return nil
	}

	if guardian.Status == models.GuardianActive {
		guardians, err := s.store.ListGuardians(ctx, guardian.VaultID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list guardians")
		}
		active := 0
		for _, g := range guardians {
			if g.Status == models.GuardianActive {
				active++
			}
		}
		if active-1 < vault.GuardianQuorum {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"revoking would leave %d active guardians, below the quorum of %d",
				active-1, vault.GuardianQuorum)
		}
	}

	from := guardian.Status
	if err := s.store.UpdateGuardianStatus(ctx, guardianID, models.GuardianRevoked); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke guardian")
	}
	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityGuardian,
		EntityID:   guardianID.String(),
		VaultID:    guardian.VaultID,
		Action:     audit.ActionTransition,
		FromState:  string(from),
		ToState:    string(models.GuardianRevoked),
		Actor:      requestcontext.ActorID(ctx),
	})
	return nil
}

// SuspendVault takes a vault out of monitoring without cancelling claims.
func (s *Service) SuspendVault(ctx context.Context, vaultID id.VaultID) error {
	return s.setStatus(ctx, vaultID, models.VaultActive, models.VaultSuspended, "vault_suspended")
}

// ResumeVault returns a suspended vault to monitoring.
func (s *Service) ResumeVault(ctx context.Context, vaultID id.VaultID) error {
	return s.setStatus(ctx, vaultID, models.VaultSuspended, models.VaultActive, "vault_resumed")
}

// CloseVault permanently retires a vault and rejects all its open claims.
func (s *Service) CloseVault(ctx context.Context, vaultID id.VaultID) error {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return err
	}
	if vault.Status == models.VaultClosed {
		return nil
	}

	actor := requestcontext.ActorID(ctx)
	cancelled, err := s.claims.CancelVaultClaims(ctx, vaultID, actor, "vault_closed")
	if err != nil {
		return err
	}

	from := vault.Status
	vault.Status = models.VaultClosed
	if err := s.updateVault(ctx, vault); err != nil {
		return err
	}

	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityVault,
		EntityID:   vaultID.String(),
		VaultID:    vaultID,
		Action:     audit.ActionTransition,
		FromState:  string(from),
		ToState:    string(models.VaultClosed),
		Actor:      actor,
		Reason:     "vault_closed",
	})
	s.logger.InfoContext(ctx, "vault closed",
		"vault_id", vaultID.String(),
		"cancelled_claims", cancelled,
	)
	return nil
}

func (s *Service) setStatus(ctx context.Context, vaultID id.VaultID, from, to models.VaultStatus, reason string) error {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return err
	}
	if vault.Status != from {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "vault is %s, expected %s", vault.Status, from)
	}
	vault.Status = to
	if err := s.updateVault(ctx, vault); err != nil {
		return err
	}
	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityVault,
		EntityID:   vaultID.String(),
		VaultID:    vaultID,
		Action:     audit.ActionTransition,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      requestcontext.ActorID(ctx),
		Reason:     reason,
	})
	return nil
}

func (s *Service) updateVault(ctx context.Context, vault *models.Vault) error {
	if err := s.store.UpdateVault(ctx, vault); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "vault changed concurrently")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "update vault")
	}
	return nil
}

func (s *Service) getVault(ctx context.Context, vaultID id.VaultID) (*models.Vault, error) {
	vault, err := s.store.GetVault(ctx, vaultID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "vault not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load vault")
	}
	return vault, nil
}

func (s *Service) getGuardian(ctx context.Context, guardianID id.GuardianID) (*models.Guardian, error) {
	guardian, err := s.store.GetGuardian(ctx, guardianID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "guardian not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load guardian")
	}
	return guardian, nil
}

// requireOwner refuses mutations unless the authenticated actor is the
// vault's owner. Reads are not gated; the data carries no secrets beyond
// wallet addresses the owner supplied.
func (s *Service) requireOwner(ctx context.Context, vault *models.Vault) error {
	if !requestcontext.HasRole(ctx, requestcontext.RoleOwner) {
		return dErrors.New(dErrors.CodeUnauthorized, "owner role required")
	}
	actor, err := id.ParseOwnerID(requestcontext.ActorID(ctx))
	if err != nil || actor != vault.OwnerID {
		return dErrors.New(dErrors.CodeUnauthorized, "actor is not the vault owner")
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, entry audit.Entry) {
	if _, err := s.audit.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"entity_id", entry.EntityID,
			"action", entry.Action,
			"error", err,
		)
	}
}

// AddAsset registers an asset in an active vault's registry. The registry is
// descriptive: the release transfer divides the estate by allocation share,
// not per asset.
func (s *Service) AddAsset(ctx context.Context, vaultID id.VaultID, name, kind, reference string, estimatedValue int64) (*models.Asset, error) {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return nil, err
	}
	if vault.Status != models.VaultActive {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition, "vault is %s", vault.Status)
	}

	asset := &models.Asset{
		ID:             id.NewAssetID(),
		VaultID:        vaultID,
		Name:           name,
		Kind:           kind,
		Reference:      reference,
		EstimatedValue: estimatedValue,
		CreatedAt:      requestcontext.Now(ctx),
	}
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.AddAsset(ctx, asset); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "add asset")
	}
	return asset, nil
}

// ListAssets returns a vault's asset registry.
func (s *Service) ListAssets(ctx context.Context, vaultID id.VaultID) ([]*models.Asset, error) {
	if _, err := s.getVault(ctx, vaultID); err != nil {
		return nil, err
	}
	out, err := s.store.ListAssets(ctx, vaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list assets")
	}
	return out, nil
}

// RemoveAsset deletes an asset from the registry.
func (s *Service) RemoveAsset(ctx context.Context, vaultID id.VaultID, assetID id.AssetID) error {
	vault, err := s.getVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, vault); err != nil {
		return err
	}
	asset, err := s.store.GetAsset(ctx, assetID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "asset not found")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load asset")
	}
	if asset.VaultID != vaultID {
		return dErrors.New(dErrors.CodeNotFound, "asset not found")
	}
	if err := s.store.RemoveAsset(ctx, assetID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "remove asset")
	}
	return nil
}
