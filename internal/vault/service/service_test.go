package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heirloom/internal/audit"
	auditmemory "heirloom/internal/audit/store/memory"
	"heirloom/internal/vault/models"
	"heirloom/internal/vault/service"
	"heirloom/internal/vault/store/memory"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

type fakeSeeder struct {
	seeded map[id.VaultID]time.Time
}

func (f *fakeSeeder) Seed(_ context.Context, vaultID id.VaultID, at time.Time) error {
	if f.seeded == nil {
		f.seeded = make(map[id.VaultID]time.Time)
	}
	f.seeded[vaultID] = at
	return nil
}

type fakeCanceller struct {
	cancelled int
	calls     int
}

func (f *fakeCanceller) CancelVaultClaims(_ context.Context, _ id.VaultID, _, _ string) (int, error) {
	f.calls++
	return f.cancelled, nil
}

type fixture struct {
	svc       *service.Service
	store     *memory.InMemoryStore
	seeder    *fakeSeeder
	canceller *fakeCanceller
	auditLog  *audit.Log
	owner     id.OwnerID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewInMemoryStore()
	seeder := &fakeSeeder{}
	canceller := &fakeCanceller{}
	auditLog, err := audit.New(context.Background(), auditmemory.NewInMemoryStore())
	require.NoError(t, err)

	svc, err := service.New(store, seeder, canceller, auditLog,
		service.WithMinInactivityThreshold(30*24*time.Hour))
	require.NoError(t, err)
	return &fixture{
		svc:       svc,
		store:     store,
		seeder:    seeder,
		canceller: canceller,
		auditLog:  auditLog,
		owner:     id.NewOwnerID(),
	}
}

// asOwner builds the context an authenticated owner request carries.
func (f *fixture) asOwner() context.Context {
	ctx := requestcontext.WithActorID(context.Background(), f.owner.String())
	return requestcontext.WithActorRole(ctx, requestcontext.RoleOwner)
}

func asForeignOwner() context.Context {
	ctx := requestcontext.WithActorID(context.Background(), id.NewOwnerID().String())
	return requestcontext.WithActorRole(ctx, requestcontext.RoleOwner)
}

func (f *fixture) validInput() service.CreateVaultInput {
	return service.CreateVaultInput{
		OwnerID:             f.owner,
		Name:                "estate",
		InactivityThreshold: 90 * 24 * time.Hour,
		GuardianQuorum:      2,
	}
}

func (f *fixture) createVault(t *testing.T) *models.Vault {
	t.Helper()
	vault, err := f.svc.CreateVault(f.asOwner(), f.validInput())
	require.NoError(t, err)
	return vault
}

func TestCreateVaultSeedsActivity(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)

	assert.Equal(t, models.VaultActive, vault.Status)
	assert.Contains(t, f.seeder.seeded, vault.ID)

	stored, err := f.svc.GetVault(context.Background(), vault.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.ID, stored.ID)
}

func TestCreateVaultRejectsShortThreshold(t *testing.T) {
	f := newFixture(t)
	in := f.validInput()
	in.InactivityThreshold = 24 * time.Hour

	_, err := f.svc.CreateVault(f.asOwner(), in)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestCreateVaultRejectsZeroQuorum(t *testing.T) {
	f := newFixture(t)
	in := f.validInput()
	in.GuardianQuorum = 0

	_, err := f.svc.CreateVault(f.asOwner(), in)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestListVaultsForOwner(t *testing.T) {
	f := newFixture(t)
	first := f.createVault(t)
	second := f.createVault(t)

	vaults, err := f.svc.ListVaultsForOwner(f.asOwner())
	require.NoError(t, err)
	require.Len(t, vaults, 2)
	ids := []id.VaultID{vaults[0].ID, vaults[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	// Another owner sees none of them.
	other, err := f.svc.ListVaultsForOwner(asForeignOwner())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAddBeneficiaryValidatesShare(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	_, err := f.svc.AddBeneficiary(ctx, vault.ID, "0xheir", 101)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	beneficiary, err := f.svc.AddBeneficiary(ctx, vault.ID, "0xheir", 60)
	require.NoError(t, err)
	assert.Equal(t, 60, beneficiary.AllocationShare)

	// Provisional over-allocation across beneficiaries is allowed here; the
	// release coordinator is the enforcement point.
	_, err = f.svc.AddBeneficiary(ctx, vault.ID, "0xother", 60)
	require.NoError(t, err)
}

func TestMutationsRequireVaultOwner(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	stranger := asForeignOwner()

	_, err := f.svc.AddBeneficiary(stranger, vault.ID, "0xheir", 50)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, _, err = f.svc.AddGuardian(stranger, vault.ID, "0xguardian")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	err = f.svc.SuspendVault(stranger, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	err = f.svc.CloseVault(stranger, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Zero(t, f.canceller.calls)

	// A guardian proof does not open the owner surface either.
	guardianCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), f.owner.String()),
		requestcontext.RoleGuardian)
	err = f.svc.SuspendVault(guardianCtx, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	stored, err := f.svc.GetVault(context.Background(), vault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VaultActive, stored.Status)
}

func TestGuardianInviteActivateFlow(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	guardian, token, err := f.svc.AddGuardian(ctx, vault.ID, "0xguardian")
	require.NoError(t, err)
	assert.Equal(t, models.GuardianInvited, guardian.Status)
	assert.NotEmpty(t, token)

	// The wrong token does not activate.
	err = f.svc.ActivateGuardian(ctx, guardian.ID, "not-the-token")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	require.NoError(t, f.svc.ActivateGuardian(ctx, guardian.ID, token))

	// Activating twice is an invalid transition.
	err = f.svc.ActivateGuardian(ctx, guardian.ID, token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func (f *fixture) addActiveGuardian(t *testing.T, vaultID id.VaultID, wallet string) *models.Guardian {
	t.Helper()
	g, token, err := f.svc.AddGuardian(f.asOwner(), vaultID, wallet)
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateGuardian(f.asOwner(), g.ID, token))
	return g
}

func TestRevokeGuardianKeepsQuorumReachable(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	var guardians []*models.Guardian
	for _, wallet := range []string{"0xg0", "0xg1", "0xg2"} {
		guardians = append(guardians, f.addActiveGuardian(t, vault.ID, wallet))
	}

	// Three active, quorum two: one revocation fits, a second would strand
	// the vault below quorum.
	require.NoError(t, f.svc.RevokeGuardian(ctx, guardians[0].ID))
	err := f.svc.RevokeGuardian(ctx, guardians[1].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	// Revoking an already revoked guardian is a no-op.
	require.NoError(t, f.svc.RevokeGuardian(ctx, guardians[0].ID))
}

func TestSuspendResumeLifecycle(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	require.NoError(t, f.svc.SuspendVault(ctx, vault.ID))

	// A suspended vault accepts no new beneficiaries.
	_, err := f.svc.AddBeneficiary(ctx, vault.ID, "0xheir", 50)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	err = f.svc.SuspendVault(ctx, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	require.NoError(t, f.svc.ResumeVault(ctx, vault.ID))
	stored, err := f.svc.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VaultActive, stored.Status)
}

func TestCloseVaultCancelsClaims(t *testing.T) {
	f := newFixture(t)
	f.canceller.cancelled = 2
	vault := f.createVault(t)
	ctx := f.asOwner()

	require.NoError(t, f.svc.CloseVault(ctx, vault.ID))
	assert.Equal(t, 1, f.canceller.calls)

	stored, err := f.svc.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VaultClosed, stored.Status)

	// Closing again is a no-op, not a second cancellation pass.
	require.NoError(t, f.svc.CloseVault(ctx, vault.ID))
	assert.Equal(t, 1, f.canceller.calls)

	// Closed is terminal.
	err = f.svc.ResumeVault(ctx, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func TestAssetRegistry(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	asset, err := f.svc.AddAsset(ctx, vault.ID, "hardware wallet", "crypto", "seed in deposit box 14", 120_000)
	require.NoError(t, err)
	assert.Equal(t, vault.ID, asset.VaultID)

	_, err = f.svc.AddAsset(ctx, vault.ID, "", "crypto", "", 0)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = f.svc.AddAsset(asForeignOwner(), vault.ID, "house", "property", "", 0)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	assets, err := f.svc.ListAssets(ctx, vault.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "hardware wallet", assets[0].Name)

	err = f.svc.RemoveAsset(asForeignOwner(), vault.ID, asset.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	require.NoError(t, f.svc.RemoveAsset(ctx, vault.ID, asset.ID))
	assets, err = f.svc.ListAssets(ctx, vault.ID)
	require.NoError(t, err)
	assert.Empty(t, assets)

	err = f.svc.RemoveAsset(ctx, vault.ID, asset.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestAssetRegistryClosedVault(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	require.NoError(t, f.svc.CloseVault(ctx, vault.ID))
	_, err := f.svc.AddAsset(ctx, vault.ID, "house", "property", "", 0)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func TestVaultAuditTrail(t *testing.T) {
	f := newFixture(t)
	vault := f.createVault(t)
	ctx := f.asOwner()

	require.NoError(t, f.svc.SuspendVault(ctx, vault.ID))
	require.NoError(t, f.svc.ResumeVault(ctx, vault.ID))
	require.NoError(t, f.svc.CloseVault(ctx, vault.ID))

	trail, err := f.auditLog.TrailByVault(ctx, vault.ID)
	require.NoError(t, err)

	var states []string
	for _, entry := range trail {
		if entry.EntityType == audit.EntityVault {
			states = append(states, entry.ToState)
		}
	}
	assert.Equal(t, []string{"active", "suspended", "active", "closed"}, states)
}
