package protocol

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heirloom/internal/activity"
	activitymemory "heirloom/internal/activity/store/memory"
	"heirloom/internal/audit"
	auditmemory "heirloom/internal/audit/store/memory"
	claimmodels "heirloom/internal/claim/models"
	claimservice "heirloom/internal/claim/service"
	claimmemory "heirloom/internal/claim/store/memory"
	"heirloom/internal/monitor"
	"heirloom/internal/release"
	vaultmodels "heirloom/internal/vault/models"
	vaultservice "heirloom/internal/vault/service"
	vaultmemory "heirloom/internal/vault/store/memory"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/tx"
	"heirloom/pkg/requestcontext"
)

type stack struct {
	vaults      *vaultservice.Service
	claims      *claimservice.Service
	ledger      *activity.Ledger
	monitor     *monitor.Monitor
	coordinator *release.Coordinator
	auditLog    *audit.Log
	auditStore  *auditmemory.InMemoryStore
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	vaultStore := vaultmemory.NewInMemoryStore()
	claimStore := claimmemory.NewInMemoryStore()
	activityStore := activitymemory.NewInMemoryStore()
	auditStore := auditmemory.NewInMemoryStore()
	auditLog, err := audit.New(ctx, auditStore, audit.WithLogger(discard))
	require.NoError(t, err)

	claims, err := claimservice.New(claimStore, vaultStore, auditLog, claimservice.WithLogger(discard))
	require.NoError(t, err)
	ledger, err := activity.New(activityStore, vaultStore, claims, tx.NewMemoryRunner(), activity.WithLogger(discard))
	require.NoError(t, err)
	vaults, err := vaultservice.New(vaultStore, ledger, claims, auditLog, vaultservice.WithLogger(discard))
	require.NoError(t, err)
	mon, err := monitor.New(vaultStore, ledger, claims, monitor.WithLogger(discard))
	require.NoError(t, err)
	coordinator, err := release.New(claimStore, vaultStore, release.NewLocalExecutor(), auditLog,
		release.WithLogger(discard))
	require.NoError(t, err)

	return &stack{
		vaults:      vaults,
		claims:      claims,
		ledger:      ledger,
		monitor:     mon,
		coordinator: coordinator,
		auditLog:    auditLog,
		auditStore:  auditStore,
	}
}

func at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func asOwner(ctx context.Context, owner id.OwnerID) context.Context {
	return requestcontext.WithActorRole(requestcontext.WithActorID(ctx, owner.String()), requestcontext.RoleOwner)
}

func asGuardian(ctx context.Context, wallet string) context.Context {
	return requestcontext.WithActorRole(requestcontext.WithActorID(ctx, wallet), requestcontext.RoleGuardian)
}

func asBeneficiary(ctx context.Context, wallet string) context.Context {
	return requestcontext.WithActorRole(requestcontext.WithActorID(ctx, wallet), requestcontext.RoleBeneficiary)
}

// TestInheritanceLifecycle walks the whole protocol: a vault with a 30 day
// threshold and a quorum of two, owner goes quiet, the sweep opens and
// promotes a claim, two of three guardians approve, the beneficiary releases,
// and the audit trail records every step in order with an intact hash chain.
func TestInheritanceLifecycle(t *testing.T) {
	s := newStack(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	owner := id.NewOwnerID()
	ownerCtx := asOwner(at(start), owner)
	vault, err := s.vaults.CreateVault(ownerCtx, vaultservice.CreateVaultInput{
		OwnerID:             owner,
		Name:                "family estate",
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      2,
	})
	require.NoError(t, err)

	beneficiary, err := s.vaults.AddBeneficiary(ownerCtx, vault.ID, "0xheir", 100)
	require.NoError(t, err)

	var guardians []*vaultmodels.Guardian
	for _, wallet := range []string{"0xg0", "0xg1", "0xg2"} {
		g, token, err := s.vaults.AddGuardian(ownerCtx, vault.ID, wallet)
		require.NoError(t, err)
		require.NoError(t, s.vaults.ActivateGuardian(ownerCtx, g.ID, token))
		guardians = append(guardians, g)
	}

	// Day 20: the owner checks in, resetting the clock.
	day20 := start.Add(20 * 24 * time.Hour)
	require.NoError(t, s.ledger.RecordActivity(asOwner(at(day20), owner), vault.ID, day20, owner.String()))

	// Day 35: only 15 days since the last signal; the sweep does nothing.
	day35 := start.Add(35 * 24 * time.Hour)
	require.NoError(t, s.monitor.Sweep(at(day35)))
	open, err := s.claims.ListByVault(context.Background(), vault.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Day 51: 31 days of silence. The sweep opens a claim and promotes it.
	day51 := start.Add(51 * 24 * time.Hour)
	require.NoError(t, s.monitor.Sweep(at(day51)))
	all, err := s.claims.ListByVault(context.Background(), vault.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	claim := all[0]
	assert.Equal(t, claimmodels.StateEligible, claim.State)
	assert.Equal(t, beneficiary.ID, claim.BeneficiaryID)

	// Two guardians approve; the second vote reaches the quorum.
	voteAt := day51.Add(time.Hour)
	result, err := s.claims.CastVote(asGuardian(at(voteAt), "0xg0"), claim.ID, guardians[0].ID, claimmodels.DecisionApprove, "0xg0")
	require.NoError(t, err)
	assert.False(t, result.QuorumReached)
	result, err = s.claims.CastVote(asGuardian(at(voteAt), "0xg1"), claim.ID, guardians[1].ID, claimmodels.DecisionApprove, "0xg1")
	require.NoError(t, err)
	assert.True(t, result.QuorumReached)

	// The owner's final word would still win before release, but here the
	// vault stays silent and the beneficiary collects.
	releaseCtx := asBeneficiary(at(day51.Add(2*time.Hour)), "0xheir")
	receipt, err := s.coordinator.Release(releaseCtx, claim.ID, "0xheir")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ReleaseRef)

	// A repeated sweep opens nothing new: the beneficiary has been paid.
	require.NoError(t, s.monitor.Sweep(at(day51.Add(3*time.Hour))))
	afterRelease, err := s.claims.ListByVault(at(day51.Add(3*time.Hour)), vault.ID)
	require.NoError(t, err)
	assert.Len(t, afterRelease, 1)

	// The audit chain covers the whole story in order and verifies.
	trail, err := s.auditLog.TrailByEntity(context.Background(), audit.EntityClaim, claim.ID.String())
	require.NoError(t, err)
	var states []string
	for _, e := range trail {
		if e.Action == audit.ActionTransition {
			states = append(states, e.ToState)
		}
	}
	assert.Equal(t, []string{"eligible", "approved", "released"}, states)

	full, err := s.auditStore.ListAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(full))
}

// TestOwnerActivityBeatsApproval shows that a returning owner cancels claims
// even after guardian approval, as long as nothing has been released.
func TestOwnerActivityBeatsApproval(t *testing.T) {
	s := newStack(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	owner := id.NewOwnerID()
	ownerCtx := asOwner(at(start), owner)
	vault, err := s.vaults.CreateVault(ownerCtx, vaultservice.CreateVaultInput{
		OwnerID:             owner,
		Name:                "estate",
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      1,
	})
	require.NoError(t, err)
	_, err = s.vaults.AddBeneficiary(ownerCtx, vault.ID, "0xheir", 100)
	require.NoError(t, err)
	guardian, token, err := s.vaults.AddGuardian(ownerCtx, vault.ID, "0xg0")
	require.NoError(t, err)
	require.NoError(t, s.vaults.ActivateGuardian(ownerCtx, guardian.ID, token))

	day31 := start.Add(31 * 24 * time.Hour)
	require.NoError(t, s.monitor.Sweep(at(day31)))
	all, err := s.claims.ListByVault(context.Background(), vault.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	claim := all[0]

	_, err = s.claims.CastVote(asGuardian(at(day31.Add(time.Hour)), "0xg0"), claim.ID, guardian.ID, claimmodels.DecisionApprove, "0xg0")
	require.NoError(t, err)

	// The owner reappears before anything is released.
	back := day31.Add(2 * time.Hour)
	require.NoError(t, s.ledger.RecordActivity(asOwner(at(back), owner), vault.ID, back, owner.String()))

	stored, err := s.claims.Get(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateRejected, stored.State)

	// Release after cancellation is refused and nothing is transferred.
	_, err = s.coordinator.Release(asBeneficiary(at(back.Add(time.Hour)), "0xheir"), claim.ID, "0xheir")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

// TestPartialAllocationsReleaseIndependently drives two beneficiaries with
// 60/40 shares through independent releases.
func TestPartialAllocationsReleaseIndependently(t *testing.T) {
	s := newStack(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	owner := id.NewOwnerID()
	ownerCtx := asOwner(at(start), owner)
	vault, err := s.vaults.CreateVault(ownerCtx, vaultservice.CreateVaultInput{
		OwnerID:             owner,
		Name:                "estate",
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      1,
	})
	require.NoError(t, err)
	benA, err := s.vaults.AddBeneficiary(ownerCtx, vault.ID, "0xa", 60)
	require.NoError(t, err)
	benB, err := s.vaults.AddBeneficiary(ownerCtx, vault.ID, "0xb", 40)
	require.NoError(t, err)
	wallets := map[id.BeneficiaryID]string{benA.ID: benA.WalletAddress, benB.ID: benB.WalletAddress}
	guardian, token, err := s.vaults.AddGuardian(ownerCtx, vault.ID, "0xg0")
	require.NoError(t, err)
	require.NoError(t, s.vaults.ActivateGuardian(ownerCtx, guardian.ID, token))

	day31 := start.Add(31 * 24 * time.Hour)
	require.NoError(t, s.monitor.Sweep(at(day31)))
	all, err := s.claims.ListByVault(context.Background(), vault.ID)
	require.NoError(t, err)
	require.Len(t, all, 2, "one claim per beneficiary")

	voteCtx := asGuardian(at(day31.Add(time.Hour)), "0xg0")
	for _, claim := range all {
		result, err := s.claims.CastVote(voteCtx, claim.ID, guardian.ID, claimmodels.DecisionApprove, "0xg0")
		require.NoError(t, err)
		require.True(t, result.QuorumReached)
	}

	releaseAt := day31.Add(2 * time.Hour)
	for _, claim := range all {
		wallet := wallets[claim.BeneficiaryID]
		_, err := s.coordinator.Release(asBeneficiary(at(releaseAt), wallet), claim.ID, wallet)
		require.NoError(t, err)
	}

	for _, claim := range all {
		stored, err := s.claims.Get(context.Background(), claim.ID)
		require.NoError(t, err)
		assert.Equal(t, claimmodels.StateReleased, stored.State)
	}
}

// TestStrangersCannotDerailInheritance drives a claim to eligibility and
// then has outsiders with valid proofs of their own try every lever: resetting
// the clock, voting, and collecting. All are refused and the claim proceeds.
func TestStrangersCannotDerailInheritance(t *testing.T) {
	s := newStack(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	owner := id.NewOwnerID()
	ownerCtx := asOwner(at(start), owner)
	vault, err := s.vaults.CreateVault(ownerCtx, vaultservice.CreateVaultInput{
		OwnerID:             owner,
		Name:                "estate",
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      1,
	})
	require.NoError(t, err)
	_, err = s.vaults.AddBeneficiary(ownerCtx, vault.ID, "0xheir", 100)
	require.NoError(t, err)
	guardian, token, err := s.vaults.AddGuardian(ownerCtx, vault.ID, "0xg0")
	require.NoError(t, err)
	require.NoError(t, s.vaults.ActivateGuardian(ownerCtx, guardian.ID, token))

	day31 := start.Add(31 * 24 * time.Hour)
	require.NoError(t, s.monitor.Sweep(at(day31)))
	all, err := s.claims.ListByVault(context.Background(), vault.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	claim := all[0]

	// Another owner's activity signal must not cancel this vault's claim.
	stranger := id.NewOwnerID()
	err = s.ledger.RecordActivity(asOwner(at(day31.Add(time.Hour)), stranger), vault.ID, day31.Add(time.Hour), stranger.String())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// A non-guardian cannot cast the guardian's vote.
	_, err = s.claims.CastVote(asGuardian(at(day31.Add(time.Hour)), "0xsomeone"), claim.ID, guardian.ID, claimmodels.DecisionApprove, "0xsomeone")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// Neither can a stranger suspend the vault or reject the claim.
	strangerCtx := asOwner(at(day31.Add(time.Hour)), stranger)
	err = s.vaults.SuspendVault(strangerCtx, vault.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	err = s.claims.RejectAsOwner(strangerCtx, claim.ID, stranger.String(), "mine now")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	stored, err := s.claims.Get(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateEligible, stored.State)

	// The real guardian approves and a stranger still cannot collect.
	_, err = s.claims.CastVote(asGuardian(at(day31.Add(2*time.Hour)), "0xg0"), claim.ID, guardian.ID, claimmodels.DecisionApprove, "0xg0")
	require.NoError(t, err)
	_, err = s.coordinator.Release(asBeneficiary(at(day31.Add(3*time.Hour)), "0xsomeone"), claim.ID, "0xsomeone")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// The beneficiary does.
	receipt, err := s.coordinator.Release(asBeneficiary(at(day31.Add(4*time.Hour)), "0xheir"), claim.ID, "0xheir")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ReleaseRef)
}
