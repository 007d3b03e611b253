package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heirloom/internal/audit"
	auditmemory "heirloom/internal/audit/store/memory"
	"heirloom/internal/claim/models"
	"heirloom/internal/claim/service"
	claimmemory "heirloom/internal/claim/store/memory"
	vaultmodels "heirloom/internal/vault/models"
	vaultmemory "heirloom/internal/vault/store/memory"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

type fixture struct {
	svc         *service.Service
	claims      *claimmemory.InMemoryStore
	vaults      *vaultmemory.InMemoryStore
	auditLog    *audit.Log
	vault       *vaultmodels.Vault
	beneficiary *vaultmodels.Beneficiary
	guardians   []*vaultmodels.Guardian
}

func newFixture(t *testing.T, quorum, guardianCount int, opts ...service.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	vaults := vaultmemory.NewInMemoryStore()
	claims := claimmemory.NewInMemoryStore()
	auditStore := auditmemory.NewInMemoryStore()
	auditLog, err := audit.New(ctx, auditStore)
	require.NoError(t, err)

	vault := &vaultmodels.Vault{
		ID:                  id.NewVaultID(),
		OwnerID:             id.NewOwnerID(),
		Name:                "estate",
		Status:              vaultmodels.VaultActive,
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      quorum,
		Version:             1,
	}
	require.NoError(t, vaults.CreateVault(ctx, vault))

	beneficiary := &vaultmodels.Beneficiary{
		ID:              id.NewBeneficiaryID(),
		VaultID:         vault.ID,
		WalletAddress:   "0xbeneficiary",
		AllocationShare: 100,
	}
	require.NoError(t, vaults.AddBeneficiary(ctx, beneficiary))

	var guardians []*vaultmodels.Guardian
	for i := 0; i < guardianCount; i++ {
		g := &vaultmodels.Guardian{
			ID:            id.NewGuardianID(),
			VaultID:       vault.ID,
			WalletAddress: fmt.Sprintf("0xguardian%d", i),
			Status:        vaultmodels.GuardianActive,
		}
		require.NoError(t, vaults.AddGuardian(ctx, g))
		guardians = append(guardians, g)
	}

	svc, err := service.New(claims, vaults, auditLog, opts...)
	require.NoError(t, err)

	return &fixture{
		svc:         svc,
		claims:      claims,
		vaults:      vaults,
		auditLog:    auditLog,
		vault:       vault,
		beneficiary: beneficiary,
		guardians:   guardians,
	}
}

// castVote votes as the guardian would over HTTP: wallet identity in both
// the context and the actor argument.
func (f *fixture) castVote(ctx context.Context, claimID id.ClaimID, g *vaultmodels.Guardian, decision models.Decision) (*service.VoteResult, error) {
	voteCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(ctx, g.WalletAddress),
		requestcontext.RoleGuardian)
	return f.svc.CastVote(voteCtx, claimID, g.ID, decision, g.WalletAddress)
}

func (f *fixture) eligibleClaim(t *testing.T) *models.Claim {
	t.Helper()
	ctx := context.Background()
	claim, err := f.svc.Create(ctx, f.vault.ID, f.beneficiary.ID, "monitor")
	require.NoError(t, err)
	require.NoError(t, f.svc.Promote(ctx, claim.ID, "monitor"))
	claim, err = f.svc.Get(ctx, claim.ID)
	require.NoError(t, err)
	return claim
}

func TestCreateRejectsDuplicateOpenClaim(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.vault.ID, f.beneficiary.ID, "monitor")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.vault.ID, f.beneficiary.ID, "monitor")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestCreateRejectsForeignBeneficiary(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()

	other := &vaultmodels.Vault{
		ID:                  id.NewVaultID(),
		OwnerID:             id.NewOwnerID(),
		Name:                "other",
		Status:              vaultmodels.VaultActive,
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      1,
		Version:             1,
	}
	require.NoError(t, f.vaults.CreateVault(ctx, other))

	_, err := f.svc.Create(ctx, other.ID, f.beneficiary.ID, "monitor")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestPromoteOnlyFromPending(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	err := f.svc.Promote(ctx, claim.ID, "monitor")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func TestVoteRequiresEligibleState(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim, err := f.svc.Create(ctx, f.vault.ID, f.beneficiary.ID, "monitor")
	require.NoError(t, err)

	_, err = f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotEligible))
}

func TestVoteRejectsInactiveGuardian(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	require.NoError(t, f.vaults.UpdateGuardianStatus(ctx, f.guardians[0].ID, vaultmodels.GuardianRevoked))

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestVoteRejectsForeignGuardian(t *testing.T) {
	f := newFixture(t, 2, 3)
	other := newFixture(t, 1, 1)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	// A guardian of a different vault, loaded into this fixture's store.
	foreign := &vaultmodels.Guardian{
		ID:            other.guardians[0].ID,
		VaultID:       other.vault.ID,
		WalletAddress: "0xforeign",
		Status:        vaultmodels.GuardianActive,
	}
	require.NoError(t, f.vaults.AddGuardian(ctx, foreign))

	_, err := f.castVote(ctx, claim.ID, foreign, models.DecisionApprove)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestVoteBindsActorToGuardianWallet(t *testing.T) {
	f := newFixture(t, 2, 3)
	claim := f.eligibleClaim(t)

	// A valid proof belonging to someone else cannot speak for this guardian.
	strangerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), "0xstranger"),
		requestcontext.RoleGuardian)
	_, err := f.svc.CastVote(strangerCtx, claim.ID, f.guardians[0].ID, models.DecisionApprove, "0xstranger")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// One vault's guardian cannot vote as another guardian of the same vault.
	crossCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), f.guardians[1].WalletAddress),
		requestcontext.RoleGuardian)
	_, err = f.svc.CastVote(crossCtx, claim.ID, f.guardians[0].ID, models.DecisionApprove, f.guardians[1].WalletAddress)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// An owner proof carrying the right wallet is still refused on role.
	ownerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), f.guardians[0].WalletAddress),
		requestcontext.RoleOwner)
	_, err = f.svc.CastVote(ownerCtx, claim.ID, f.guardians[0].ID, models.DecisionApprove, f.guardians[0].WalletAddress)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	snapshot, err := f.svc.Snapshot(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Zero(t, snapshot.ApproveVotes)
}

func TestRejectAsOwnerBindsToVaultOwner(t *testing.T) {
	f := newFixture(t, 2, 3)
	claim := f.eligibleClaim(t)

	stranger := id.NewOwnerID()
	strangerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), stranger.String()),
		requestcontext.RoleOwner)
	err := f.svc.RejectAsOwner(strangerCtx, claim.ID, stranger.String(), "changed my mind")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	ownerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), f.vault.OwnerID.String()),
		requestcontext.RoleOwner)
	require.NoError(t, f.svc.RejectAsOwner(ownerCtx, claim.ID, f.vault.OwnerID.String(), "changed my mind"))

	stored, err := f.svc.Get(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, stored.State)
}

func TestQuorumApprovesClaim(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	result, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, result.QuorumReached)
	assert.Equal(t, models.StateEligible, result.Claim.State)

	result, err = f.castVote(ctx, claim.ID, f.guardians[1], models.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, result.QuorumReached)
	assert.Equal(t, models.StateApproved, result.Claim.State)
}

func TestRevoteOverwritesPreviousDecision(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionReject)
	require.NoError(t, err)
	_, err = f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	require.NoError(t, err)

	snapshot, err := f.svc.Snapshot(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ApproveVotes)
	assert.Equal(t, 0, snapshot.RejectVotes)
}

func TestRevokedGuardianVoteStopsCounting(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	require.NoError(t, err)

	// Revoking the voter removes their vote from the tally, so the next
	// approval alone does not reach the quorum of two.
	require.NoError(t, f.vaults.UpdateGuardianStatus(ctx, f.guardians[0].ID, vaultmodels.GuardianRevoked))

	result, err := f.castVote(ctx, claim.ID, f.guardians[1], models.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, result.QuorumReached)
	assert.Equal(t, models.StateEligible, result.Claim.State)
}

func TestVetoRejectsClaim(t *testing.T) {
	f := newFixture(t, 2, 3, service.WithVetoThreshold(2))
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionReject)
	require.NoError(t, err)
	result, err := f.castVote(ctx, claim.ID, f.guardians[1], models.DecisionReject)
	require.NoError(t, err)

	assert.True(t, result.Vetoed)
	assert.Equal(t, models.StateRejected, result.Claim.State)

	// Terminal; further votes are refused.
	_, err = f.castVote(ctx, claim.ID, f.guardians[2], models.DecisionApprove)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotEligible))
}

func TestRejectVotesWithoutVetoOnlyWithholdApproval(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionReject)
	require.NoError(t, err)
	_, err = f.castVote(ctx, claim.ID, f.guardians[1], models.DecisionReject)
	require.NoError(t, err)

	snapshot, err := f.svc.Snapshot(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEligible, snapshot.State)
	assert.Equal(t, 2, snapshot.RejectVotes)
}

func TestConcurrentVotesApproveExactlyOnce(t *testing.T) {
	f := newFixture(t, 2, 8)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	var wg sync.WaitGroup
	for _, guardian := range f.guardians {
		wg.Add(1)
		go func(g *vaultmodels.Guardian) {
			defer wg.Done()
			_, err := f.castVote(ctx, claim.ID, g, models.DecisionApprove)
			// A voter may lose the check-and-set twice or find the claim
			// already approved; both are acceptable outcomes here.
			if err != nil {
				ok := dErrors.HasCode(err, dErrors.CodeConflict) ||
					dErrors.HasCode(err, dErrors.CodeNotEligible)
				assert.True(t, ok, "unexpected error: %v", err)
			}
		}(guardian)
	}
	wg.Wait()

	stored, err := f.svc.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, stored.State)

	// Exactly one eligible-to-approved transition in the audit trail.
	trail, err := f.auditLog.TrailByEntity(ctx, audit.EntityClaim, claim.ID.String())
	require.NoError(t, err)
	approvals := 0
	for _, entry := range trail {
		if entry.Action == audit.ActionTransition && entry.ToState == string(models.StateApproved) {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestCancelVaultClaimsRejectsOpenOnes(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	cancelled, err := f.svc.CancelVaultClaims(ctx, f.vault.ID, "owner", "owner_activity")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	stored, err := f.svc.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, stored.State)

	// Idempotent: nothing left to cancel.
	cancelled, err = f.svc.CancelVaultClaims(ctx, f.vault.ID, "owner", "owner_activity")
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := requestcontext.WithTime(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	claim, err := f.svc.Create(ctx, f.vault.ID, f.beneficiary.ID, "monitor")
	require.NoError(t, err)
	require.NoError(t, f.svc.Promote(ctx, claim.ID, "monitor"))
	_, err = f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	require.NoError(t, err)

	trail, err := f.auditLog.TrailByEntity(ctx, audit.EntityClaim, claim.ID.String())
	require.NoError(t, err)

	var actions []string
	for _, entry := range trail {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []string{
		audit.ActionClaimCreated,
		audit.ActionTransition,
		audit.ActionVoteCast,
		audit.ActionTransition,
	}, actions)
	require.NoError(t, audit.VerifyChain(trail))
}

func TestSnapshotReportsQuorumProgress(t *testing.T) {
	f := newFixture(t, 3, 4)
	ctx := context.Background()
	claim := f.eligibleClaim(t)

	_, err := f.castVote(ctx, claim.ID, f.guardians[0], models.DecisionApprove)
	require.NoError(t, err)
	_, err = f.castVote(ctx, claim.ID, f.guardians[1], models.DecisionReject)
	require.NoError(t, err)

	snapshot, err := f.svc.Snapshot(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ApproveVotes)
	assert.Equal(t, 1, snapshot.RejectVotes)
	assert.Equal(t, 3, snapshot.QuorumNeeded)
	assert.Equal(t, models.StateEligible, snapshot.State)
	assert.NotNil(t, snapshot.EligibleAt)
}
