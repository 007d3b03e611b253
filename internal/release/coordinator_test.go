package release_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"heirloom/internal/audit"
	auditmemory "heirloom/internal/audit/store/memory"
	claimmodels "heirloom/internal/claim/models"
	claimmemory "heirloom/internal/claim/store/memory"
	"heirloom/internal/release"
	"heirloom/internal/release/mocks"
	vaultmodels "heirloom/internal/vault/models"
	vaultmemory "heirloom/internal/vault/store/memory"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

type fixture struct {
	coordinator *release.Coordinator
	executor    *mocks.MockTransferExecutor
	claims      *claimmemory.InMemoryStore
	vaults      *vaultmemory.InMemoryStore
	vault       *vaultmodels.Vault
	wallets     map[id.ClaimID]string
}

func newFixture(t *testing.T, opts ...release.Option) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	executor := mocks.NewMockTransferExecutor(ctrl)

	vaults := vaultmemory.NewInMemoryStore()
	claims := claimmemory.NewInMemoryStore()
	auditLog, err := audit.New(context.Background(), auditmemory.NewInMemoryStore())
	require.NoError(t, err)

	vault := &vaultmodels.Vault{
		ID:                  id.NewVaultID(),
		OwnerID:             id.NewOwnerID(),
		Name:                "estate",
		Status:              vaultmodels.VaultActive,
		InactivityThreshold: 30 * 24 * time.Hour,
		GuardianQuorum:      1,
		Version:             1,
	}
	require.NoError(t, vaults.CreateVault(context.Background(), vault))

	coordinator, err := release.New(claims, vaults, executor, auditLog, opts...)
	require.NoError(t, err)

	return &fixture{
		coordinator: coordinator,
		executor:    executor,
		claims:      claims,
		vaults:      vaults,
		vault:       vault,
		wallets:     make(map[id.ClaimID]string),
	}
}

// release invokes the coordinator as the claim's beneficiary would over
// HTTP: wallet identity in both the context and the actor argument.
func (f *fixture) release(ctx context.Context, claimID id.ClaimID) (*release.Result, error) {
	wallet := f.wallets[claimID]
	actorCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(ctx, wallet),
		requestcontext.RoleBeneficiary)
	return f.coordinator.Release(actorCtx, claimID, wallet)
}

func (f *fixture) approvedClaim(t *testing.T, share int) *claimmodels.Claim {
	t.Helper()
	ctx := context.Background()

	beneficiary := &vaultmodels.Beneficiary{
		ID:              id.NewBeneficiaryID(),
		VaultID:         f.vault.ID,
		WalletAddress:   "0x" + id.NewBeneficiaryID().String(),
		AllocationShare: share,
	}
	require.NoError(t, f.vaults.AddBeneficiary(ctx, beneficiary))

	claim := &claimmodels.Claim{
		ID:            id.NewClaimID(),
		VaultID:       f.vault.ID,
		BeneficiaryID: beneficiary.ID,
		State:         claimmodels.StateApproved,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}
	require.NoError(t, f.claims.Create(ctx, claim))
	f.wallets[claim.ID] = beneficiary.WalletAddress
	return claim
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	claim := f.approvedClaim(t, 100)
	ctx := context.Background()

	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(&release.TransferReceipt{Ref: "xfer-1", CompletedAt: time.Now().UTC()}, nil).
		Times(1)

	first, err := f.release(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "xfer-1", first.ReleaseRef)
	assert.False(t, first.AlreadyDone)

	// The second call must reuse the stored receipt; Times(1) above fails
	// the test if the executor is touched again.
	second, err := f.release(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "xfer-1", second.ReleaseRef)
	assert.True(t, second.AlreadyDone)

	stored, err := f.claims.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateReleased, stored.State)
	assert.Equal(t, "xfer-1", stored.ReleaseRef)
}

func TestReleaseRequestDetails(t *testing.T) {
	f := newFixture(t)
	claim := f.approvedClaim(t, 40)
	ctx := context.Background()

	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req release.TransferRequest) (*release.TransferReceipt, error) {
			assert.Equal(t, claim.ID, req.ClaimID)
			assert.Equal(t, f.vault.ID, req.VaultID)
			assert.Equal(t, 40, req.Share)
			assert.NotEmpty(t, req.WalletAddress)
			return &release.TransferReceipt{Ref: "xfer-40", CompletedAt: time.Now().UTC()}, nil
		})

	_, err := f.release(ctx, claim.ID)
	require.NoError(t, err)
}

func TestReleaseRejectsUnapprovedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	beneficiary := &vaultmodels.Beneficiary{
		ID:              id.NewBeneficiaryID(),
		VaultID:         f.vault.ID,
		WalletAddress:   "0xheir",
		AllocationShare: 100,
	}
	require.NoError(t, f.vaults.AddBeneficiary(ctx, beneficiary))
	claim := &claimmodels.Claim{
		ID:            id.NewClaimID(),
		VaultID:       f.vault.ID,
		BeneficiaryID: beneficiary.ID,
		State:         claimmodels.StateEligible,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}
	require.NoError(t, f.claims.Create(ctx, claim))
	f.wallets[claim.ID] = beneficiary.WalletAddress

	_, err := f.release(ctx, claim.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func TestReleaseGuardsOverAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.approvedClaim(t, 90)
	second := f.approvedClaim(t, 50)

	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(&release.TransferReceipt{Ref: "xfer-90", CompletedAt: time.Now().UTC()}, nil).
		Times(1)

	_, err := f.release(ctx, first.ID)
	require.NoError(t, err)

	// 90 released, 50 more would exceed the vault.
	_, err = f.release(ctx, second.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOverAllocation))

	stored, err := f.claims.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateApproved, stored.State)
}

func TestReleaseAllowsExactFullAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.approvedClaim(t, 50)
	second := f.approvedClaim(t, 50)

	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(&release.TransferReceipt{Ref: "xfer", CompletedAt: time.Now().UTC()}, nil).
		Times(2)

	_, err := f.release(ctx, first.ID)
	require.NoError(t, err)
	_, err = f.release(ctx, second.ID)
	require.NoError(t, err)
}

func TestReleaseCountsInFlightReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.approvedClaim(t, 60)
	second := f.approvedClaim(t, 60)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, release.TransferRequest) (*release.TransferReceipt, error) {
			close(started)
			<-proceed
			return &release.TransferReceipt{Ref: "xfer-60", CompletedAt: time.Now().UTC()}, nil
		})

	done := make(chan error, 1)
	go func() {
		_, err := f.release(ctx, first.ID)
		done <- err
	}()
	<-started

	// While the first 60 percent is in flight, a second 60 percent must be
	// refused even though nothing is released yet.
	_, err := f.release(ctx, second.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOverAllocation))

	close(proceed)
	require.NoError(t, <-done)
}

func TestReleaseTransferFailureKeepsClaimApproved(t *testing.T) {
	f := newFixture(t, release.WithTransferRetries(2))
	claim := f.approvedClaim(t, 100)
	ctx := context.Background()

	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("custody unavailable")).
		Times(3)

	_, err := f.release(ctx, claim.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTransferFailed))

	stored, err := f.claims.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateApproved, stored.State)
	assert.Empty(t, stored.ReleaseRef)

	// The failed reservation was returned; a retry can succeed.
	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(&release.TransferReceipt{Ref: "xfer-retry", CompletedAt: time.Now().UTC()}, nil)

	result, err := f.release(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "xfer-retry", result.ReleaseRef)
}

func TestReleaseTransientFailureThenSuccessWithinRetries(t *testing.T) {
	f := newFixture(t, release.WithTransferRetries(3))
	claim := f.approvedClaim(t, 100)
	ctx := context.Background()

	gomock.InOrder(
		f.executor.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("timeout")).
			Times(2),
		f.executor.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(&release.TransferReceipt{Ref: "xfer-3rd", CompletedAt: time.Now().UTC()}, nil),
	)

	result, err := f.release(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "xfer-3rd", result.ReleaseRef)
}

func TestReleaseBindsActorToBeneficiary(t *testing.T) {
	f := newFixture(t)
	claim := f.approvedClaim(t, 100)

	// A valid proof belonging to someone else must not trigger the payout.
	strangerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), "0xstranger"),
		requestcontext.RoleBeneficiary)
	_, err := f.coordinator.Release(strangerCtx, claim.ID, "0xstranger")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// The right wallet under an owner proof is refused on role.
	wallet := f.wallets[claim.ID]
	ownerCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(context.Background(), wallet),
		requestcontext.RoleOwner)
	_, err = f.coordinator.Release(ownerCtx, claim.ID, wallet)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	stored, err := f.claims.Get(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claimmodels.StateApproved, stored.State)
}

// fakeLease is an in-memory stand-in for the Redis lease, shared between
// coordinators to model two replicas.
type fakeLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLease() *fakeLease {
	return &fakeLease{held: make(map[string]bool)}
}

func (l *fakeLease) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLease) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func TestReleaseLeaseExcludesOtherReplicas(t *testing.T) {
	lease := newFakeLease()
	f := newFixture(t, release.WithReleaseLease(lease))
	claim := f.approvedClaim(t, 100)
	ctx := context.Background()

	// A second replica sharing the same stores and lease.
	auditLog, err := audit.New(ctx, auditmemory.NewInMemoryStore())
	require.NoError(t, err)
	replica, err := release.New(f.claims, f.vaults, f.executor, auditLog, release.WithReleaseLease(lease))
	require.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.executor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, release.TransferRequest) (*release.TransferReceipt, error) {
			close(started)
			<-proceed
			return &release.TransferReceipt{Ref: "xfer-lease", CompletedAt: time.Now().UTC()}, nil
		})

	done := make(chan error, 1)
	go func() {
		_, err := f.release(ctx, claim.ID)
		done <- err
	}()
	<-started

	// While replica one holds the lease the other replica must not reach
	// its executor; Times(1) via the single expectation above enforces that.
	wallet := f.wallets[claim.ID]
	replicaCtx := requestcontext.WithActorRole(
		requestcontext.WithActorID(ctx, wallet),
		requestcontext.RoleBeneficiary)
	_, err = replica.Release(replicaCtx, claim.ID, wallet)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

	close(proceed)
	require.NoError(t, <-done)

	// After completion the lease is free and the retry sees the idempotent
	// already-released path.
	result, err := replica.Release(replicaCtx, claim.ID, wallet)
	require.NoError(t, err)
	assert.True(t, result.AlreadyDone)
}
