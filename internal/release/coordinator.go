// Package release implements the final protocol step: executing the asset
// transfer for an approved claim and marking it released.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"heirloom/internal/audit"
	claimmodels "heirloom/internal/claim/models"
	claimports "heirloom/internal/claim/ports"
	"heirloom/internal/platform/metrics"
	vaultmodels "heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/sentinel"
	"heirloom/pkg/requestcontext"
)

//go:generate mockgen -source=coordinator.go -destination=mocks/mock_transfer.go -package=mocks

// TransferRequest describes one outbound asset transfer.
type TransferRequest struct {
	ClaimID       id.ClaimID
	VaultID       id.VaultID
	BeneficiaryID id.BeneficiaryID
	WalletAddress string
	Share         int
}

// TransferReceipt is the external system's proof of a completed transfer.
type TransferReceipt struct {
	Ref         string
	CompletedAt time.Time
}

// TransferExecutor performs the actual asset movement. Implementations talk
// to custody or chain infrastructure and must be safe to retry: the
// coordinator re-invokes Transfer on transient failures.
type TransferExecutor interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
}

// Lease serializes a release intent across replicas. Acquire returns false
// when another holder currently owns the key. The in-process intent table
// below covers a single replica; a lease extends the same exclusion to a
// fleet.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}

// VaultReader is the slice of the vault store the coordinator needs.
type VaultReader interface {
	GetVault(ctx context.Context, vaultID id.VaultID) (*vaultmodels.Vault, error)
	GetBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) (*vaultmodels.Beneficiary, error)
}

// Coordinator releases approved claims. The transfer itself runs outside any
// lock; only the allocation accounting is serialized, through the in-flight
// intent table, so a slow custody call never blocks other vaults.
type Coordinator struct {
	claims   claimports.Store
	vaults   VaultReader
	executor TransferExecutor
	audit    *audit.Log
	lease    Lease

	transferTimeout time.Duration
	transferRetries int
	logger          *slog.Logger
	metrics         *metrics.Metrics
	tracer          trace.Tracer

	mu sync.Mutex
	// inFlight maps a claim being released to its reserved share.
	inFlight map[id.ClaimID]int
	// reserved tracks allocation share claimed by in-flight releases per
	// vault, so two concurrent releases cannot jointly exceed 100 percent.
	reserved map[id.VaultID]int
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTransferTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.transferTimeout = d
		}
	}
}

// WithReleaseLease makes release intents mutually exclusive across replicas.
// Without it the in-process intent table still prevents double execution
// within one replica.
func WithReleaseLease(lease Lease) Option {
	return func(c *Coordinator) { c.lease = lease }
}

func WithTransferRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.transferRetries = n
		}
	}
}

func New(claims claimports.Store, vaults VaultReader, executor TransferExecutor, auditLog *audit.Log, opts ...Option) (*Coordinator, error) {
	if claims == nil || vaults == nil || executor == nil || auditLog == nil {
		return nil, fmt.Errorf("release coordinator requires claim store, vault reader, executor and audit log")
	}
	c := &Coordinator{
		claims:          claims,
		vaults:          vaults,
		executor:        executor,
		audit:           auditLog,
		transferTimeout: 30 * time.Second,
		transferRetries: 3,
		logger:          slog.Default(),
		tracer:          otel.Tracer("heirloom/release"),
		inFlight:        make(map[id.ClaimID]int),
		reserved:        make(map[id.VaultID]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Result is what a release returns: the receipt reference and whether this
// call performed the transfer or found it already done.
type Result struct {
	ReleaseRef    string
	AlreadyDone   bool
	ReleasedAt    time.Time
	BeneficiaryID id.BeneficiaryID
}

// Release executes the transfer for an approved claim and marks it released.
// Releasing an already released claim returns the stored reference without
// touching the executor, so retried requests never double-pay.
func (c *Coordinator) Release(ctx context.Context, claimID id.ClaimID, actor string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "release.Release",
		trace.WithAttributes(attribute.String("claim_id", claimID.String())))
	defer span.End()

	claim, err := c.getClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.State == claimmodels.StateReleased {
		result := &Result{ReleaseRef: claim.ReleaseRef, AlreadyDone: true, BeneficiaryID: claim.BeneficiaryID}
		if claim.ResolvedAt != nil {
			result.ReleasedAt = *claim.ResolvedAt
		}
		return result, nil
	}
	if claim.State != claimmodels.StateApproved {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"claim is %s, only approved claims can be released", claim.State)
	}

	beneficiary, err := c.vaults.GetBeneficiary(ctx, claim.BeneficiaryID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load beneficiary")
	}
	// Only the claim's beneficiary may trigger the payout.
	if !requestcontext.HasRole(ctx, requestcontext.RoleBeneficiary) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "beneficiary role required")
	}
	if actor != beneficiary.WalletAddress {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor is not the claim's beneficiary")
	}

	if c.lease != nil {
		ttl := time.Duration(c.transferRetries+1)*c.transferTimeout + time.Minute
		acquired, err := c.lease.Acquire(ctx, releaseLeaseKey(claim.ID), ttl)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "acquire release lease")
		}
		if !acquired {
			return nil, dErrors.New(dErrors.CodeConflict, "release already in progress for this claim")
		}
		defer c.lease.Release(ctx, releaseLeaseKey(claim.ID))
	}

	releasedShare, err := c.releasedShare(ctx, claim.VaultID)
	if err != nil {
		return nil, err
	}

	if err := c.reserve(claim, beneficiary.AllocationShare, releasedShare); err != nil {
		return nil, err
	}
	defer c.unreserve(claim)

	receipt, err := c.execute(ctx, TransferRequest{
		ClaimID:       claim.ID,
		VaultID:       claim.VaultID,
		BeneficiaryID: claim.BeneficiaryID,
		WalletAddress: beneficiary.WalletAddress,
		Share:         beneficiary.AllocationShare,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.TransferFailures.Inc()
		}
		c.logger.ErrorContext(ctx, "transfer failed, claim stays approved",
			"claim_id", claim.ID.String(),
			"vault_id", claim.VaultID.String(),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeTransferFailed, "execute transfer")
	}

	if err := c.markReleased(ctx, claim, receipt, actor); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.ClaimsReleased.Inc()
	}
	c.logger.InfoContext(ctx, "claim released",
		"claim_id", claim.ID.String(),
		"vault_id", claim.VaultID.String(),
		"release_ref", receipt.Ref,
		"share", beneficiary.AllocationShare,
	)
	return &Result{
		ReleaseRef:    receipt.Ref,
		ReleasedAt:    receipt.CompletedAt,
		BeneficiaryID: claim.BeneficiaryID,
	}, nil
}

// releasedShare sums the allocation shares already paid out for a vault.
func (c *Coordinator) releasedShare(ctx context.Context, vaultID id.VaultID) (int, error) {
	claims, err := c.claims.ListByVault(ctx, vaultID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list vault claims")
	}
	total := 0
	for _, cl := range claims {
		if cl.State != claimmodels.StateReleased {
			continue
		}
		b, err := c.vaults.GetBeneficiary(ctx, cl.BeneficiaryID)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "load released beneficiary")
		}
		total += b.AllocationShare
	}
	return total, nil
}

// reserve registers the release intent. It fails when the claim is already
// in flight or when the share, together with everything released and
// reserved so far, would exceed the whole vault.
func (c *Coordinator) reserve(claim *claimmodels.Claim, share, releasedShare int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[claim.ID]; busy {
		return dErrors.New(dErrors.CodeConflict, "release already in progress for this claim")
	}
	if releasedShare+c.reserved[claim.VaultID]+share > 100 {
		return dErrors.Newf(dErrors.CodeOverAllocation,
			"releasing %d%% would exceed the vault: %d%% released, %d%% in flight",
			share, releasedShare, c.reserved[claim.VaultID])
	}
	c.inFlight[claim.ID] = share
	c.reserved[claim.VaultID] += share
	return nil
}

func (c *Coordinator) unreserve(claim *claimmodels.Claim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	share := c.inFlight[claim.ID]
	delete(c.inFlight, claim.ID)
	c.reserved[claim.VaultID] -= share
	if c.reserved[claim.VaultID] <= 0 {
		delete(c.reserved, claim.VaultID)
	}
}

// execute runs the transfer with a per-attempt timeout and bounded retries.
func (c *Coordinator) execute(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	var lastErr error
	for attempt := 0; attempt <= c.transferRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.transferTimeout)
		receipt, err := c.executor.Transfer(attemptCtx, req)
		cancel()
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// markReleased commits the terminal transition, retrying the check-and-set
// once. The transfer has already happened at this point; if the claim was
// concurrently driven to another terminal state the money is out while the
// record disagrees, which is surfaced as an invariant violation for manual
// reconciliation.
func (c *Coordinator) markReleased(ctx context.Context, claim *claimmodels.Claim, receipt *TransferReceipt, actor string) error {
	now := requestcontext.Now(ctx)
	for attempt := 0; attempt < 2; attempt++ {
		if err := claim.Transition(claimmodels.StateReleased, now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvariantViolation,
				"transfer completed but claim left approved state")
		}
		claim.ReleaseRef = receipt.Ref
		err := c.claims.Update(ctx, claim)
		if err == nil {
			c.recordAudit(ctx, audit.Entry{
				EntityType: audit.EntityClaim,
				EntityID:   claim.ID.String(),
				VaultID:    claim.VaultID,
				Action:     audit.ActionTransition,
				FromState:  string(claimmodels.StateApproved),
				ToState:    string(claimmodels.StateReleased),
				Actor:      actor,
				Reason:     receipt.Ref,
			})
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist release")
		}
		fresh, getErr := c.getClaim(ctx, claim.ID)
		if getErr != nil {
			return getErr
		}
		claim = fresh
	}
	return dErrors.New(dErrors.CodeConflict, "claim changed concurrently during release")
}

func releaseLeaseKey(claimID id.ClaimID) string {
	return "heirloom:release:" + claimID.String()
}

func (c *Coordinator) getClaim(ctx context.Context, claimID id.ClaimID) (*claimmodels.Claim, error) {
	claim, err := c.claims.Get(ctx, claimID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "claim not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load claim")
	}
	return claim, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, entry audit.Entry) {
	if _, err := c.audit.Append(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "audit append failed",
			"entity_id", entry.EntityID,
			"action", entry.Action,
			"error", err,
		)
	}
}
