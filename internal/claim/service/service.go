// Package service implements the claim lifecycle: creation by the monitor,
// guardian voting with quorum tally, and the administrative rejections that
// owner activity or vault closure trigger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"heirloom/internal/audit"
	"heirloom/internal/claim/models"
	"heirloom/internal/claim/ports"
	"heirloom/internal/platform/metrics"
	vaultmodels "heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/sentinel"
	"heirloom/pkg/requestcontext"
)

// VaultReader is the slice of the vault store the claim service needs.
type VaultReader interface {
	GetVault(ctx context.Context, vaultID id.VaultID) (*vaultmodels.Vault, error)
	GetBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) (*vaultmodels.Beneficiary, error)
	GetGuardian(ctx context.Context, guardianID id.GuardianID) (*vaultmodels.Guardian, error)
	ListGuardians(ctx context.Context, vaultID id.VaultID) ([]*vaultmodels.Guardian, error)
}

// Service coordinates claim mutations. Every state or vote change goes
// through a single store Update, so concurrent writers resolve by
// check-and-set rather than by locking.
type Service struct {
	store         ports.Store
	vaults        VaultReader
	audit         *audit.Log
	vetoThreshold int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithVetoThreshold enables the reject-veto path: once that many currently
// active guardians have voted reject, the claim is rejected outright. Zero
// disables vetoes; reject votes then only withhold approval.
func WithVetoThreshold(n int) Option {
	return func(s *Service) { s.vetoThreshold = n }
}

func New(store ports.Store, vaults VaultReader, auditLog *audit.Log, opts ...Option) (*Service, error) {
	if store == nil || vaults == nil || auditLog == nil {
		return nil, fmt.Errorf("claim service requires store, vault reader and audit log")
	}
	s := &Service{
		store:  store,
		vaults: vaults,
		audit:  auditLog,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a Pending claim for a (vault, beneficiary) pair. The store
// enforces at most one open claim per pair; a duplicate request surfaces the
// existing conflict rather than a second claim.
func (s *Service) Create(ctx context.Context, vaultID id.VaultID, beneficiaryID id.BeneficiaryID, actor string) (*models.Claim, error) {
	beneficiary, err := s.vaults.GetBeneficiary(ctx, beneficiaryID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "beneficiary not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load beneficiary")
	}
	if beneficiary.VaultID != vaultID {
		return nil, dErrors.New(dErrors.CodeValidation, "beneficiary does not belong to vault")
	}

	now := requestcontext.Now(ctx)
	claim := &models.Claim{
		ID:            id.NewClaimID(),
		VaultID:       vaultID,
		BeneficiaryID: beneficiaryID,
		State:         models.StatePending,
		CreatedAt:     now,
		Version:       1,
	}
	if err := s.store.Create(ctx, claim); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "an open claim already exists for this beneficiary")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create claim")
	}

	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityClaim,
		EntityID:   claim.ID.String(),
		VaultID:    vaultID,
		Action:     audit.ActionClaimCreated,
		ToState:    string(models.StatePending),
		Actor:      actor,
	})
	if s.metrics != nil {
		s.metrics.ClaimsCreated.Inc()
	}
	return claim, nil
}

// Promote moves a Pending claim to Eligible. Only the monitor calls this; a
// concurrent cancellation bumps the claim version, which makes the
// check-and-set fail and the promotion abort. That is the rule that lets
// owner activity always win a race against a sweep.
func (s *Service) Promote(ctx context.Context, claimID id.ClaimID, actor string) error {
	err := s.transition(ctx, claimID, models.StateEligible, actor, "inactivity_threshold_reached",
		func(c *models.Claim) error {
			if c.State != models.StatePending {
				return dErrors.Newf(dErrors.CodeInvalidTransition,
					"claim is %s, only pending claims can become eligible", c.State)
			}
			return nil
		})
	if err == nil && s.metrics != nil {
		s.metrics.ClaimsPromoted.Inc()
	}
	return err
}

// Reject terminates a claim from any non-terminal state.
func (s *Service) Reject(ctx context.Context, claimID id.ClaimID, actor, reason string) error {
	err := s.transition(ctx, claimID, models.StateRejected, actor, reason, nil)
	if err == nil && s.metrics != nil {
		s.metrics.ClaimsRejected.Inc()
	}
	return err
}

// RejectAsOwner is the caller-facing rejection path. Reject trusts its
// in-process callers (the activity ledger, vault closure, the monitor);
// this one binds the actor to the claim's vault owner first.
func (s *Service) RejectAsOwner(ctx context.Context, claimID id.ClaimID, actor, reason string) error {
	claim, err := s.getStored(ctx, claimID)
	if err != nil {
		return err
	}
	vault, err := s.vaults.GetVault(ctx, claim.VaultID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load vault")
	}
	if !requestcontext.HasRole(ctx, requestcontext.RoleOwner) {
		return dErrors.New(dErrors.CodeUnauthorized, "owner role required")
	}
	if ownerID, parseErr := id.ParseOwnerID(actor); parseErr != nil || ownerID != vault.OwnerID {
		return dErrors.New(dErrors.CodeUnauthorized, "actor is not the vault owner")
	}
	return s.Reject(ctx, claimID, actor, reason)
}

// Expire moves an Eligible claim whose validity window has lapsed to Expired.
func (s *Service) Expire(ctx context.Context, claimID id.ClaimID, actor string) error {
	err := s.transition(ctx, claimID, models.StateExpired, actor, "validity_window_elapsed", nil)
	if err == nil && s.metrics != nil {
		s.metrics.ClaimsExpired.Inc()
	}
	return err
}

// CancelVaultClaims rejects every open claim for a vault. The activity
// ledger calls this inside its transaction when the owner shows up, and the
// vault service calls it on closure. Already-terminal claims are skipped.
func (s *Service) CancelVaultClaims(ctx context.Context, vaultID id.VaultID, actor, reason string) (int, error) {
	open, err := s.store.ListOpenByVault(ctx, vaultID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list open claims")
	}
	cancelled := 0
	for _, claim := range open {
		err := s.Reject(ctx, claim.ID, actor, reason)
		if dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
			// Reached a terminal state between list and reject.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// VoteResult describes what an accepted vote did to the claim.
type VoteResult struct {
	Claim         *models.Claim
	QuorumReached bool
	Vetoed        bool
}

// CastVote records a guardian's decision on an Eligible claim. Re-voting
// overwrites the previous decision. The vote and any resulting transition
// are persisted in one check-and-set, so when several guardians push a claim
// over quorum simultaneously exactly one write carries the approval.
func (s *Service) CastVote(ctx context.Context, claimID id.ClaimID, guardianID id.GuardianID, decision models.Decision, actor string) (*VoteResult, error) {
	if !decision.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid decision %q", decision)
	}

	result, err := s.castVoteOnce(ctx, claimID, guardianID, decision, actor)
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		// Another guardian's vote landed first; re-tally against fresh state.
		result, err = s.castVoteOnce(ctx, claimID, guardianID, decision, actor)
	}
	return result, err
}

func (s *Service) castVoteOnce(ctx context.Context, claimID id.ClaimID, guardianID id.GuardianID, decision models.Decision, actor string) (*VoteResult, error) {
	claim, err := s.getStored(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.State != models.StateEligible {
		return nil, dErrors.Newf(dErrors.CodeNotEligible,
			"claim is %s, votes are only accepted while eligible", claim.State)
	}

	guardian, err := s.vaults.GetGuardian(ctx, guardianID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "guardian not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load guardian")
	}
	if guardian.VaultID != claim.VaultID {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "guardian does not belong to this vault")
	}
	if guardian.Status != vaultmodels.GuardianActive {
		return nil, dErrors.Newf(dErrors.CodeUnauthorized, "guardian is %s, only active guardians may vote", guardian.Status)
	}
	// The authenticated actor must be the guardian whose vote this is;
	// guardian IDs are public knowledge once listed.
	if !requestcontext.HasRole(ctx, requestcontext.RoleGuardian) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "guardian role required")
	}
	if actor != guardian.WalletAddress {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor is not this guardian")
	}

	vault, err := s.vaults.GetVault(ctx, claim.VaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load vault")
	}
	guardians, err := s.vaults.ListGuardians(ctx, claim.VaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list guardians")
	}

	now := requestcontext.Now(ctx)
	claim.SetVote(guardianID, decision, now)

	approves, rejects := tally(claim, guardians)
	result := &VoteResult{}
	switch {
	case s.vetoThreshold > 0 && rejects >= s.vetoThreshold:
		if err := claim.Transition(models.StateRejected, now); err != nil {
			return nil, err
		}
		result.Vetoed = true
	case approves >= vault.GuardianQuorum:
		if err := claim.Transition(models.StateApproved, now); err != nil {
			return nil, err
		}
		result.QuorumReached = true
	}

	if err := s.store.Update(ctx, claim); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "claim changed concurrently")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist vote")
	}

	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityClaim,
		EntityID:   claim.ID.String(),
		VaultID:    claim.VaultID,
		Action:     audit.ActionVoteCast,
		Actor:      actor,
		Reason:     string(decision),
	})
	if s.metrics != nil {
		s.metrics.VotesCast.Inc()
	}

	if result.QuorumReached {
		s.recordAudit(ctx, audit.Entry{
			EntityType: audit.EntityClaim,
			EntityID:   claim.ID.String(),
			VaultID:    claim.VaultID,
			Action:     audit.ActionTransition,
			FromState:  string(models.StateEligible),
			ToState:    string(models.StateApproved),
			Actor:      actor,
			Reason:     "guardian_quorum_reached",
		})
		if s.metrics != nil {
			s.metrics.ClaimsApproved.Inc()
		}
		s.logger.InfoContext(ctx, "claim approved by guardian quorum",
			"claim_id", claim.ID.String(),
			"vault_id", claim.VaultID.String(),
			"approve_votes", approves,
			"quorum", vault.GuardianQuorum,
		)
	}
	if result.Vetoed {
		s.recordAudit(ctx, audit.Entry{
			EntityType: audit.EntityClaim,
			EntityID:   claim.ID.String(),
			VaultID:    claim.VaultID,
			Action:     audit.ActionTransition,
			FromState:  string(models.StateEligible),
			ToState:    string(models.StateRejected),
			Actor:      actor,
			Reason:     "guardian_veto",
		})
		if s.metrics != nil {
			s.metrics.ClaimsRejected.Inc()
		}
	}

	result.Claim = claim
	return result, nil
}

// tally counts votes whose guardian is currently active. A revoked
// guardian's earlier vote stops counting the moment they are revoked, even
// though the vote record itself is kept.
func tally(claim *models.Claim, guardians []*vaultmodels.Guardian) (approves, rejects int) {
	active := make(map[id.GuardianID]bool, len(guardians))
	for _, g := range guardians {
		if g.Status == vaultmodels.GuardianActive {
			active[g.ID] = true
		}
	}
	for guardianID, vote := range claim.Votes {
		if !active[guardianID] {
			continue
		}
		switch vote.Decision {
		case models.DecisionApprove:
			approves++
		case models.DecisionReject:
			rejects++
		}
	}
	return approves, rejects
}

// Get returns the stored claim.
func (s *Service) Get(ctx context.Context, claimID id.ClaimID) (*models.Claim, error) {
	return s.getStored(ctx, claimID)
}

// Snapshot builds the caller-facing view of a claim, including the live
// quorum tally.
func (s *Service) Snapshot(ctx context.Context, claimID id.ClaimID) (*models.Snapshot, error) {
	claim, err := s.getStored(ctx, claimID)
	if err != nil {
		return nil, err
	}
	vault, err := s.vaults.GetVault(ctx, claim.VaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load vault")
	}
	guardians, err := s.vaults.ListGuardians(ctx, claim.VaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list guardians")
	}
	approves, rejects := tally(claim, guardians)

	snapshot := &models.Snapshot{
		ID:            claim.ID.String(),
		VaultID:       claim.VaultID.String(),
		BeneficiaryID: claim.BeneficiaryID.String(),
		State:         claim.State,
		ApproveVotes:  approves,
		RejectVotes:   rejects,
		QuorumNeeded:  vault.GuardianQuorum,
		CreatedAt:     claim.CreatedAt,
		ResolvedAt:    claim.ResolvedAt,
		ReleaseRef:    claim.ReleaseRef,
	}
	if !claim.EligibleAt.IsZero() {
		eligibleAt := claim.EligibleAt
		snapshot.EligibleAt = &eligibleAt
	}
	return snapshot, nil
}

// ListByVault returns all claims for a vault, terminal ones included.
func (s *Service) ListByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error) {
	claims, err := s.store.ListByVault(ctx, vaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list claims")
	}
	return claims, nil
}

// transition applies one state change through the check-and-set, retrying
// once when a concurrent writer got there first.
func (s *Service) transition(ctx context.Context, claimID id.ClaimID, to models.State, actor, reason string, guard func(*models.Claim) error) error {
	err := s.transitionOnce(ctx, claimID, to, actor, reason, guard)
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		err = s.transitionOnce(ctx, claimID, to, actor, reason, guard)
	}
	return err
}

func (s *Service) transitionOnce(ctx context.Context, claimID id.ClaimID, to models.State, actor, reason string, guard func(*models.Claim) error) error {
	claim, err := s.getStored(ctx, claimID)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(claim); err != nil {
			return err
		}
	}
	from := claim.State
	if err := claim.Transition(to, requestcontext.Now(ctx)); err != nil {
		return err
	}
	if err := s.store.Update(ctx, claim); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "claim changed concurrently")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist claim transition")
	}
	s.recordAudit(ctx, audit.Entry{
		EntityType: audit.EntityClaim,
		EntityID:   claim.ID.String(),
		VaultID:    claim.VaultID,
		Action:     audit.ActionTransition,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      actor,
		Reason:     reason,
	})
	return nil
}

func (s *Service) getStored(ctx context.Context, claimID id.ClaimID) (*models.Claim, error) {
	claim, err := s.store.Get(ctx, claimID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "claim not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load claim")
	}
	return claim, nil
}

// recordAudit appends after the state commit; an audit store failure is
// logged rather than surfaced because the claim mutation is already durable.
func (s *Service) recordAudit(ctx context.Context, entry audit.Entry) {
	if _, err := s.audit.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"entity_id", entry.EntityID,
			"action", entry.Action,
			"error", err,
		)
	}
}
