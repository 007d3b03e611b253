// Package monitor implements the inactivity sweep: the background pass that
// turns vault inactivity into pending claims and promotes them to eligible.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"heirloom/internal/activity"
	claimmodels "heirloom/internal/claim/models"
	"heirloom/internal/platform/metrics"
	platformredis "heirloom/internal/platform/redis"
	vaultmodels "heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

const (
	sweepActor    = "system:monitor"
	sweepLeaseKey = "heirloom:sweep:lease"
)

// VaultSource is the slice of the vault store the monitor reads.
type VaultSource interface {
	ListVaultsByStatus(ctx context.Context, status vaultmodels.VaultStatus) ([]*vaultmodels.Vault, error)
	ListBeneficiaries(ctx context.Context, vaultID id.VaultID) ([]*vaultmodels.Beneficiary, error)
}

// ActivityReader exposes the activity record the sweep evaluates.
type ActivityReader interface {
	Get(ctx context.Context, vaultID id.VaultID) (*activity.Record, error)
}

// ClaimAdmin is the slice of the claim service the monitor drives.
type ClaimAdmin interface {
	Create(ctx context.Context, vaultID id.VaultID, beneficiaryID id.BeneficiaryID, actor string) (*claimmodels.Claim, error)
	Promote(ctx context.Context, claimID id.ClaimID, actor string) error
	Expire(ctx context.Context, claimID id.ClaimID, actor string) error
	ListByVault(ctx context.Context, vaultID id.VaultID) ([]*claimmodels.Claim, error)
}

// Monitor runs periodic sweeps over active vaults. Sweeps are idempotent: a
// pass that finds nothing to do changes nothing, and two concurrent passes
// resolve through the claim store's check-and-set.
type Monitor struct {
	vaults         VaultSource
	ledger         ActivityReader
	claims         ClaimAdmin
	redis          *platformredis.Client
	validityWindow time.Duration
	concurrency    int
	interval       time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// WithSweepLease makes sweeps mutually exclusive across replicas via a Redis
// lease. Without it every replica sweeps; correctness is unaffected, only
// work is duplicated.
func WithSweepLease(client *platformredis.Client) Option {
	return func(m *Monitor) { m.redis = client }
}

// WithValidityWindow enables expiry of eligible claims that have waited
// longer than the window for quorum. Zero disables expiry.
func WithValidityWindow(d time.Duration) Option {
	return func(m *Monitor) { m.validityWindow = d }
}

func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func New(vaults VaultSource, ledger ActivityReader, claims ClaimAdmin, opts ...Option) (*Monitor, error) {
	if vaults == nil || ledger == nil || claims == nil {
		return nil, fmt.Errorf("monitor requires vault source, activity reader and claim admin")
	}
	m := &Monitor{
		vaults:      vaults,
		ledger:      ledger,
		claims:      claims,
		concurrency: 8,
		interval:    5 * time.Minute,
		logger:      slog.Default(),
		tracer:      otel.Tracer("heirloom/monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// Sweep evaluates every active vault against a single instant. Per-vault
// failures are logged and do not abort the pass; the next sweep retries them.
func (m *Monitor) Sweep(ctx context.Context) error {
	if m.redis != nil {
		acquired, err := m.acquireLease(ctx)
		if err != nil {
			return fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !acquired {
			m.logger.DebugContext(ctx, "sweep lease held elsewhere, skipping pass")
			return nil
		}
		defer m.releaseLease(ctx)
	}

	ctx, span := m.tracer.Start(ctx, "monitor.Sweep")
	defer span.End()

	started := time.Now()
	now := requestcontext.Now(ctx)
	ctx = requestcontext.WithTime(ctx, now)

	vaults, err := m.vaults.ListVaultsByStatus(ctx, vaultmodels.VaultActive)
	if err != nil {
		return fmt.Errorf("list active vaults: %w", err)
	}
	span.SetAttributes(attribute.Int("vaults", len(vaults)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, vault := range vaults {
		vault := vault
		g.Go(func() error {
			if err := m.sweepVault(gctx, vault, now); err != nil {
				m.logger.ErrorContext(gctx, "vault sweep failed",
					"vault_id", vault.ID.String(),
					"error", err,
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.SweepsTotal.Inc()
		m.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

func (m *Monitor) sweepVault(ctx context.Context, vault *vaultmodels.Vault, now time.Time) error {
	claims, err := m.claims.ListByVault(ctx, vault.ID)
	if err != nil {
		return err
	}

	if m.validityWindow > 0 {
		for _, claim := range claims {
			if claim.State != claimmodels.StateEligible {
				continue
			}
			if now.Sub(claim.EligibleAt) < m.validityWindow {
				continue
			}
			if err := m.claims.Expire(ctx, claim.ID, sweepActor); err != nil {
				// Lost a race with a vote or rejection; that outcome stands.
				if dErrors.HasCode(err, dErrors.CodeInvalidTransition) || dErrors.HasCode(err, dErrors.CodeConflict) {
					continue
				}
				return err
			}
			// Keep the local copy honest so the pass below can open a
			// replacement claim for the same beneficiary.
			claim.State = claimmodels.StateExpired
		}
	}

	record, err := m.ledger.Get(ctx, vault.ID)
	if err != nil {
		return err
	}
	if !activity.Inactive(record, now, vault.InactivityThreshold) {
		return nil
	}

	// The vault is past its threshold. Open a pending claim for every
	// beneficiary that has none, then promote pending claims to eligible.
	beneficiaries, err := m.vaults.ListBeneficiaries(ctx, vault.ID)
	if err != nil {
		return err
	}
	// A beneficiary with an open claim needs no second one, and a released
	// claim is final: their share has been paid out.
	settled := make(map[id.BeneficiaryID]bool)
	for _, claim := range claims {
		if !claim.State.IsTerminal() || claim.State == claimmodels.StateReleased {
			settled[claim.BeneficiaryID] = true
		}
	}
	for _, beneficiary := range beneficiaries {
		if settled[beneficiary.ID] {
			continue
		}
		claim, err := m.claims.Create(ctx, vault.ID, beneficiary.ID, sweepActor)
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			// Another sweep replica created it in between.
			continue
		}
		if err != nil {
			return err
		}
		claims = append(claims, claim)
		if m.logger != nil {
			m.logger.InfoContext(ctx, "claim opened for inactive vault",
				"vault_id", vault.ID.String(),
				"claim_id", claim.ID.String(),
				"beneficiary_id", beneficiary.ID.String(),
			)
		}
	}

	for _, claim := range claims {
		if claim.State != claimmodels.StatePending {
			continue
		}
		if err := m.promote(ctx, vault, claim, record.Sequence); err != nil {
			return err
		}
	}
	return nil
}

// promote re-reads the activity record immediately before committing the
// eligibility transition. If the owner showed up after the sweep's first
// read, the sequence has moved and the promotion is abandoned: activity
// always wins the race.
func (m *Monitor) promote(ctx context.Context, vault *vaultmodels.Vault, claim *claimmodels.Claim, seenSequence int64) error {
	fresh, err := m.ledger.Get(ctx, vault.ID)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	if fresh.Sequence != seenSequence || !activity.Inactive(fresh, now, vault.InactivityThreshold) {
		m.logger.InfoContext(ctx, "owner activity observed during sweep, promotion abandoned",
			"vault_id", vault.ID.String(),
			"claim_id", claim.ID.String(),
		)
		return nil
	}

	err = m.claims.Promote(ctx, claim.ID, sweepActor)
	// A concurrent cancellation or another replica's promotion surfaces as a
	// conflict or an invalid transition; both mean the work is already done
	// or must not be done.
	if dErrors.HasCode(err, dErrors.CodeConflict) || dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
		return nil
	}
	return err
}

func (m *Monitor) acquireLease(ctx context.Context) (bool, error) {
	return m.redis.SetNX(ctx, sweepLeaseKey, sweepActor, m.interval).Result()
}

func (m *Monitor) releaseLease(ctx context.Context) {
	if err := m.redis.Del(ctx, sweepLeaseKey).Err(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WarnContext(ctx, "release sweep lease failed", "error", err)
	}
}
