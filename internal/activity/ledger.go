// Package activity implements the activity ledger: the authoritative record
// of when each vault owner was last seen alive.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"heirloom/internal/platform/metrics"
	vaultmodels "heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/sentinel"
	"heirloom/pkg/platform/tx"
	"heirloom/pkg/requestcontext"
)

// VaultGetter is the slice of the vault store the ledger needs.
type VaultGetter interface {
	GetVault(ctx context.Context, vaultID id.VaultID) (*vaultmodels.Vault, error)
}

// ClaimCanceller rejects all non-terminal claims for a vault. Implemented by
// the claim service; invoked inside the activity transaction so cancellation
// and the timestamp update are atomic.
type ClaimCanceller interface {
	CancelVaultClaims(ctx context.Context, vaultID id.VaultID, actor, reason string) (int, error)
}

// Ledger records and queries last-activity timestamps per vault.
type Ledger struct {
	store    Store
	vaults   VaultGetter
	claims   ClaimCanceller
	txRunner tx.Runner
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func New(store Store, vaults VaultGetter, claims ClaimCanceller, txRunner tx.Runner, opts ...Option) (*Ledger, error) {
	if store == nil || vaults == nil || claims == nil || txRunner == nil {
		return nil, fmt.Errorf("activity ledger requires store, vault getter, claim canceller and tx runner")
	}
	l := &Ledger{
		store:    store,
		vaults:   vaults,
		claims:   claims,
		txRunner: txRunner,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Seed creates the initial activity record for a new vault. Vault creation
// counts as activity; the inactivity clock starts there.
func (l *Ledger) Seed(ctx context.Context, vaultID id.VaultID, at time.Time) error {
	err := l.store.Put(ctx, &Record{VaultID: vaultID, LastActivityAt: at, Sequence: 1})
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.New(dErrors.CodeConflict, "activity record already seeded")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "seed activity record")
	}
	return nil
}

// RecordActivity accepts an owner liveness signal. A timestamp older than the
// stored one fails with CodeStaleActivity so a replayed old signal can never
// appear to reset the clock. On success all outstanding claims for the vault
// are cancelled in the same transaction.
func (l *Ledger) RecordActivity(ctx context.Context, vaultID id.VaultID, occurredAt time.Time, actor string) error {
	vault, err := l.vaults.GetVault(ctx, vaultID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "vault not found")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load vault")
	}
	if vault.Status == vaultmodels.VaultClosed {
		return dErrors.New(dErrors.CodeInvalidTransition, "vault is closed")
	}
	// Only the vault's owner can reset the clock: a liveness signal from
	// anyone else would silently cancel in-flight claims.
	if !requestcontext.HasRole(ctx, requestcontext.RoleOwner) {
		return dErrors.New(dErrors.CodeUnauthorized, "owner role required")
	}
	if ownerID, parseErr := id.ParseOwnerID(actor); parseErr != nil || ownerID != vault.OwnerID {
		return dErrors.New(dErrors.CodeUnauthorized, "actor is not the vault owner")
	}

	run := func(ctx context.Context) error {
		record, err := l.store.Get(ctx, vaultID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "activity record not found")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load activity record")
		}
		if occurredAt.Before(record.LastActivityAt) {
			if l.metrics != nil {
				l.metrics.StaleActivityDrops.Inc()
			}
			return dErrors.Newf(dErrors.CodeStaleActivity,
				"activity at %s is older than recorded %s",
				occurredAt.Format(time.RFC3339), record.LastActivityAt.Format(time.RFC3339))
		}

		// Cancel first: if cancellation cannot complete, the timestamp must
		// not move either.
		cancelled, err := l.claims.CancelVaultClaims(ctx, vaultID, actor, "owner_activity")
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "cancel outstanding claims")
		}

		next := &Record{
			VaultID:        vaultID,
			LastActivityAt: occurredAt,
			Sequence:       record.Sequence + 1,
		}
		if err := l.store.Put(ctx, next); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "activity record changed concurrently")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "store activity record")
		}

		if cancelled > 0 {
			l.logger.InfoContext(ctx, "owner activity cancelled outstanding claims",
				"vault_id", vaultID.String(),
				"cancelled", cancelled,
			)
		}
		return nil
	}

	if err := l.txRunner.RunInTx(ctx, run); err != nil {
		// A concurrent writer moved the record; one retry against fresh state.
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return l.txRunner.RunInTx(ctx, run)
		}
		return err
	}
	if l.metrics != nil {
		l.metrics.ActivityRecorded.Inc()
	}
	return nil
}

// Get returns the current activity record.
func (l *Ledger) Get(ctx context.Context, vaultID id.VaultID) (*Record, error) {
	record, err := l.store.Get(ctx, vaultID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "activity record not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load activity record")
	}
	return record, nil
}

// IsInactive evaluates the vault's inactivity against its record as of the
// context time.
func (l *Ledger) IsInactive(ctx context.Context, vaultID id.VaultID, threshold time.Duration) (bool, error) {
	record, err := l.Get(ctx, vaultID)
	if err != nil {
		return false, err
	}
	return Inactive(record, requestcontext.Now(ctx), threshold), nil
}
