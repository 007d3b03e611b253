package activity

import (
	"context"
	"time"

	id "heirloom/pkg/domain"
)

// Record is the ground truth for inactivity computation: one per vault.
// LastActivityAt never decreases and Sequence strictly increases; the
// sequence doubles as the optimistic-concurrency token the monitor uses to
// detect activity racing a sweep.
type Record struct {
	VaultID        id.VaultID
	LastActivityAt time.Time
	Sequence       int64
}

// Store persists activity records. Put must reject regressions: a record
// whose Sequence is not exactly one above the stored sequence fails with
// sentinel.ErrConflict, and a missing record is created only at Sequence 1.
type Store interface {
	Get(ctx context.Context, vaultID id.VaultID) (*Record, error)
	Put(ctx context.Context, record *Record) error
}

// Inactive is the pure eligibility predicate: a vault is inactive at asOf
// when at least threshold has elapsed since its last recorded activity.
func Inactive(record *Record, asOf time.Time, threshold time.Duration) bool {
	return asOf.Sub(record.LastActivityAt) >= threshold
}
