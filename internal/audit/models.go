package audit

import (
	"context"
	"time"

	id "heirloom/pkg/domain"
)

// EntityType identifies what kind of entity an entry is about.
const (
	EntityVault    = "vault"
	EntityClaim    = "claim"
	EntityActivity = "activity"
	EntityGuardian = "guardian"
)

// Actions recorded outside of pure state transitions.
const (
	ActionTransition       = "state_transition"
	ActionClaimCreated     = "claim_created"
	ActionVoteCast         = "vote_cast"
	ActionActivityRecorded = "activity_recorded"
)

// Entry is one append-only audit record. Sequence and the hash chain are
// assigned by the Log at append time; entries are immutable once written.
type Entry struct {
	Sequence   int64
	Timestamp  time.Time
	EntityType string
	EntityID   string
	VaultID    id.VaultID
	Action     string
	FromState  string
	ToState    string
	Actor      string
	Reason     string
	PrevHash   string
	Hash       string
}

// Store persists audit entries. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByVault(ctx context.Context, vaultID id.VaultID) ([]Entry, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error)
	// ListAll returns the full chain in sequence order, for verification and
	// dispute resolution.
	ListAll(ctx context.Context) ([]Entry, error)
	// LastEntry returns the highest-sequence entry, or sentinel.ErrNotFound
	// when the log is empty. Used to resume the chain after restart.
	LastEntry(ctx context.Context) (Entry, error)
}
