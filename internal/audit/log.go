// Package audit implements the append-only, tamper-evident transition log.
// Every committed state transition in the claim protocol lands here exactly
// once; disputes are resolved by replaying the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/sentinel"
	"heirloom/pkg/requestcontext"
)

// Log assigns monotonic sequence numbers and chains entry hashes. It is the
// single append authority; concurrent appends are safe because sequence and
// prev-hash assignment happen under one lock.
type Log struct {
	mu       sync.Mutex
	store    Store
	logger   *slog.Logger
	sink     chan<- Entry
	lastSeq  int64
	lastHash string
}

type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithSink mirrors committed entries to a channel for asynchronous fan-out
// (the Kafka worker). Mirroring is best effort; the local store remains the
// ordered source of truth.
func WithSink(sink chan<- Entry) Option {
	return func(l *Log) { l.sink = sink }
}

// New builds a Log on top of a store, resuming the hash chain from the last
// persisted entry.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	l := &Log{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}

	last, err := store.LastEntry(ctx)
	switch {
	case err == nil:
		l.lastSeq = last.Sequence
		l.lastHash = last.Hash
	case errors.Is(err, sentinel.ErrNotFound):
		// fresh log
	default:
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	return l, nil
}

// Append assigns the next sequence number, chains the hash, and persists the
// entry. The returned entry carries the assigned fields.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.EntityType == "" || entry.EntityID == "" {
		return Entry{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires entity type and id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = requestcontext.Now(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Sequence = l.lastSeq + 1
	entry.PrevHash = l.lastHash
	entry.Hash = hashEntry(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, dErrors.Wrap(err, dErrors.CodeInternal, "append audit entry")
	}
	l.lastSeq = entry.Sequence
	l.lastHash = entry.Hash

	if l.sink != nil {
		select {
		case l.sink <- entry:
		default:
			l.logger.WarnContext(ctx, "audit sink full, entry not mirrored",
				"sequence", entry.Sequence,
			)
		}
	}
	return entry, nil
}

// TrailByVault returns the ordered history for a vault.
func (l *Log) TrailByVault(ctx context.Context, vaultID id.VaultID) ([]Entry, error) {
	entries, err := l.store.ListByVault(ctx, vaultID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit entries")
	}
	return entries, nil
}

// TrailByEntity returns the ordered history for one entity.
func (l *Log) TrailByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	entries, err := l.store.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit entries")
	}
	return entries, nil
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(strconv.FormatInt(e.Sequence, 10)))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.EntityType))
	h.Write([]byte(e.EntityID))
	h.Write([]byte(e.VaultID.String()))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.FromState))
	h.Write([]byte(e.ToState))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Reason))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the hash chain over an ordered slice of entries and
// reports the first inconsistency. Entries must be sequence-ordered and the
// first entry's PrevHash is trusted as the chain anchor.
func VerifyChain(entries []Entry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return fmt.Errorf("sequence gap at %d: %d -> %d", i, prev.Sequence, e.Sequence)
			}
			if e.PrevHash != prev.Hash {
				return fmt.Errorf("hash chain broken at sequence %d", e.Sequence)
			}
		}
		if hashEntry(e) != e.Hash {
			return fmt.Errorf("entry %d hash mismatch", e.Sequence)
		}
	}
	return nil
}
