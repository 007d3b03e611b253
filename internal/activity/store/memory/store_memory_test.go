package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heirloom/internal/activity"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
)

func TestPutEnforcesSequence(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	vaultID := id.NewVaultID()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// A new record must start the chain.
	err := store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base, Sequence: 3})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	require.NoError(t, store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base, Sequence: 1}))

	// Gaps and replays both fail.
	err = store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base.Add(time.Hour), Sequence: 3})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	err = store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base.Add(time.Hour), Sequence: 1})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	// The timestamp may never move backwards.
	err = store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base.Add(-time.Hour), Sequence: 2})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	require.NoError(t, store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base.Add(time.Hour), Sequence: 2}))

	stored, err := store.Get(ctx, vaultID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Sequence)
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	vaultID := id.NewVaultID()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &activity.Record{VaultID: vaultID, LastActivityAt: base, Sequence: 1}))

	first, err := store.Get(ctx, vaultID)
	require.NoError(t, err)
	first.Sequence = 99

	second, err := store.Get(ctx, vaultID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Sequence)
}
