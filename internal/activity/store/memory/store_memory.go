package memory

import (
	"context"
	"sync"

	"heirloom/internal/activity"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
)

// InMemoryStore implements activity.Store. The sequence check makes Put a
// check-and-set, mirroring the Postgres guard.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.VaultID]*activity.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.VaultID]*activity.Record)}
}

func (s *InMemoryStore) Get(_ context.Context, vaultID id.VaultID) (*activity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.records[vaultID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (s *InMemoryStore) Put(_ context.Context, record *activity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[record.VaultID]
	if !ok {
		if record.Sequence != 1 {
			return sentinel.ErrConflict
		}
	} else {
		if record.Sequence != stored.Sequence+1 {
			return sentinel.ErrConflict
		}
		if record.LastActivityAt.Before(stored.LastActivityAt) {
			return sentinel.ErrConflict
		}
	}
	cp := *record
	s.records[record.VaultID] = &cp
	return nil
}
