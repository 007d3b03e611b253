package memory

import (
	"context"
	"sync"

	"heirloom/internal/audit"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
)

// InMemoryStore keeps the audit chain in memory. Appends are ordered by the
// Log, so a plain slice preserves sequence order.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryStore) ListByVault(_ context.Context, vaultID id.VaultID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.VaultID == vaultID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByEntity(_ context.Context, entityType, entityID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry{}, s.entries...), nil
}

func (s *InMemoryStore) LastEntry(_ context.Context) (audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return audit.Entry{}, sentinel.ErrNotFound
	}
	return s.entries[len(s.entries)-1], nil
}
