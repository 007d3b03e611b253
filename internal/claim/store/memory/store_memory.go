package memory

import (
	"context"
	"sync"

	"heirloom/internal/claim/models"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
)

// InMemoryStore implements ports.Store. Claims are stored as deep copies so
// callers can never mutate store state except through Update.
type InMemoryStore struct {
	mu     sync.RWMutex
	claims map[id.ClaimID]*models.Claim
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{claims: make(map[id.ClaimID]*models.Claim)}
}

func (s *InMemoryStore) Create(_ context.Context, claim *models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.claims[claim.ID]; exists {
		return sentinel.ErrConflict
	}
	// Exactly one non-terminal claim per (vault, beneficiary) pair.
	for _, existing := range s.claims {
		if existing.VaultID == claim.VaultID &&
			existing.BeneficiaryID == claim.BeneficiaryID &&
			!existing.State.IsTerminal() {
			return sentinel.ErrConflict
		}
	}
	cp := claim.Clone()
	cp.Version = 1
	s.claims[claim.ID] = cp
	claim.Version = 1
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, claimID id.ClaimID) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.claims[claimID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *InMemoryStore) ListByVault(_ context.Context, vaultID id.VaultID) ([]*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Claim
	for _, c := range s.claims {
		if c.VaultID == vaultID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListOpenByVault(_ context.Context, vaultID id.VaultID) ([]*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Claim
	for _, c := range s.claims {
		if c.VaultID == vaultID && !c.State.IsTerminal() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, claim *models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.claims[claim.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != claim.Version {
		return sentinel.ErrConflict
	}
	cp := claim.Clone()
	cp.Version = stored.Version + 1
	s.claims[claim.ID] = cp
	claim.Version = cp.Version
	return nil
}
