package memory

import (
	"context"
	"sync"

	"heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
)

// InMemoryStore implements ports.Store with map-backed storage. Suitable for
// development and tests; production uses the Postgres store.
type InMemoryStore struct {
	mu            sync.RWMutex
	vaults        map[id.VaultID]*models.Vault
	beneficiaries map[id.BeneficiaryID]*models.Beneficiary
	guardians     map[id.GuardianID]*models.Guardian
	assets        map[id.AssetID]*models.Asset
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		vaults:        make(map[id.VaultID]*models.Vault),
		beneficiaries: make(map[id.BeneficiaryID]*models.Beneficiary),
		guardians:     make(map[id.GuardianID]*models.Guardian),
		assets:        make(map[id.AssetID]*models.Asset),
	}
}

func (s *InMemoryStore) CreateVault(_ context.Context, vault *models.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vaults[vault.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *vault
	cp.Version = 1
	s.vaults[vault.ID] = &cp
	vault.Version = 1
	return nil
}

func (s *InMemoryStore) GetVault(_ context.Context, vaultID id.VaultID) (*models.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.vaults[vaultID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (s *InMemoryStore) ListVaultsByStatus(_ context.Context, status models.VaultStatus) ([]*models.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Vault
	for _, v := range s.vaults {
		if v.Status == status {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListVaultsByOwner(_ context.Context, ownerID id.OwnerID) ([]*models.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Vault
	for _, v := range s.vaults {
		if v.OwnerID == ownerID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateVault(_ context.Context, vault *models.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.vaults[vault.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != vault.Version {
		return sentinel.ErrConflict
	}
	cp := *vault
	cp.Version = stored.Version + 1
	s.vaults[vault.ID] = &cp
	vault.Version = cp.Version
	return nil
}

func (s *InMemoryStore) AddBeneficiary(_ context.Context, beneficiary *models.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.beneficiaries[beneficiary.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *beneficiary
	s.beneficiaries[beneficiary.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetBeneficiary(_ context.Context, beneficiaryID id.BeneficiaryID) (*models.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.beneficiaries[beneficiaryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (s *InMemoryStore) ListBeneficiaries(_ context.Context, vaultID id.VaultID) ([]*models.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Beneficiary
	for _, b := range s.beneficiaries {
		if b.VaultID == vaultID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddGuardian(_ context.Context, guardian *models.Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.guardians[guardian.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *guardian
	s.guardians[guardian.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetGuardian(_ context.Context, guardianID id.GuardianID) (*models.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.guardians[guardianID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (s *InMemoryStore) ListGuardians(_ context.Context, vaultID id.VaultID) ([]*models.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Guardian
	for _, g := range s.guardians {
		if g.VaultID == vaultID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateGuardianStatus(_ context.Context, guardianID id.GuardianID, status models.GuardianStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.guardians[guardianID]
	if !ok {
		return sentinel.ErrNotFound
	}
	stored.Status = status
	return nil
}

func (s *InMemoryStore) AddAsset(_ context.Context, asset *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assets[asset.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *asset
	s.assets[asset.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetAsset(_ context.Context, assetID id.AssetID) (*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.assets[assetID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (s *InMemoryStore) ListAssets(_ context.Context, vaultID id.VaultID) ([]*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Asset
	for _, a := range s.assets {
		if a.VaultID == vaultID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RemoveAsset(_ context.Context, assetID id.AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[assetID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.assets, assetID)
	return nil
}
