package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"heirloom/internal/vault/models"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
	txcontext "heirloom/pkg/platform/tx"
)

// PostgresStore persists the vault aggregate. All methods honour a
// context-carried transaction so callers can group mutations atomically.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) CreateVault(ctx context.Context, vault *models.Vault) error {
	query := `
		INSERT INTO vaults (id, owner_id, name, status, inactivity_threshold_seconds, guardian_quorum, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(vault.ID),
		uuid.UUID(vault.OwnerID),
		vault.Name,
		string(vault.Status),
		int64(vault.InactivityThreshold/time.Second),
		vault.GuardianQuorum,
		vault.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	vault.Version = 1
	return nil
}

func (s *PostgresStore) GetVault(ctx context.Context, vaultID id.VaultID) (*models.Vault, error) {
	query := `
		SELECT id, owner_id, name, status, inactivity_threshold_seconds, guardian_quorum, created_at, version
		FROM vaults WHERE id = $1
	`
	return scanVault(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(vaultID)))
}

func (s *PostgresStore) ListVaultsByStatus(ctx context.Context, status models.VaultStatus) ([]*models.Vault, error) {
	query := `
		SELECT id, owner_id, name, status, inactivity_threshold_seconds, guardian_quorum, created_at, version
		FROM vaults WHERE status = $1 ORDER BY created_at
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var vaults []*models.Vault
	for rows.Next() {
		vault, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, vault)
	}
	return vaults, rows.Err()
}

func (s *PostgresStore) ListVaultsByOwner(ctx context.Context, ownerID id.OwnerID) ([]*models.Vault, error) {
	query := `
		SELECT id, owner_id, name, status, inactivity_threshold_seconds, guardian_quorum, created_at, version
		FROM vaults WHERE owner_id = $1 ORDER BY created_at
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list vaults by owner: %w", err)
	}
	defer rows.Close()

	var vaults []*models.Vault
	for rows.Next() {
		vault, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, vault)
	}
	return vaults, rows.Err()
}

func (s *PostgresStore) UpdateVault(ctx context.Context, vault *models.Vault) error {
	query := `
		UPDATE vaults
		SET name = $1, status = $2, inactivity_threshold_seconds = $3, guardian_quorum = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		vault.Name,
		string(vault.Status),
		int64(vault.InactivityThreshold/time.Second),
		vault.GuardianQuorum,
		uuid.UUID(vault.ID),
		vault.Version,
	)
	if err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update vault rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish missing vault from version conflict.
		if _, getErr := s.GetVault(ctx, vault.ID); errors.Is(getErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	vault.Version++
	return nil
}

func (s *PostgresStore) AddBeneficiary(ctx context.Context, beneficiary *models.Beneficiary) error {
	query := `
		INSERT INTO beneficiaries (id, vault_id, wallet_address, allocation_share, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(beneficiary.ID),
		uuid.UUID(beneficiary.VaultID),
		beneficiary.WalletAddress,
		beneficiary.AllocationShare,
		beneficiary.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert beneficiary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.Beneficiary, error) {
	query := `
		SELECT id, vault_id, wallet_address, allocation_share, created_at
		FROM beneficiaries WHERE id = $1
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(beneficiaryID))
	return scanBeneficiary(row)
}

func (s *PostgresStore) ListBeneficiaries(ctx context.Context, vaultID id.VaultID) ([]*models.Beneficiary, error) {
	query := `
		SELECT id, vault_id, wallet_address, allocation_share, created_at
		FROM beneficiaries WHERE vault_id = $1 ORDER BY created_at
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(vaultID))
	if err != nil {
		return nil, fmt.Errorf("list beneficiaries: %w", err)
	}
	defer rows.Close()

	var out []*models.Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddGuardian(ctx context.Context, guardian *models.Guardian) error {
	query := `
		INSERT INTO guardians (id, vault_id, wallet_address, status, invite_token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(guardian.ID),
		uuid.UUID(guardian.VaultID),
		guardian.WalletAddress,
		string(guardian.Status),
		guardian.InviteTokenHash,
		guardian.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert guardian: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGuardian(ctx context.Context, guardianID id.GuardianID) (*models.Guardian, error) {
	query := `
		SELECT id, vault_id, wallet_address, status, invite_token_hash, created_at
		FROM guardians WHERE id = $1
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(guardianID))
	return scanGuardian(row)
}

func (s *PostgresStore) ListGuardians(ctx context.Context, vaultID id.VaultID) ([]*models.Guardian, error) {
	query := `
		SELECT id, vault_id, wallet_address, status, invite_token_hash, created_at
		FROM guardians WHERE vault_id = $1 ORDER BY created_at
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(vaultID))
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	defer rows.Close()

	var out []*models.Guardian
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateGuardianStatus(ctx context.Context, guardianID id.GuardianID, status models.GuardianStatus) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE guardians SET status = $1 WHERE id = $2`,
		string(status), uuid.UUID(guardianID),
	)
	if err != nil {
		return fmt.Errorf("update guardian status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update guardian rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*models.Vault, error) {
	var (
		vault            models.Vault
		vaultID, ownerID uuid.UUID
		status           string
		thresholdSecs    int64
	)
	err := row.Scan(&vaultID, &ownerID, &vault.Name, &status, &thresholdSecs, &vault.GuardianQuorum, &vault.CreatedAt, &vault.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vault: %w", err)
	}
	vault.ID = id.VaultID(vaultID)
	vault.OwnerID = id.OwnerID(ownerID)
	vault.Status = models.VaultStatus(status)
	vault.InactivityThreshold = time.Duration(thresholdSecs) * time.Second
	return &vault, nil
}

func scanBeneficiary(row rowScanner) (*models.Beneficiary, error) {
	var (
		b              models.Beneficiary
		benID, vaultID uuid.UUID
	)
	err := row.Scan(&benID, &vaultID, &b.WalletAddress, &b.AllocationShare, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan beneficiary: %w", err)
	}
	b.ID = id.BeneficiaryID(benID)
	b.VaultID = id.VaultID(vaultID)
	return &b, nil
}

func scanGuardian(row rowScanner) (*models.Guardian, error) {
	var (
		g            models.Guardian
		gID, vaultID uuid.UUID
		status       string
	)
	err := row.Scan(&gID, &vaultID, &g.WalletAddress, &status, &g.InviteTokenHash, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan guardian: %w", err)
	}
	g.ID = id.GuardianID(gID)
	g.VaultID = id.VaultID(vaultID)
	g.Status = models.GuardianStatus(status)
	return &g, nil
}

func (s *PostgresStore) AddAsset(ctx context.Context, asset *models.Asset) error {
	query := `
		INSERT INTO assets (id, vault_id, name, kind, reference, estimated_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(asset.ID),
		uuid.UUID(asset.VaultID),
		asset.Name,
		asset.Kind,
		asset.Reference,
		asset.EstimatedValue,
		asset.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, assetID id.AssetID) (*models.Asset, error) {
	query := `
		SELECT id, vault_id, name, kind, reference, estimated_value, created_at
		FROM assets WHERE id = $1
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(assetID))
	return scanAsset(row)
}

func (s *PostgresStore) ListAssets(ctx context.Context, vaultID id.VaultID) ([]*models.Asset, error) {
	query := `
		SELECT id, vault_id, name, kind, reference, estimated_value, created_at
		FROM assets WHERE vault_id = $1 ORDER BY created_at
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(vaultID))
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveAsset(ctx context.Context, assetID id.AssetID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, uuid.UUID(assetID))
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete asset rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		a            models.Asset
		aID, vaultID uuid.UUID
	)
	err := row.Scan(&aID, &vaultID, &a.Name, &a.Kind, &a.Reference, &a.EstimatedValue, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	a.ID = id.AssetID(aID)
	a.VaultID = id.VaultID(vaultID)
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
