package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"heirloom/internal/audit"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
	txcontext "heirloom/pkg/platform/tx"
)

// PostgresStore persists the audit chain. The Log serializes appends, so the
// sequence primary key never conflicts under normal operation; a conflict
// indicates a second append authority and is surfaced as such.
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

const selectCols = `sequence, ts, entity_type, entity_id, vault_id, action, from_state, to_state, actor, reason, prev_hash, hash`

func (s *PostgresStore) Append(ctx context.Context, entry audit.Entry) error {
	query := `
		INSERT INTO audit_entries (` + selectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		entry.Sequence,
		entry.Timestamp,
		entry.EntityType,
		entry.EntityID,
		uuid.UUID(entry.VaultID),
		entry.Action,
		entry.FromState,
		entry.ToState,
		entry.Actor,
		entry.Reason,
		entry.PrevHash,
		entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByVault(ctx context.Context, vaultID id.VaultID) ([]audit.Entry, error) {
	query := `SELECT ` + selectCols + ` FROM audit_entries WHERE vault_id = $1 ORDER BY sequence`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(vaultID))
	if err != nil {
		return nil, fmt.Errorf("list audit entries by vault: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]audit.Entry, error) {
	query := `SELECT ` + selectCols + ` FROM audit_entries WHERE entity_type = $1 AND entity_id = $2 ORDER BY sequence`
	rows, err := s.execer(ctx).QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries by entity: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]audit.Entry, error) {
	query := `SELECT ` + selectCols + ` FROM audit_entries ORDER BY sequence`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) LastEntry(ctx context.Context) (audit.Entry, error) {
	query := `SELECT ` + selectCols + ` FROM audit_entries ORDER BY sequence DESC LIMIT 1`
	row := s.execer(ctx).QueryRowContext(ctx, query)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, sentinel.ErrNotFound
	}
	if err != nil {
		return audit.Entry{}, fmt.Errorf("load last audit entry: %w", err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var entry audit.Entry
	var vaultID uuid.UUID
	err := row.Scan(
		&entry.Sequence,
		&entry.Timestamp,
		&entry.EntityType,
		&entry.EntityID,
		&vaultID,
		&entry.Action,
		&entry.FromState,
		&entry.ToState,
		&entry.Actor,
		&entry.Reason,
		&entry.PrevHash,
		&entry.Hash,
	)
	if err != nil {
		return audit.Entry{}, err
	}
	entry.VaultID = id.VaultID(vaultID)
	return entry, nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
