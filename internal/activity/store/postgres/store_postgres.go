package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"heirloom/internal/activity"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
	txcontext "heirloom/pkg/platform/tx"
)

// PostgresStore persists activity records. The upsert only applies when the
// incoming sequence is exactly one above the stored one, so regressions and
// concurrent writers surface as conflicts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, vaultID id.VaultID) (*activity.Record, error) {
	var (
		record activity.Record
		vID    uuid.UUID
	)
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT vault_id, last_activity_at, sequence FROM activity_records WHERE vault_id = $1`,
		uuid.UUID(vaultID),
	)
	err := row.Scan(&vID, &record.LastActivityAt, &record.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan activity record: %w", err)
	}
	record.VaultID = id.VaultID(vID)
	return &record, nil
}

func (s *PostgresStore) Put(ctx context.Context, record *activity.Record) error {
	if record.Sequence == 1 {
		query := `
			INSERT INTO activity_records (vault_id, last_activity_at, sequence)
			VALUES ($1, $2, 1)
			ON CONFLICT (vault_id) DO NOTHING
		`
		res, err := s.execer(ctx).ExecContext(ctx, query,
			uuid.UUID(record.VaultID), record.LastActivityAt)
		if err != nil {
			return fmt.Errorf("insert activity record: %w", err)
		}
		return affectedOrConflict(res)
	}

	query := `
		UPDATE activity_records
		SET last_activity_at = $2, sequence = $3
		WHERE vault_id = $1
		  AND sequence = $3 - 1
		  AND last_activity_at <= $2
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(record.VaultID), record.LastActivityAt, record.Sequence)
	if err != nil {
		return fmt.Errorf("update activity record: %w", err)
	}
	return affectedOrConflict(res)
}

func affectedOrConflict(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activity rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrConflict
	}
	return nil
}
