package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"heirloom/internal/claim/models"
	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/sentinel"
	txcontext "heirloom/pkg/platform/tx"
)

// PostgresStore persists claims and their votes. A partial unique index on
// (vault_id, beneficiary_id) over non-terminal states enforces the
// one-open-claim-per-pair invariant at the database level.
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

func (s *PostgresStore) Create(ctx context.Context, claim *models.Claim) error {
	query := `
		INSERT INTO claims (id, vault_id, beneficiary_id, state, eligible_at, created_at, resolved_at, release_ref, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(claim.ID),
		uuid.UUID(claim.VaultID),
		uuid.UUID(claim.BeneficiaryID),
		string(claim.State),
		nullTime(claim.EligibleAt),
		claim.CreatedAt,
		nullTimePtr(claim.ResolvedAt),
		claim.ReleaseRef,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	claim.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, claimID id.ClaimID) (*models.Claim, error) {
	query := `
		SELECT id, vault_id, beneficiary_id, state, eligible_at, created_at, resolved_at, release_ref, version
		FROM claims WHERE id = $1
	`
	claim, err := scanClaim(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(claimID)))
	if err != nil {
		return nil, err
	}
	if err := s.loadVotes(ctx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *PostgresStore) ListByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error) {
	query := `
		SELECT id, vault_id, beneficiary_id, state, eligible_at, created_at, resolved_at, release_ref, version
		FROM claims WHERE vault_id = $1 ORDER BY created_at
	`
	return s.list(ctx, query, uuid.UUID(vaultID))
}

func (s *PostgresStore) ListOpenByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error) {
	query := `
		SELECT id, vault_id, beneficiary_id, state, eligible_at, created_at, resolved_at, release_ref, version
		FROM claims WHERE vault_id = $1 AND state IN ('pending', 'eligible', 'approved')
		ORDER BY created_at
	`
	return s.list(ctx, query, uuid.UUID(vaultID))
}

func (s *PostgresStore) Update(ctx context.Context, claim *models.Claim) error {
	query := `
		UPDATE claims
		SET state = $1, eligible_at = $2, resolved_at = $3, release_ref = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		string(claim.State),
		nullTime(claim.EligibleAt),
		nullTimePtr(claim.ResolvedAt),
		claim.ReleaseRef,
		uuid.UUID(claim.ID),
		claim.Version,
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		row := s.execer(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, uuid.UUID(claim.ID))
		if scanErr := row.Scan(&exists); scanErr != nil {
			return fmt.Errorf("check claim existence: %w", scanErr)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}

	for _, vote := range claim.Votes {
		if err := s.upsertVote(ctx, claim.ID, vote); err != nil {
			return err
		}
	}
	claim.Version++
	return nil
}

func (s *PostgresStore) upsertVote(ctx context.Context, claimID id.ClaimID, vote models.Vote) error {
	query := `
		INSERT INTO claim_votes (claim_id, guardian_id, decision, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (claim_id, guardian_id)
		DO UPDATE SET decision = EXCLUDED.decision, cast_at = EXCLUDED.cast_at
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(claimID),
		uuid.UUID(vote.GuardianID),
		string(vote.Decision),
		vote.CastAt,
	)
	if err != nil {
		return fmt.Errorf("upsert claim vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Claim, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	for _, claim := range claims {
		if err := s.loadVotes(ctx, claim); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (s *PostgresStore) loadVotes(ctx context.Context, claim *models.Claim) error {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT guardian_id, decision, cast_at FROM claim_votes WHERE claim_id = $1`,
		uuid.UUID(claim.ID),
	)
	if err != nil {
		return fmt.Errorf("list claim votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			guardianID uuid.UUID
			decision   string
			castAt     time.Time
		)
		if err := rows.Scan(&guardianID, &decision, &castAt); err != nil {
			return fmt.Errorf("scan claim vote: %w", err)
		}
		if claim.Votes == nil {
			claim.Votes = make(map[id.GuardianID]models.Vote)
		}
		claim.Votes[id.GuardianID(guardianID)] = models.Vote{
			GuardianID: id.GuardianID(guardianID),
			Decision:   models.Decision(decision),
			CastAt:     castAt,
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*models.Claim, error) {
	var (
		claim                           models.Claim
		claimID, vaultID, beneficiaryID uuid.UUID
		state                           string
		eligibleAt, resolvedAt          sql.NullTime
	)
	err := row.Scan(&claimID, &vaultID, &beneficiaryID, &state, &eligibleAt, &claim.CreatedAt, &resolvedAt, &claim.ReleaseRef, &claim.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	claim.ID = id.ClaimID(claimID)
	claim.VaultID = id.VaultID(vaultID)
	claim.BeneficiaryID = id.BeneficiaryID(beneficiaryID)
	claim.State = models.State(state)
	if eligibleAt.Valid {
		claim.EligibleAt = eligibleAt.Time
	}
	if resolvedAt.Valid {
		resolved := resolvedAt.Time
		claim.ResolvedAt = &resolved
	}
	return &claim, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
