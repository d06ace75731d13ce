package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"license-control-plane/backend/internal/license/domain"
)

const licenseColumns = `id, key_hash, status, owner_type, owner_id, scope, max_usages, expires_at,
	over_limit_policy, grace_days, uniqueness_scope, token_ttl_days, force_online_days,
	allow_global_fallback, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a license repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the license for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.License, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id)
	return scanLicense(row)
}

// GetByKeyHash returns the license whose key hashes to keyHash, or nil if not found.
func (r *PostgresRepository) GetByKeyHash(ctx context.Context, keyHash string) (*domain.License, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_hash = $1`, keyHash)
	return scanLicense(row)
}

// Create persists the license. The license must have ID and KeyHash set and a resolved policy.
func (r *PostgresRepository) Create(ctx context.Context, l *domain.License) error {
	var expires sql.NullTime
	if l.ExpiresAt != nil {
		expires = sql.NullTime{Time: *l.ExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO licenses (id, key_hash, status, owner_type, owner_id, scope, max_usages, expires_at,
			over_limit_policy, grace_days, uniqueness_scope, token_ttl_days, force_online_days,
			allow_global_fallback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.KeyHash, string(l.Status), l.Owner.Type, l.Owner.ID, l.Scope, l.MaxUsages, expires,
		string(l.Policy.OverLimit), l.Policy.GraceDays, string(l.Policy.Uniqueness),
		l.Policy.TokenTTLDays, l.Policy.ForceOnlineDays, l.Policy.AllowGlobalFallback,
		l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// UpdateStatus sets the license status. Returns an error if the update fails.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*domain.License, error) {
	var (
		l          domain.License
		status     string
		overLimit  string
		uniqueness string
		expires    sql.NullTime
	)
	err := row.Scan(&l.ID, &l.KeyHash, &status, &l.Owner.Type, &l.Owner.ID, &l.Scope,
		&l.MaxUsages, &expires, &overLimit, &l.Policy.GraceDays, &uniqueness,
		&l.Policy.TokenTTLDays, &l.Policy.ForceOnlineDays, &l.Policy.AllowGlobalFallback,
		&l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	l.Status = domain.Status(status)
	l.Policy.OverLimit = domain.OverLimitPolicy(overLimit)
	l.Policy.Uniqueness = domain.UniquenessScope(uniqueness)
	if expires.Valid {
		l.ExpiresAt = &expires.Time
	}
	return &l, nil
}
