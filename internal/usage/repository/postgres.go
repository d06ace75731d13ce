package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"license-control-plane/backend/internal/usage/domain"
)

const usageColumns = `id, license_id, fingerprint, status, hostname, platform,
	registered_at, last_seen_at, revoked_at, revoke_reason`

// querier is satisfied by both *sql.DB and *sql.Tx, so the same queries run
// inside and outside the license-locked transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresRepository struct {
	db *sql.DB
	q  querier
}

// NewPostgresRepository returns a usage repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, q: db}
}

// GetByID returns the usage for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Usage, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usages WHERE id = $1`, id)
	return scanUsage(row)
}

// GetActiveByLicenseAndFingerprint returns the active usage for the given
// license and fingerprint, or nil if not found.
func (r *PostgresRepository) GetActiveByLicenseAndFingerprint(ctx context.Context, licenseID, fingerprint string) (*domain.Usage, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+usageColumns+` FROM usages
		WHERE license_id = $1 AND fingerprint = $2 AND status = 'active'`, licenseID, fingerprint)
	return scanUsage(row)
}

// GetActiveByFingerprint returns any active usage with fingerprint, or nil if not found.
func (r *PostgresRepository) GetActiveByFingerprint(ctx context.Context, fingerprint string) (*domain.Usage, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+usageColumns+` FROM usages
		WHERE fingerprint = $1 AND status = 'active' LIMIT 1`, fingerprint)
	return scanUsage(row)
}

// ListByLicense returns all usages for the license, oldest registration first.
func (r *PostgresRepository) ListByLicense(ctx context.Context, licenseID string) ([]*domain.Usage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM usages WHERE license_id = $1 ORDER BY registered_at ASC`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list usages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountActive returns the number of active usages for the license.
func (r *PostgresRepository) CountActive(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usages WHERE license_id = $1 AND status = 'active'`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active usages: %w", err)
	}
	return n, nil
}

// OldestActive returns the auto-replacement victim: oldest last-seen, ties
// broken by oldest registration. Nil if the license has no active usages.
func (r *PostgresRepository) OldestActive(ctx context.Context, licenseID string) (*domain.Usage, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+usageColumns+` FROM usages
		WHERE license_id = $1 AND status = 'active'
		ORDER BY COALESCE(last_seen_at, registered_at) ASC, registered_at ASC
		LIMIT 1`, licenseID)
	return scanUsage(row)
}

// Create persists the usage. The usage must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.Usage) error {
	var lastSeen, revokedAt sql.NullTime
	if u.LastSeenAt != nil {
		lastSeen = sql.NullTime{Time: *u.LastSeenAt, Valid: true}
	}
	if u.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: *u.RevokedAt, Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO usages (id, license_id, fingerprint, status, hostname, platform,
			registered_at, last_seen_at, revoked_at, revoke_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.LicenseID, u.Fingerprint, string(u.Status), u.Hostname, u.Platform,
		u.RegisteredAt, lastSeen, revokedAt, u.RevokeReason)
	if err != nil {
		return fmt.Errorf("create usage: %w", err)
	}
	return nil
}

// UpdateLastSeen sets the usage's last-seen timestamp for the given id.
func (r *PostgresRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE usages SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update usage last seen: %w", err)
	}
	return nil
}

// Revoke transitions the usage to revoked with reason and timestamp.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time, reason string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE usages SET status = 'revoked', revoked_at = $2, revoke_reason = $3
		WHERE id = $1 AND status = 'active'`, id, at, reason)
	if err != nil {
		return fmt.Errorf("revoke usage: %w", err)
	}
	return nil
}

// WithLicenseLock runs fn in a transaction holding SELECT ... FOR UPDATE on
// the license row, serializing concurrent registrations for the same license.
// fn receives a transaction-scoped repository. Any error from fn rolls the
// transaction back, so no partial seat consumption survives a failure.
func (r *PostgresRepository) WithLicenseLock(ctx context.Context, licenseID string, fn func(Repository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("license lock: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM licenses WHERE id = $1 FOR UPDATE`, licenseID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("license lock: license %s does not exist", licenseID)
	}
	if err != nil {
		return fmt.Errorf("license lock: %w", err)
	}

	if err := fn(&PostgresRepository{db: r.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*domain.Usage, error) {
	var (
		u         domain.Usage
		status    string
		lastSeen  sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.LicenseID, &u.Fingerprint, &status, &u.Hostname, &u.Platform,
		&u.RegisteredAt, &lastSeen, &revokedAt, &u.RevokeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	u.Status = domain.Status(status)
	if lastSeen.Valid {
		u.LastSeenAt = &lastSeen.Time
	}
	if revokedAt.Valid {
		u.RevokedAt = &revokedAt.Time
	}
	return &u, nil
}
