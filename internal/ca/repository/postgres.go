package repository

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"license-control-plane/backend/internal/ca/domain"
)

const keyColumns = `kid, kind, status, public_key, sealed_private_key, scope,
	not_before, not_after, revoked_at, revoke_reason, certificate, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a key material repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByKID returns the key for kid, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByKID(ctx context.Context, kid string) (*domain.KeyMaterial, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM keys WHERE kid = $1`, kid)
	return scanKey(row)
}

// FindActiveRoot returns the single active root key, or nil if none exists.
func (r *PostgresRepository) FindActiveRoot(ctx context.Context) (*domain.KeyMaterial, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE kind = 'root' AND status = 'active'`)
	return scanKey(row)
}

// FindActiveSigning returns the active, non-expired signing key for scope, or nil if none exists.
// Scope fallback is a service-level decision; this query matches the scope exactly.
func (r *PostgresRepository) FindActiveSigning(ctx context.Context, scope string) (*domain.KeyMaterial, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE kind = 'signing' AND status = 'active' AND scope = $1
		  AND (not_before IS NULL OR not_before <= NOW())
		  AND (not_after IS NULL OR not_after > NOW())`, scope)
	return scanKey(row)
}

// List returns all keys, newest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.KeyMaterial, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []*domain.KeyMaterial
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Create persists the key. The key must have KID set. A failed insert leaves no row behind.
func (r *PostgresRepository) Create(ctx context.Context, k *domain.KeyMaterial) error {
	return insertKey(ctx, r.db, k)
}

// Revoke marks the key revoked, records reason and timestamp, and discards the
// sealed private material. No-op error if the key does not exist.
func (r *PostgresRepository) Revoke(ctx context.Context, kid string, at time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE keys SET status = 'revoked', revoked_at = $2, revoke_reason = $3, sealed_private_key = NULL
		WHERE kid = $1 AND status = 'active'`, kid, at, reason)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("revoke key: %s is not active", kid)
	}
	return nil
}

// ReplaceActive revokes oldKID and inserts newKey in one transaction.
func (r *PostgresRepository) ReplaceActive(ctx context.Context, newKey *domain.KeyMaterial, oldKID string, at time.Time, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace key: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE keys SET status = 'revoked', revoked_at = $2, revoke_reason = $3, sealed_private_key = NULL
		WHERE kid = $1 AND status = 'active'`, oldKID, at, reason); err != nil {
		return fmt.Errorf("replace key: revoke old: %w", err)
	}
	if err := insertKey(ctx, tx, newKey); err != nil {
		return fmt.Errorf("replace key: insert new: %w", err)
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertKey(ctx context.Context, e execer, k *domain.KeyMaterial) error {
	var certJSON []byte
	if k.Certificate != nil {
		b, err := json.Marshal(k.Certificate)
		if err != nil {
			return fmt.Errorf("marshal certificate: %w", err)
		}
		certJSON = b
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO keys (kid, kind, status, public_key, sealed_private_key, scope,
			not_before, not_after, revoked_at, revoke_reason, certificate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		k.KID, string(k.Kind), string(k.Status), []byte(k.PublicKey), k.SealedPrivateKey, k.Scope,
		nullTime(k.NotBefore), nullTime(k.NotAfter), nullTime(k.RevokedAt), k.RevokeReason,
		certJSON, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*domain.KeyMaterial, error) {
	var (
		k          domain.KeyMaterial
		kind       string
		status     string
		publicKey  []byte
		notBefore  sql.NullTime
		notAfter   sql.NullTime
		revokedAt  sql.NullTime
		certJSON   []byte
	)
	err := row.Scan(&k.KID, &kind, &status, &publicKey, &k.SealedPrivateKey, &k.Scope,
		&notBefore, &notAfter, &revokedAt, &k.RevokeReason, &certJSON, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan key: %w", err)
	}
	k.Kind = domain.KeyKind(kind)
	k.Status = domain.KeyStatus(status)
	k.PublicKey = ed25519.PublicKey(publicKey)
	if notBefore.Valid {
		k.NotBefore = &notBefore.Time
	}
	if notAfter.Valid {
		k.NotAfter = &notAfter.Time
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	if len(certJSON) > 0 {
		var cert domain.Certificate
		if err := json.Unmarshal(certJSON, &cert); err != nil {
			return nil, fmt.Errorf("unmarshal certificate: %w", err)
		}
		k.Certificate = &cert
	}
	return &k, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
