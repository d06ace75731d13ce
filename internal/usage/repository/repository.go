package repository

import (
	"context"
	"time"

	"license-control-plane/backend/internal/usage/domain"
)

// Repository defines persistence for usages. WithLicenseLock is the mutual
// exclusion primitive for seat registration: it runs fn while holding an
// exclusive lock on the license record, with all repository calls inside fn
// executing in the same transaction. The lock spans exactly the
// read-count-then-write section, never a whole request.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Usage, error)
	// GetActiveByLicenseAndFingerprint returns the active usage for the pair, or nil.
	GetActiveByLicenseAndFingerprint(ctx context.Context, licenseID, fingerprint string) (*domain.Usage, error)
	// GetActiveByFingerprint returns any active usage with fingerprint across
	// all licenses, or nil. Used for global uniqueness checks.
	GetActiveByFingerprint(ctx context.Context, fingerprint string) (*domain.Usage, error)
	ListByLicense(ctx context.Context, licenseID string) ([]*domain.Usage, error)
	CountActive(ctx context.Context, licenseID string) (int, error)
	// OldestActive returns the active usage with the oldest last-seen time
	// (ties broken by oldest registration), or nil if none are active.
	OldestActive(ctx context.Context, licenseID string) (*domain.Usage, error)
	Create(ctx context.Context, u *domain.Usage) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time, reason string) error
	WithLicenseLock(ctx context.Context, licenseID string, fn func(Repository) error) error
}
