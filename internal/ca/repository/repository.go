package repository

import (
	"context"
	"time"

	"license-control-plane/backend/internal/ca/domain"
)

// Repository defines persistence for key material. Implementations must
// support the lookup patterns "active root", "active signing by scope",
// and "by kid". Keys are never deleted, for audit continuity.
type Repository interface {
	GetByKID(ctx context.Context, kid string) (*domain.KeyMaterial, error)
	FindActiveRoot(ctx context.Context) (*domain.KeyMaterial, error)
	FindActiveSigning(ctx context.Context, scope string) (*domain.KeyMaterial, error)
	List(ctx context.Context) ([]*domain.KeyMaterial, error)
	Create(ctx context.Context, k *domain.KeyMaterial) error
	// Revoke marks the key revoked and discards its sealed private material.
	Revoke(ctx context.Context, kid string, at time.Time, reason string) error
	// ReplaceActive atomically revokes oldKID and inserts newKey, so rotation
	// never advertises zero active keys for a scope that had one.
	ReplaceActive(ctx context.Context, newKey *domain.KeyMaterial, oldKID string, at time.Time, reason string) error
}
