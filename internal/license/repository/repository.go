package repository

import (
	"context"

	"license-control-plane/backend/internal/license/domain"
)

// Repository defines persistence for licenses.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.License, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*domain.License, error)
	Create(ctx context.Context, l *domain.License) error
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
}
