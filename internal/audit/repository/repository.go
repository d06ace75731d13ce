package repository

import (
	"context"

	"license-control-plane/backend/internal/audit/domain"
)

// Repository defines append-only persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*domain.AuditLog, error)
}
