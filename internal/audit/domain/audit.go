package domain

import "time"

// AuditLog represents an append-only audit event for the trust and usage subsystems.
type AuditLog struct {
	ID         string
	Action     string
	EntityType string
	EntityID   string
	Metadata   string
	CreatedAt  time.Time
}
