// Package audit emits append-only audit events for key, license, and usage
// state changes. Writes are best-effort and never fail the calling operation.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"license-control-plane/backend/internal/audit/domain"
	auditrepo "license-control-plane/backend/internal/audit/repository"
)

// Actions emitted by the core. Token issuance is optional and high-volume;
// callers decide whether to emit it.
const (
	ActionKeyGenerated      = "key.generated"
	ActionKeyRotated        = "key.rotated"
	ActionKeyRevoked        = "key.revoked"
	ActionLicenseCreated    = "license.created"
	ActionUsageRegistered   = "usage.registered"
	ActionUsageRevoked      = "usage.revoked"
	ActionUsageLimitReached = "usage.limit_reached"
	ActionTokenIssued       = "token.issued"
)

// AuditLogger writes a single audit event for an entity state change.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, action, entityType, entityID, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, action, entityType, entityID, metadata string) {
	if l.repo == nil {
		return
	}
	entry := &domain.AuditLog{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, entityType, err)
	}
}
