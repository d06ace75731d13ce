package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"license-control-plane/backend/internal/api/response"
	auditdomain "license-control-plane/backend/internal/audit/domain"
)

// AuditLister reads recent audit entries for one entity.
type AuditLister interface {
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*auditdomain.AuditLog, error)
}

type auditView struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// NewAuditLogHandler returns the handler for GET /api/v1/admin/audit.
func NewAuditLogHandler(svc AuditLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := r.URL.Query().Get("entity_type")
		entityID := r.URL.Query().Get("entity_id")
		if entityType == "" || entityID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "entity_type and entity_id are required", nil)
			return
		}
		limit := defaultAuditLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxAuditLimit {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 500", nil)
				return
			}
			limit = n
		}

		entries, err := svc.ListByEntity(r.Context(), entityType, entityID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list audit entries", nil)
			return
		}
		views := make([]auditView, 0, len(entries))
		for _, e := range entries {
			views = append(views, auditView{
				ID:         e.ID,
				Action:     e.Action,
				EntityType: e.EntityType,
				EntityID:   e.EntityID,
				Metadata:   e.Metadata,
				CreatedAt:  e.CreatedAt,
			})
		}
		response.JSON(w, views)
	}
}
