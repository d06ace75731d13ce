package handler

import (
	"context"
	"net/http"

	"license-control-plane/backend/internal/api/response"
)

// Pinger reports storage liveness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health.
func NewHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database is unreachable", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}
