package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"license-control-plane/backend/internal/api/response"
)

// AdminAuth guards the admin routes with a single static bearer token.
type AdminAuth struct {
	token string
}

// NewAdminAuth returns the admin auth middleware. An empty token disables
// admin access entirely rather than leaving it open.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: token}
}

// Require validates the Authorization header with a constant-time comparison.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			response.Error(w, http.StatusForbidden,
				"ADMIN_DISABLED", "Admin API is not configured", nil)
			return
		}
		got := extractBearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
