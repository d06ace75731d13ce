// Package api wires handlers and middleware into the HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "license-control-plane/backend/internal/api/middleware"
	"license-control-plane/backend/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	AdminAuth *mw.AdminAuth

	HealthHandler http.HandlerFunc

	ActivateHandler   http.HandlerFunc
	HeartbeatHandler  http.HandlerFunc
	DeactivateHandler http.HandlerFunc
	VerifyHandler     http.HandlerFunc
	BundleHandler     http.HandlerFunc

	GenerateRootHandler     http.HandlerFunc
	IssueSigningKeyHandler  http.HandlerFunc
	RotateKeyHandler        http.HandlerFunc
	RevokeKeyHandler        http.HandlerFunc
	ListKeysHandler         http.HandlerFunc
	CreateLicenseHandler    http.HandlerFunc
	GetLicenseHandler       http.HandlerFunc
	LicenseUsagesHandler    http.HandlerFunc
	SetLicenseStatusHandler http.HandlerFunc
	AuditLogHandler         http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Telemetry)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Client-facing routes: authenticated by license key or token content.
	r.Post("/api/v1/activate", orNotImplemented(deps.ActivateHandler))
	r.Post("/api/v1/heartbeat", orNotImplemented(deps.HeartbeatHandler))
	r.Post("/api/v1/deactivate", orNotImplemented(deps.DeactivateHandler))
	r.Post("/api/v1/verify", orNotImplemented(deps.VerifyHandler))
	r.Get("/api/v1/bundle", orNotImplemented(deps.BundleHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.AdminAuth.Require)

		r.Post("/api/v1/admin/keys/root", orNotImplemented(deps.GenerateRootHandler))
		r.Post("/api/v1/admin/keys/signing", orNotImplemented(deps.IssueSigningKeyHandler))
		r.Post("/api/v1/admin/keys/rotate", orNotImplemented(deps.RotateKeyHandler))
		r.Post("/api/v1/admin/keys/{kid}/revoke", orNotImplemented(deps.RevokeKeyHandler))
		r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))

		r.Post("/api/v1/admin/licenses", orNotImplemented(deps.CreateLicenseHandler))
		r.Get("/api/v1/admin/licenses/{id}", orNotImplemented(deps.GetLicenseHandler))
		r.Get("/api/v1/admin/licenses/{id}/usages", orNotImplemented(deps.LicenseUsagesHandler))
		r.Post("/api/v1/admin/licenses/{id}/status", orNotImplemented(deps.SetLicenseStatusHandler))

		r.Get("/api/v1/admin/audit", orNotImplemented(deps.AuditLogHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
