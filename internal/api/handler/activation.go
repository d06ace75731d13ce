// Package handler contains the HTTP handlers, one constructor per route.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	activation "license-control-plane/backend/internal/activation/service"
	"license-control-plane/backend/internal/api/response"
	cadomain "license-control-plane/backend/internal/ca/domain"
	"license-control-plane/backend/internal/token"
	usagedomain "license-control-plane/backend/internal/usage/domain"
	usageservice "license-control-plane/backend/internal/usage/service"
)

// Activator defines the activation flow the handlers depend on.
type Activator interface {
	Activate(ctx context.Context, licenseKey, fingerprint string, meta usageservice.Metadata) (*activation.Result, error)
	Heartbeat(ctx context.Context, licenseKey, usageID string) (*activation.Result, error)
	Deactivate(ctx context.Context, licenseKey, usageID, reason string) error
	VerifyToken(ctx context.Context, tokenString, scope string) (*token.Claims, error)
	Bundle(ctx context.Context, scope string) (*cadomain.Bundle, error)
}

// usageView is the wire shape of a seat.
type usageView struct {
	ID           string     `json:"id"`
	LicenseID    string     `json:"license_id"`
	Fingerprint  string     `json:"fingerprint"`
	Status       string     `json:"status"`
	Hostname     string     `json:"hostname,omitempty"`
	Platform     string     `json:"platform,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func toUsageView(u *usagedomain.Usage) usageView {
	return usageView{
		ID:           u.ID,
		LicenseID:    u.LicenseID,
		Fingerprint:  u.Fingerprint,
		Status:       string(u.Status),
		Hostname:     u.Hostname,
		Platform:     u.Platform,
		RegisteredAt: u.RegisteredAt,
		LastSeenAt:   u.LastSeenAt,
		RevokedAt:    u.RevokedAt,
	}
}

type activationResponse struct {
	Token string    `json:"token"`
	Usage usageView `json:"usage"`
}

// NewActivateHandler returns the handler for POST /api/v1/activate.
func NewActivateHandler(svc Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseKey  string `json:"license_key"`
			Fingerprint string `json:"fingerprint"`
			Hostname    string `json:"hostname"`
			Platform    string `json:"platform"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.LicenseKey == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license_key is required", nil)
			return
		}
		if req.Fingerprint == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "fingerprint is required", nil)
			return
		}

		res, err := svc.Activate(r.Context(), req.LicenseKey, req.Fingerprint, usageservice.Metadata{
			Hostname: req.Hostname,
			Platform: req.Platform,
		})
		if err != nil {
			writeActivationError(w, err)
			return
		}
		response.Created(w, activationResponse{Token: res.Token, Usage: toUsageView(res.Usage)})
	}
}

// NewHeartbeatHandler returns the handler for POST /api/v1/heartbeat.
func NewHeartbeatHandler(svc Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseKey string `json:"license_key"`
			UsageID    string `json:"usage_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.LicenseKey == "" || req.UsageID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license_key and usage_id are required", nil)
			return
		}

		res, err := svc.Heartbeat(r.Context(), req.LicenseKey, req.UsageID)
		if err != nil {
			writeActivationError(w, err)
			return
		}
		response.JSON(w, activationResponse{Token: res.Token, Usage: toUsageView(res.Usage)})
	}
}

// NewDeactivateHandler returns the handler for POST /api/v1/deactivate.
func NewDeactivateHandler(svc Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseKey string `json:"license_key"`
			UsageID    string `json:"usage_id"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.LicenseKey == "" || req.UsageID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license_key and usage_id are required", nil)
			return
		}
		if req.Reason == "" {
			req.Reason = "deactivated by client"
		}

		if err := svc.Deactivate(r.Context(), req.LicenseKey, req.UsageID, req.Reason); err != nil {
			writeActivationError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "deactivated"})
	}
}

// NewVerifyHandler returns the handler for POST /api/v1/verify. Verification
// failures are data, not HTTP errors: the endpoint reports what an offline
// client would conclude.
func NewVerifyHandler(svc Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
			Scope string `json:"scope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Token == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required", nil)
			return
		}

		claims, err := svc.VerifyToken(r.Context(), req.Token, req.Scope)
		if err != nil {
			code, ok := verifyFailureCode(err)
			if !ok {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Verification failed", nil)
				return
			}
			response.JSON(w, map[string]any{"valid": false, "reason": code})
			return
		}
		response.JSON(w, map[string]any{"valid": true, "claims": claims})
	}
}

// NewBundleHandler returns the handler for GET /api/v1/bundle.
func NewBundleHandler(svc Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bundle, err := svc.Bundle(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			writeActivationError(w, err)
			return
		}
		response.JSON(w, bundle)
	}
}

// verifyFailureCode maps a verification error to its wire code. The second
// return is false for errors that are not verification verdicts.
func verifyFailureCode(err error) (string, bool) {
	switch {
	case errors.Is(err, token.ErrMalformedToken):
		return "MALFORMED_TOKEN", true
	case errors.Is(err, token.ErrInvalidChain):
		return "INVALID_CHAIN", true
	case errors.Is(err, token.ErrKeyRevoked):
		return "KEY_REVOKED", true
	case errors.Is(err, token.ErrInvalidSignature):
		return "INVALID_SIGNATURE", true
	case errors.Is(err, token.ErrTokenExpired):
		return "TOKEN_EXPIRED", true
	case errors.Is(err, token.ErrTokenNotYetValid):
		return "TOKEN_NOT_YET_VALID", true
	case errors.Is(err, token.ErrOnlineRequired):
		return "ONLINE_REQUIRED", true
	case errors.Is(err, token.ErrLicenseNotUsable):
		return "LICENSE_NOT_USABLE", true
	}
	return "", false
}

func writeActivationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activation.ErrInvalidLicenseKey):
		response.Error(w, http.StatusNotFound, "INVALID_LICENSE_KEY", "Unknown license key", nil)
	case errors.Is(err, activation.ErrLicenseNotUsable):
		response.Error(w, http.StatusForbidden, "LICENSE_NOT_USABLE", "License is not in a usable state", nil)
	case errors.Is(err, usageservice.ErrUsageLimitReached):
		response.Error(w, http.StatusConflict, "USAGE_LIMIT_REACHED", "Seat capacity exhausted", nil)
	case errors.Is(err, usageservice.ErrFingerprintConflict):
		response.Error(w, http.StatusConflict, "FINGERPRINT_CONFLICT", "Fingerprint is active under another license", nil)
	case errors.Is(err, usageservice.ErrUsageNotFound):
		response.Error(w, http.StatusNotFound, "USAGE_NOT_FOUND", "Unknown usage", nil)
	case errors.Is(err, usageservice.ErrCannotHeartbeatRevoked):
		response.Error(w, http.StatusConflict, "USAGE_REVOKED", "Usage has been revoked", nil)
	case errors.Is(err, usageservice.ErrLicenseNotFound):
		response.Error(w, http.StatusNotFound, "LICENSE_NOT_FOUND", "Unknown license", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
