package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"license-control-plane/backend/internal/api/response"
	licdomain "license-control-plane/backend/internal/license/domain"
	licservice "license-control-plane/backend/internal/license/service"
	usagedomain "license-control-plane/backend/internal/usage/domain"
)

// LicenseAdmin is the license management surface the admin handlers depend on.
type LicenseAdmin interface {
	Create(ctx context.Context, in licservice.CreateInput) (*licdomain.License, string, error)
	Get(ctx context.Context, id string) (*licdomain.License, error)
	Usages(ctx context.Context, id string) ([]*usagedomain.Usage, error)
	SetStatus(ctx context.Context, id string, status licdomain.Status) error
}

type licenseView struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	OwnerType string     `json:"owner_type,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	Scope     string     `json:"scope,omitempty"`
	MaxUsages int        `json:"max_usages"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Policy    policyView `json:"policy"`
	CreatedAt time.Time  `json:"created_at"`
}

type policyView struct {
	OverLimit           string `json:"over_limit"`
	GraceDays           int    `json:"grace_days"`
	Uniqueness          string `json:"uniqueness"`
	TokenTTLDays        int    `json:"token_ttl_days"`
	ForceOnlineDays     int    `json:"force_online_days"`
	AllowGlobalFallback bool   `json:"allow_global_fallback"`
}

func toLicenseView(l *licdomain.License) licenseView {
	return licenseView{
		ID:        l.ID,
		Status:    string(l.Status),
		OwnerType: l.Owner.Type,
		OwnerID:   l.Owner.ID,
		Scope:     l.Scope,
		MaxUsages: l.MaxUsages,
		ExpiresAt: l.ExpiresAt,
		Policy: policyView{
			OverLimit:           string(l.Policy.OverLimit),
			GraceDays:           l.Policy.GraceDays,
			Uniqueness:          string(l.Policy.Uniqueness),
			TokenTTLDays:        l.Policy.TokenTTLDays,
			ForceOnlineDays:     l.Policy.ForceOnlineDays,
			AllowGlobalFallback: l.Policy.AllowGlobalFallback,
		},
		CreatedAt: l.CreatedAt,
	}
}

// NewCreateLicenseHandler returns the handler for POST /api/v1/admin/licenses.
// The response carries the raw license key exactly once.
func NewCreateLicenseHandler(svc LicenseAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerType           string `json:"owner_type"`
			OwnerID             string `json:"owner_id"`
			Scope               string `json:"scope"`
			MaxUsages           int    `json:"max_usages"`
			ExpiresAt           string `json:"expires_at"`
			OverLimit           string `json:"over_limit"`
			GraceDays           int    `json:"grace_days"`
			Uniqueness          string `json:"uniqueness"`
			TokenTTLDays        int    `json:"token_ttl_days"`
			ForceOnlineDays     int    `json:"force_online_days"`
			AllowGlobalFallback *bool  `json:"allow_global_fallback"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		in := licservice.CreateInput{
			Owner:     licdomain.OwnerRef{Type: req.OwnerType, ID: req.OwnerID},
			Scope:     req.Scope,
			MaxUsages: req.MaxUsages,
			Policy: licdomain.Policy{
				OverLimit:           licdomain.OverLimitPolicy(req.OverLimit),
				GraceDays:           req.GraceDays,
				Uniqueness:          licdomain.UniquenessScope(req.Uniqueness),
				TokenTTLDays:        req.TokenTTLDays,
				ForceOnlineDays:     req.ForceOnlineDays,
				AllowGlobalFallback: true,
			},
		}
		if req.AllowGlobalFallback != nil {
			in.Policy.AllowGlobalFallback = *req.AllowGlobalFallback
		}
		if req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be a valid RFC3339 timestamp", nil)
				return
			}
			in.ExpiresAt = &t
		}

		lic, rawKey, err := svc.Create(r.Context(), in)
		if err != nil {
			writeLicenseError(w, err)
			return
		}
		response.Created(w, map[string]any{
			"license":     toLicenseView(lic),
			"license_key": rawKey,
		})
	}
}

// NewGetLicenseHandler returns the handler for GET /api/v1/admin/licenses/{id}.
func NewGetLicenseHandler(svc LicenseAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lic, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLicenseError(w, err)
			return
		}
		response.JSON(w, toLicenseView(lic))
	}
}

// NewLicenseUsagesHandler returns the handler for GET /api/v1/admin/licenses/{id}/usages.
func NewLicenseUsagesHandler(svc LicenseAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usages, err := svc.Usages(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLicenseError(w, err)
			return
		}
		views := make([]usageView, 0, len(usages))
		for _, u := range usages {
			views = append(views, toUsageView(u))
		}
		response.JSON(w, views)
	}
}

// NewSetLicenseStatusHandler returns the handler for POST /api/v1/admin/licenses/{id}/status.
func NewSetLicenseStatusHandler(svc LicenseAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := svc.SetStatus(r.Context(), chi.URLParam(r, "id"), licdomain.Status(req.Status)); err != nil {
			writeLicenseError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": req.Status})
	}
}

func writeLicenseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, licservice.ErrLicenseNotFound):
		response.Error(w, http.StatusNotFound, "LICENSE_NOT_FOUND", "Unknown license", nil)
	case errors.Is(err, licservice.ErrInvalidCapacity):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "max_usages must be at least 1", nil)
	case errors.Is(err, licservice.ErrInvalidStatus):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown license status", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
