package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"license-control-plane/backend/internal/api/response"
	cadomain "license-control-plane/backend/internal/ca/domain"
	caservice "license-control-plane/backend/internal/ca/service"
	"license-control-plane/backend/internal/security"
)

// KeyAdmin is the key lifecycle surface the admin handlers depend on.
type KeyAdmin interface {
	GenerateRoot(ctx context.Context, secret *security.Secret, replace bool) (*cadomain.KeyMaterial, error)
	IssueSigningKey(ctx context.Context, secret *security.Secret, notBefore, notAfter time.Time, scope string) (*cadomain.KeyMaterial, error)
	RotateSigningKey(ctx context.Context, secret *security.Secret, reason, scope string) (old, replacement *cadomain.KeyMaterial, err error)
	Revoke(ctx context.Context, kid, reason string, at *time.Time) error
	ListKeys(ctx context.Context) ([]*cadomain.KeyMaterial, error)
}

// keyView is the wire shape of a key. Sealed private material never leaves
// the server.
type keyView struct {
	KID          string     `json:"kid"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	PublicKey    string     `json:"public_key"`
	Scope        string     `json:"scope,omitempty"`
	NotBefore    *time.Time `json:"not_before,omitempty"`
	NotAfter     *time.Time `json:"not_after,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toKeyView(k *cadomain.KeyMaterial) keyView {
	return keyView{
		KID:          k.KID,
		Kind:         string(k.Kind),
		Status:       string(k.Status),
		PublicKey:    base64.StdEncoding.EncodeToString(k.PublicKey),
		Scope:        k.Scope,
		NotBefore:    k.NotBefore,
		NotAfter:     k.NotAfter,
		RevokedAt:    k.RevokedAt,
		RevokeReason: k.RevokeReason,
		CreatedAt:    k.CreatedAt,
	}
}

// NewGenerateRootHandler returns the handler for POST /api/v1/admin/keys/root.
func NewGenerateRootHandler(svc KeyAdmin, secret *security.Secret) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Replace bool `json:"replace"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		key, err := svc.GenerateRoot(r.Context(), secret, req.Replace)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		response.Created(w, toKeyView(key))
	}
}

// NewIssueSigningKeyHandler returns the handler for POST /api/v1/admin/keys/signing.
func NewIssueSigningKeyHandler(svc KeyAdmin, secret *security.Secret) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Scope     string `json:"scope"`
			NotBefore string `json:"not_before"`
			NotAfter  string `json:"not_after"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		var notBefore, notAfter time.Time
		var err error
		if req.NotBefore != "" {
			if notBefore, err = time.Parse(time.RFC3339, req.NotBefore); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "not_before must be a valid RFC3339 timestamp", nil)
				return
			}
		}
		if req.NotAfter != "" {
			if notAfter, err = time.Parse(time.RFC3339, req.NotAfter); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "not_after must be a valid RFC3339 timestamp", nil)
				return
			}
		}

		key, err := svc.IssueSigningKey(r.Context(), secret, notBefore, notAfter, req.Scope)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		response.Created(w, toKeyView(key))
	}
}

// NewRotateKeyHandler returns the handler for POST /api/v1/admin/keys/rotate.
func NewRotateKeyHandler(svc KeyAdmin, secret *security.Secret) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Scope  string `json:"scope"`
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "routine rotation"
		}

		old, replacement, err := svc.RotateSigningKey(r.Context(), secret, req.Reason, req.Scope)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		response.JSON(w, map[string]keyView{
			"revoked":     toKeyView(old),
			"replacement": toKeyView(replacement),
		})
	}
}

// NewRevokeKeyHandler returns the handler for POST /api/v1/admin/keys/{kid}/revoke.
func NewRevokeKeyHandler(svc KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kid := chi.URLParam(r, "kid")
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "revoked by operator"
		}

		if err := svc.Revoke(r.Context(), kid, req.Reason, nil); err != nil {
			writeKeyError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "revoked"})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(svc KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := svc.ListKeys(r.Context())
		if err != nil {
			writeKeyError(w, err)
			return
		}
		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			views = append(views, toKeyView(k))
		}
		response.JSON(w, views)
	}
}

func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, caservice.ErrRootExists):
		response.Error(w, http.StatusConflict, "ROOT_EXISTS", "An active root key already exists", nil)
	case errors.Is(err, caservice.ErrNoActiveRoot):
		response.Error(w, http.StatusConflict, "NO_ACTIVE_ROOT", "No active root key", nil)
	case errors.Is(err, caservice.ErrNoSigningKey):
		response.Error(w, http.StatusConflict, "NO_SIGNING_KEY", "No active signing key for scope", nil)
	case errors.Is(err, caservice.ErrKeyNotFound):
		response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "Unknown key id", nil)
	case errors.Is(err, caservice.ErrPassphraseMissing):
		response.Error(w, http.StatusInternalServerError, "CA_NOT_CONFIGURED", "CA passphrase is not configured", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
