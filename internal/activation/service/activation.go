// Package service orchestrates license activation: key lookup, seat
// registration, and token issuance in one flow.
package service

import (
	"context"
	"errors"
	"time"

	cadomain "license-control-plane/backend/internal/ca/domain"
	licdomain "license-control-plane/backend/internal/license/domain"
	"license-control-plane/backend/internal/security"
	"license-control-plane/backend/internal/token"
	usagedomain "license-control-plane/backend/internal/usage/domain"
	usageservice "license-control-plane/backend/internal/usage/service"
)

var (
	// ErrInvalidLicenseKey is returned when no license matches the key hash.
	// Deliberately indistinguishable from a revoked or mistyped key.
	ErrInvalidLicenseKey = errors.New("invalid license key")
	// ErrLicenseNotUsable is returned when the license status or expiry does
	// not permit activation.
	ErrLicenseNotUsable = errors.New("license is not in a usable state")
)

// LicenseRepo is the license lookup needed for activation.
type LicenseRepo interface {
	GetByKeyHash(ctx context.Context, keyHash string) (*licdomain.License, error)
}

// Registrar allocates and maintains seats.
type Registrar interface {
	Register(ctx context.Context, licenseID, fingerprint string, meta usageservice.Metadata) (*usagedomain.Usage, error)
	Heartbeat(ctx context.Context, licenseID, usageID string) (*usagedomain.Usage, error)
	Revoke(ctx context.Context, licenseID, usageID, reason string) error
}

// TokenIssuer signs offline tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, secret *security.Secret, lic *licdomain.License, u *usagedomain.Usage, opts token.IssueOptions) (string, *token.Claims, error)
}

// BundleExporter produces the public key bundle used for verification.
type BundleExporter interface {
	ExportPublicBundle(ctx context.Context, scope string) (*cadomain.Bundle, error)
}

// TokenVerifier checks a token offline against a bundle.
type TokenVerifier interface {
	Verify(tokenString string, bundle *cadomain.Bundle) (*token.Claims, error)
}

// Result is a successful activation: the allocated seat and its signed token.
type Result struct {
	Token  string
	Claims *token.Claims
	Usage  *usagedomain.Usage
}

// Service ties license lookup, seat registration and token issuance together.
// The CA passphrase secret is held for the process lifetime; issuance decrypts
// the signing key per call.
type Service struct {
	licenses  LicenseRepo
	registrar Registrar
	issuer    TokenIssuer
	verifier  TokenVerifier
	bundles   BundleExporter
	secret    *security.Secret
	now       func() time.Time
}

func New(licenses LicenseRepo, registrar Registrar, issuer TokenIssuer, verifier TokenVerifier, bundles BundleExporter, secret *security.Secret) *Service {
	return &Service{
		licenses:  licenses,
		registrar: registrar,
		issuer:    issuer,
		verifier:  verifier,
		bundles:   bundles,
		secret:    secret,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Activate resolves the license by key, allocates a seat for the fingerprint,
// and issues an offline token bound to both. Registration errors from the
// registrar (limit reached, fingerprint conflict) pass through unchanged.
func (s *Service) Activate(ctx context.Context, licenseKey, fingerprint string, meta usageservice.Metadata) (*Result, error) {
	lic, err := s.lookupUsable(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	u, err := s.registrar.Register(ctx, lic.ID, fingerprint, meta)
	if err != nil {
		return nil, err
	}
	signed, claims, err := s.issuer.Issue(ctx, s.secret, lic, u, token.IssueOptions{})
	if err != nil {
		return nil, err
	}
	return &Result{Token: signed, Claims: claims, Usage: u}, nil
}

// Heartbeat touches the seat and re-issues a fresh token so long-running
// installs can extend their offline window while connectivity lasts. The seat
// must belong to the license the key resolves to.
func (s *Service) Heartbeat(ctx context.Context, licenseKey, usageID string) (*Result, error) {
	lic, err := s.lookupUsable(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	u, err := s.registrar.Heartbeat(ctx, lic.ID, usageID)
	if err != nil {
		return nil, err
	}
	signed, claims, err := s.issuer.Issue(ctx, s.secret, lic, u, token.IssueOptions{})
	if err != nil {
		return nil, err
	}
	return &Result{Token: signed, Claims: claims, Usage: u}, nil
}

// Deactivate releases the seat. The caller proves ownership with the license
// key; a seat under a different license reads as not found. Unlike Activate,
// the license's status does not gate here: a seat on an expired or suspended
// license can still be released.
func (s *Service) Deactivate(ctx context.Context, licenseKey, usageID, reason string) error {
	lic, err := s.licenses.GetByKeyHash(ctx, security.HashLicenseKey(licenseKey))
	if err != nil {
		return err
	}
	if lic == nil {
		return ErrInvalidLicenseKey
	}
	return s.registrar.Revoke(ctx, lic.ID, usageID, reason)
}

// VerifyToken checks a token against the server's own current bundle. The
// same checks a disconnected client runs locally, offered as a debug aid.
func (s *Service) VerifyToken(ctx context.Context, tokenString, scope string) (*token.Claims, error) {
	bundle, err := s.bundles.ExportPublicBundle(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.verifier.Verify(tokenString, bundle)
}

// Bundle exposes the public bundle for client download.
func (s *Service) Bundle(ctx context.Context, scope string) (*cadomain.Bundle, error) {
	return s.bundles.ExportPublicBundle(ctx, scope)
}

func (s *Service) lookupUsable(ctx context.Context, licenseKey string) (*licdomain.License, error) {
	lic, err := s.licenses.GetByKeyHash(ctx, security.HashLicenseKey(licenseKey))
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrInvalidLicenseKey
	}
	if !lic.Status.Usable() {
		return nil, ErrLicenseNotUsable
	}
	if lic.ExpiresAt != nil && s.now().After(*lic.ExpiresAt) {
		return nil, ErrLicenseNotUsable
	}
	return lic, nil
}
