// Package service implements the certificate authority: root and signing key
// lifecycle, certificate issuance, revocation, and public bundle export.
package service

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"license-control-plane/backend/internal/audit"
	"license-control-plane/backend/internal/ca/domain"
	"license-control-plane/backend/internal/security"
)

// Sentinel errors for the certificate authority; handlers map them to HTTP codes.
var (
	ErrPassphraseMissing = errors.New("no CA passphrase configured")
	ErrNoActiveRoot      = errors.New("no active root key")
	ErrRootExists        = errors.New("an active root key already exists; pass replace to rotate it")
	ErrNoSigningKey      = errors.New("no active signing key")
	ErrKeyNotFound       = errors.New("key not found")
)

// KeyRepo is the minimal key repository needed by the authority.
type KeyRepo interface {
	GetByKID(ctx context.Context, kid string) (*domain.KeyMaterial, error)
	FindActiveRoot(ctx context.Context) (*domain.KeyMaterial, error)
	FindActiveSigning(ctx context.Context, scope string) (*domain.KeyMaterial, error)
	List(ctx context.Context) ([]*domain.KeyMaterial, error)
	Create(ctx context.Context, k *domain.KeyMaterial) error
	Revoke(ctx context.Context, kid string, at time.Time, reason string) error
	ReplaceActive(ctx context.Context, newKey *domain.KeyMaterial, oldKID string, at time.Time, reason string) error
}

// Authority manages the two-level trust hierarchy. Private key material is
// decrypted on demand with a caller-supplied passphrase secret and discarded
// when the operation returns.
type Authority struct {
	repo       KeyRepo
	sealer     *security.Sealer
	audit      audit.AuditLogger
	signingTTL time.Duration
	now        func() time.Time
}

// NewAuthority returns an Authority. auditLogger may be nil to disable audit
// events. signingTTL is the validity window for newly issued signing keys.
func NewAuthority(repo KeyRepo, sealer *security.Sealer, auditLogger audit.AuditLogger, signingTTL time.Duration) *Authority {
	return &Authority{
		repo:       repo,
		sealer:     sealer,
		audit:      auditLogger,
		signingTTL: signingTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the authority's clock. Intended for tests.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

// GenerateRoot creates a new root keypair sealed under secret. Only one active
// root may exist: with replace false a second root fails with ErrRootExists;
// with replace true the old root is revoked in the same transaction the new
// one is created in.
func (a *Authority) GenerateRoot(ctx context.Context, secret *security.Secret, replace bool) (*domain.KeyMaterial, error) {
	if secret == nil {
		return nil, ErrPassphraseMissing
	}
	existing, err := a.repo.FindActiveRoot(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil && !replace {
		return nil, ErrRootExists
	}

	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer wipe(priv)
	sealed, err := a.sealer.Seal(priv, secret)
	if err != nil {
		return nil, err
	}

	now := a.now()
	key := &domain.KeyMaterial{
		KID:              uuid.New().String(),
		Kind:             domain.KeyKindRoot,
		Status:           domain.KeyStatusActive,
		PublicKey:        pub,
		SealedPrivateKey: sealed,
		CreatedAt:        now,
	}
	if existing != nil {
		err = a.repo.ReplaceActive(ctx, key, existing.KID, now, "replaced by new root")
	} else {
		err = a.repo.Create(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	a.logEvent(ctx, audit.ActionKeyGenerated, key.KID, metaJSON(map[string]string{"kind": "root"}))
	return key, nil
}

// IssueSigningKey generates a keypair certified by the active root. Zero
// notBefore defaults to now; zero notAfter defaults to now plus the
// authority's signing TTL. Fails with ErrNoActiveRoot if no root exists.
func (a *Authority) IssueSigningKey(ctx context.Context, secret *security.Secret, notBefore, notAfter time.Time, scope string) (*domain.KeyMaterial, error) {
	if secret == nil {
		return nil, ErrPassphraseMissing
	}
	root, err := a.repo.FindActiveRoot(ctx)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrNoActiveRoot
	}

	key, err := a.buildSigningKey(root, secret, notBefore, notAfter, scope)
	if err != nil {
		return nil, err
	}
	if err := a.repo.Create(ctx, key); err != nil {
		return nil, err
	}
	a.logEvent(ctx, audit.ActionKeyGenerated, key.KID, metaJSON(map[string]string{"kind": "signing", "scope": scope}))
	return key, nil
}

// RotateSigningKey revokes the active signing key for scope and issues a
// replacement in one atomic repository operation, so the scope never
// advertises zero active keys. Fails with ErrNoSigningKey if the scope has no
// active key to rotate.
func (a *Authority) RotateSigningKey(ctx context.Context, secret *security.Secret, reason, scope string) (old, replacement *domain.KeyMaterial, err error) {
	if secret == nil {
		return nil, nil, ErrPassphraseMissing
	}
	old, err = a.repo.FindActiveSigning(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	if old == nil {
		return nil, nil, ErrNoSigningKey
	}
	root, err := a.repo.FindActiveRoot(ctx)
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		return nil, nil, ErrNoActiveRoot
	}

	now := a.now()
	replacement, err = a.buildSigningKey(root, secret, now, now.Add(a.signingTTL), scope)
	if err != nil {
		return nil, nil, err
	}
	if err := a.repo.ReplaceActive(ctx, replacement, old.KID, now, reason); err != nil {
		return nil, nil, err
	}
	old.Status = domain.KeyStatusRevoked
	old.RevokedAt = &now
	old.RevokeReason = reason
	a.logEvent(ctx, audit.ActionKeyRotated, replacement.KID, metaJSON(map[string]string{
		"old_kid": old.KID, "reason": reason, "scope": scope,
	}))
	return old, replacement, nil
}

// Revoke marks any key revoked. Revocation is one-way: revoking an already
// revoked key is a no-op. at defaults to now when nil.
func (a *Authority) Revoke(ctx context.Context, kid, reason string, at *time.Time) error {
	key, err := a.repo.GetByKID(ctx, kid)
	if err != nil {
		return err
	}
	if key == nil {
		return ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusRevoked {
		return nil
	}
	when := a.now()
	if at != nil {
		when = at.UTC()
	}
	if err := a.repo.Revoke(ctx, kid, when, reason); err != nil {
		return err
	}
	a.logEvent(ctx, audit.ActionKeyRevoked, kid, metaJSON(map[string]string{"reason": reason}))
	return nil
}

// ListKeys returns every key, root and signing, in any state.
func (a *Authority) ListKeys(ctx context.Context) ([]*domain.KeyMaterial, error) {
	return a.repo.List(ctx)
}

// FindActiveRoot returns the active root key, or nil if none exists.
func (a *Authority) FindActiveRoot(ctx context.Context) (*domain.KeyMaterial, error) {
	return a.repo.FindActiveRoot(ctx)
}

// FindActiveSigning returns the active signing key for scope. When no
// scope-specific key is active and allowGlobalFallback is set, the scope-less
// global key is returned instead. Returns nil when neither exists.
func (a *Authority) FindActiveSigning(ctx context.Context, scope string, allowGlobalFallback bool) (*domain.KeyMaterial, error) {
	key, err := a.repo.FindActiveSigning(ctx, scope)
	if err != nil {
		return nil, err
	}
	if key == nil && scope != "" && allowGlobalFallback {
		return a.repo.FindActiveSigning(ctx, "")
	}
	return key, nil
}

// ActiveSigner resolves the active signing key for scope and decrypts its
// private material. The caller must not retain the private key beyond the
// current operation. Fails with ErrNoSigningKey when no key is active.
func (a *Authority) ActiveSigner(ctx context.Context, secret *security.Secret, scope string, allowGlobalFallback bool) (*domain.KeyMaterial, ed25519.PrivateKey, error) {
	if secret == nil {
		return nil, nil, ErrPassphraseMissing
	}
	key, err := a.FindActiveSigning(ctx, scope, allowGlobalFallback)
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return nil, nil, ErrNoSigningKey
	}
	priv, err := a.sealer.Open(key.SealedPrivateKey, secret)
	if err != nil {
		return nil, nil, err
	}
	return key, priv, nil
}

// ExportPublicBundle produces the deployable public key document for clients.
// Revoked signing keys stay listed with their revocation timestamp so offline
// verifiers can reject tokens from compromised keys; expired keys are dropped.
// Empty scope exports every scope; a named scope exports that scope plus the
// global keys it may fall back to. Never includes private key material.
func (a *Authority) ExportPublicBundle(ctx context.Context, scope string) (*domain.Bundle, error) {
	root, err := a.repo.FindActiveRoot(ctx)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrNoActiveRoot
	}
	keys, err := a.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now()
	bundle := &domain.Bundle{
		Version:     domain.BundleVersion,
		GeneratedAt: now,
		Root: domain.BundleRoot{
			KID:       root.KID,
			PublicKey: root.PublicKey,
			Algorithm: "Ed25519",
		},
	}
	for _, k := range keys {
		if k.Kind != domain.KeyKindSigning {
			continue
		}
		if scope != "" && k.Scope != scope && k.Scope != "" {
			continue
		}
		// Expiry drops a key from the bundle, but never a revoked one: the
		// revocation set must outlive the key's window or tokens minted
		// before the compromise was noticed would clear verification again.
		if k.Expired(now) && k.Status != domain.KeyStatusRevoked {
			continue
		}
		bundle.SigningKeys = append(bundle.SigningKeys, domain.BundleSigningKey{
			KID:         k.KID,
			PublicKey:   k.PublicKey,
			Certificate: k.Certificate,
			ValidFrom:   k.NotBefore,
			ValidUntil:  k.NotAfter,
			RevokedAt:   k.RevokedAt,
		})
	}
	return bundle, nil
}

// buildSigningKey generates a keypair, certifies it with the root's private
// key, and returns the assembled KeyMaterial. Nothing is persisted here, so a
// signing failure leaves no partial record behind.
func (a *Authority) buildSigningKey(root *domain.KeyMaterial, secret *security.Secret, notBefore, notAfter time.Time, scope string) (*domain.KeyMaterial, error) {
	now := a.now()
	if notBefore.IsZero() {
		notBefore = now
	}
	if notAfter.IsZero() {
		notAfter = now.Add(a.signingTTL)
	}
	notBefore, notAfter = notBefore.UTC(), notAfter.UTC()

	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer wipe(priv)
	sealed, err := a.sealer.Seal(priv, secret)
	if err != nil {
		return nil, err
	}
	rootPriv, err := a.sealer.Open(root.SealedPrivateKey, secret)
	if err != nil {
		return nil, err
	}
	defer wipe(rootPriv)

	kid := uuid.New().String()
	cert := &domain.Certificate{
		KID:       kid,
		PublicKey: pub,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Scope:     scope,
	}
	if err := domain.SignCertificate(cert, root.KID, rootPriv); err != nil {
		return nil, err
	}
	return &domain.KeyMaterial{
		KID:              kid,
		Kind:             domain.KeyKindSigning,
		Status:           domain.KeyStatusActive,
		PublicKey:        pub,
		SealedPrivateKey: sealed,
		Scope:            scope,
		NotBefore:        &notBefore,
		NotAfter:         &notAfter,
		Certificate:      cert,
		CreatedAt:        now,
	}, nil
}

func (a *Authority) logEvent(ctx context.Context, action, kid, metadata string) {
	if a.audit == nil {
		return
	}
	a.audit.LogEvent(ctx, action, "key", kid, metadata)
}

func metaJSON(m map[string]string) string {
	b, _ := json.Marshal(m)
	return string(b)
}

func wipe(priv ed25519.PrivateKey) {
	for i := range priv {
		priv[i] = 0
	}
}
