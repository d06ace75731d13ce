// Package token issues and verifies signed offline license tokens. A token is
// a JWS (EdDSA) whose header embeds the signing key's certificate, so a client
// holding only the public bundle can re-validate the full chain with no
// network access.
package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"license-control-plane/backend/internal/audit"
	cadomain "license-control-plane/backend/internal/ca/domain"
	licdomain "license-control-plane/backend/internal/license/domain"
	"license-control-plane/backend/internal/security"
	usagedomain "license-control-plane/backend/internal/usage/domain"
)

var (
	// ErrMalformedToken is returned when the token cannot be parsed at all.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidChain is returned when the embedded certificate does not
	// verify against the bundle's root key.
	ErrInvalidChain = errors.New("invalid certificate chain")
	// ErrKeyRevoked is returned when the signing key is in the bundle's
	// revocation set, even if the signature itself still validates.
	ErrKeyRevoked = errors.New("signing key revoked")
	// ErrInvalidSignature is returned when the claims do not match the
	// signature.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenExpired is returned when now is past expiry plus skew.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid is returned when now is before not-before minus skew.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrOnlineRequired is returned when the token is cryptographically valid
	// but its force-online window has elapsed. A policy gate, not a failure:
	// callers may re-issue over the network instead of hard-failing.
	ErrOnlineRequired = errors.New("online re-verification required")
	// ErrLicenseNotUsable is returned when the embedded license status
	// snapshot is not usable.
	ErrLicenseNotUsable = errors.New("license not in a usable state")
)

// Version is the current token format version, carried in the JWS header.
const Version = 1

// Header field names.
const (
	headerKID     = "kid"
	headerCert    = "cert"
	headerVersion = "ver"
)

// Claims is the signed claim set. It snapshots the license and usage at
// issuance time; verification acts on the snapshot, not live state.
type Claims struct {
	jwt.RegisteredClaims
	LicenseID        string           `json:"license_id"`
	LicenseKeyHash   string           `json:"license_key_hash"`
	Fingerprint      string           `json:"usage_fingerprint"`
	LicenseStatus    licdomain.Status `json:"license_status"`
	MaxUsages        int              `json:"max_usages"`
	Scope            string           `json:"scope,omitempty"`
	Features         []string         `json:"features,omitempty"`
	ForceOnlineAfter *jwt.NumericDate `json:"force_online_after,omitempty"`
}

// SignerResolver resolves the active signing key for a scope and returns its
// decrypted private key. The returned private key must not be retained.
type SignerResolver interface {
	ActiveSigner(ctx context.Context, secret *security.Secret, scope string, allowGlobalFallback bool) (*cadomain.KeyMaterial, ed25519.PrivateKey, error)
}

// IssueOptions override per-license policy for a single issuance. Zero values
// defer to the license policy, then the engine defaults.
type IssueOptions struct {
	TTL         time.Duration
	ForceOnline time.Duration
	Features    []string
}

// Engine binds license+usage snapshots into signed tokens and verifies them
// offline against a public bundle.
type Engine struct {
	signer      SignerResolver
	issuer      string
	ttl         time.Duration
	forceOnline time.Duration
	skew        time.Duration
	audit       audit.AuditLogger
	now         func() time.Time
}

// NewEngine returns an Engine with the given defaults. ttl and forceOnline
// apply when neither issue options nor license policy set them; skew is the
// clock tolerance applied to expiry and not-before on verification.
func NewEngine(signer SignerResolver, issuer string, ttl, forceOnline, skew time.Duration, auditLogger audit.AuditLogger) *Engine {
	return &Engine{
		signer:      signer,
		issuer:      issuer,
		ttl:         ttl,
		forceOnline: forceOnline,
		skew:        skew,
		audit:       auditLogger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Issue signs a token binding the license and usage. The signing key is
// resolved for the license's scope, falling back to the global key when the
// license allows it.
func (e *Engine) Issue(ctx context.Context, secret *security.Secret, lic *licdomain.License, u *usagedomain.Usage, opts IssueOptions) (string, *Claims, error) {
	km, priv, err := e.signer.ActiveSigner(ctx, secret, lic.Scope, lic.Policy.AllowGlobalFallback)
	if err != nil {
		return "", nil, err
	}
	defer wipeKey(priv)

	ttl := e.ttl
	if lic.Policy.TokenTTLDays > 0 {
		ttl = time.Duration(lic.Policy.TokenTTLDays) * 24 * time.Hour
	}
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	forceOnline := e.forceOnline
	if lic.Policy.ForceOnlineDays > 0 {
		forceOnline = time.Duration(lic.Policy.ForceOnlineDays) * 24 * time.Hour
	}
	if opts.ForceOnline > 0 {
		forceOnline = opts.ForceOnline
	}

	now := e.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   lic.ID,
			Issuer:    e.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		LicenseID:        lic.ID,
		LicenseKeyHash:   lic.KeyHash,
		Fingerprint:      u.Fingerprint,
		LicenseStatus:    lic.Status,
		MaxUsages:        lic.MaxUsages,
		Scope:            lic.Scope,
		Features:         opts.Features,
		ForceOnlineAfter: jwt.NewNumericDate(now.Add(forceOnline)),
	}

	certJSON, err := json.Marshal(km.Certificate)
	if err != nil {
		return "", nil, fmt.Errorf("encode certificate: %w", err)
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header[headerKID] = km.KID
	t.Header[headerCert] = base64.StdEncoding.EncodeToString(certJSON)
	t.Header[headerVersion] = Version

	signed, err := t.SignedString(priv)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	if e.audit != nil {
		meta, _ := json.Marshal(map[string]string{
			"kid": km.KID, "usage_id": u.ID, "jti": claims.ID,
		})
		e.audit.LogEvent(ctx, audit.ActionTokenIssued, "license", lic.ID, string(meta))
	}
	return signed, claims, nil
}

// Verify checks a token fully offline against the public bundle: chain
// validity, revocation, signature, time windows with skew, then the
// force-online and license-status policy gates. On success it returns the
// embedded claim set for the caller to match against the current device.
func (e *Engine) Verify(tokenString string, bundle *cadomain.Bundle) (*Claims, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header[headerKID].(string)
		if kid == "" {
			return nil, ErrMalformedToken
		}
		if ver, ok := t.Header[headerVersion].(float64); !ok || int(ver) != Version {
			return nil, ErrMalformedToken
		}
		cert, err := decodeCertHeader(t.Header[headerCert])
		if err != nil {
			return nil, err
		}
		if cert.KID != kid {
			return nil, ErrInvalidChain
		}
		rootPub := bundle.RootPublicKey()
		if rootPub == nil || !cadomain.VerifyCertificate(cert, rootPub) {
			return nil, ErrInvalidChain
		}
		// The certificate's own window is part of chain validity. Without
		// this check a key that aged out of the bundle would verify again
		// on its embedded certificate alone, revoked or not.
		now := e.now()
		if now.Before(cert.NotBefore.Add(-e.skew)) || now.After(cert.NotAfter.Add(e.skew)) {
			return nil, ErrInvalidChain
		}
		// Revocation is checked after the chain but before the signature:
		// a compromised key's tokens stay cryptographically valid until
		// natural expiry, and this is the only gate that stops them.
		if bundle.IsRevoked(kid) {
			return nil, ErrKeyRevoked
		}
		return ed25519.PublicKey(cert.PublicKey), nil
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(e.skew),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrMalformedToken
	}

	now := e.now()
	if claims.ForceOnlineAfter != nil && now.After(claims.ForceOnlineAfter.Time) {
		return nil, ErrOnlineRequired
	}
	if !claims.LicenseStatus.Usable() {
		return nil, ErrLicenseNotUsable
	}
	return claims, nil
}

func decodeCertHeader(v any) (*cadomain.Certificate, error) {
	enc, ok := v.(string)
	if !ok || enc == "" {
		return nil, ErrMalformedToken
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrMalformedToken
	}
	var cert cadomain.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, ErrMalformedToken
	}
	return &cert, nil
}

// mapParseError translates jwt parse failures into this package's sentinels.
// Keyfunc sentinels come back wrapped and take precedence over the library's
// own classification.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return ErrKeyRevoked
	case errors.Is(err, ErrInvalidChain):
		return ErrInvalidChain
	case errors.Is(err, ErrMalformedToken):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	default:
		return ErrInvalidSignature
	}
}

func wipeKey(k ed25519.PrivateKey) {
	for i := range k {
		k[i] = 0
	}
}
