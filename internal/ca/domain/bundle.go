package domain

import (
	"crypto/ed25519"
	"time"
)

// BundleRoot is the trust anchor entry of a public bundle.
type BundleRoot struct {
	KID       string `json:"kid"`
	PublicKey []byte `json:"public_key"`
	Algorithm string `json:"algorithm"`
}

// BundleSigningKey is one signing key entry in a public bundle. Revoked keys
// stay listed with RevokedAt set: the bundle's revocation set is the only
// offline mechanism for invalidating tokens signed by a compromised key.
type BundleSigningKey struct {
	KID         string       `json:"kid"`
	PublicKey   []byte       `json:"public_key"`
	Certificate *Certificate `json:"certificate"`
	ValidFrom   *time.Time   `json:"valid_from,omitempty"`
	ValidUntil  *time.Time   `json:"valid_until,omitempty"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
}

// Bundle is the deployable public key document distributed to clients for
// offline verification. It never contains private key material. The format is
// stable with additive-only changes; Version guards incompatible readers.
type Bundle struct {
	Version     int                `json:"version"`
	GeneratedAt time.Time          `json:"generated_at"`
	Root        BundleRoot         `json:"root"`
	SigningKeys []BundleSigningKey `json:"signing_keys"`
}

// BundleVersion is the current bundle document version.
const BundleVersion = 1

// RootPublicKey returns the bundle's root key as an Ed25519 public key,
// or nil if malformed.
func (b *Bundle) RootPublicKey() ed25519.PublicKey {
	if len(b.Root.PublicKey) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(b.Root.PublicKey)
}

// SigningKey returns the bundle entry for kid, or nil if absent.
func (b *Bundle) SigningKey(kid string) *BundleSigningKey {
	for i := range b.SigningKeys {
		if b.SigningKeys[i].KID == kid {
			return &b.SigningKeys[i]
		}
	}
	return nil
}

// IsRevoked reports whether kid is in the bundle's revocation set.
func (b *Bundle) IsRevoked(kid string) bool {
	k := b.SigningKey(kid)
	return k != nil && k.RevokedAt != nil
}
