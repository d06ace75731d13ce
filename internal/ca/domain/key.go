// Package domain holds the certificate authority's key material and
// certificate types, including the canonical serialization certificates are
// signed over.
package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"
)

// KeyKind distinguishes the long-lived trust anchor from rotatable signing keys.
type KeyKind string

const (
	KeyKindRoot    KeyKind = "root"
	KeyKindSigning KeyKind = "signing"
)

// KeyStatus is the lifecycle state of a key. Revocation is one-way.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// KeyMaterial represents one asymmetric keypair with metadata. Private material
// is persisted only in sealed (encrypted) form; decryption is on demand and
// scoped to the calling operation.
type KeyMaterial struct {
	KID              string
	Kind             KeyKind
	Status           KeyStatus
	PublicKey        ed25519.PublicKey
	SealedPrivateKey []byte
	// Scope isolates signing keys per product family. Empty means global.
	Scope        string
	NotBefore    *time.Time
	NotAfter     *time.Time
	RevokedAt    *time.Time
	RevokeReason string
	// Certificate is present only for signing keys; it proves the key's
	// legitimacy against the root.
	Certificate *Certificate
	CreatedAt   time.Time
}

// Expired reports whether the key's validity window has elapsed at now.
// Keys with no NotAfter (the root, typically) never expire.
func (k *KeyMaterial) Expired(now time.Time) bool {
	return k.NotAfter != nil && now.After(*k.NotAfter)
}

// Usable reports whether the key may sign at now: active, inside its window.
func (k *KeyMaterial) Usable(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.NotBefore != nil && now.Before(*k.NotBefore) {
		return false
	}
	return !k.Expired(now)
}

// Certificate is a claim set over a signing key, signed by the root. The chain
// is exactly two levels deep: root certifies signing keys, signing keys sign
// tokens.
type Certificate struct {
	KID       string     `json:"kid"`
	PublicKey []byte     `json:"public_key"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	Scope     string     `json:"scope,omitempty"`
	RootKID   string     `json:"root_kid"`
	Signature []byte     `json:"signature"`
}

// certPayload is the canonical form a certificate is signed over. Timestamps
// are Unix seconds and the public key is base64 so the byte stream is
// identical on the issuance and verification paths regardless of JSON
// formatting or timezone representation.
type certPayload struct {
	KID       string `json:"kid"`
	PublicKey string `json:"public_key"`
	NotBefore int64  `json:"not_before"`
	NotAfter  int64  `json:"not_after"`
	Scope     string `json:"scope"`
}

// CanonicalPayload returns the canonical serialization of the certificate's
// claimed fields (everything except RootKID and Signature).
func (c *Certificate) CanonicalPayload() ([]byte, error) {
	return json.Marshal(certPayload{
		KID:       c.KID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
		NotBefore: c.NotBefore.Unix(),
		NotAfter:  c.NotAfter.Unix(),
		Scope:     c.Scope,
	})
}

// SignCertificate fills in the certificate's signature using the root's
// private key over the canonical payload.
func SignCertificate(c *Certificate, rootKID string, rootPriv ed25519.PrivateKey) error {
	c.RootKID = rootKID
	payload, err := c.CanonicalPayload()
	if err != nil {
		return err
	}
	c.Signature = ed25519.Sign(rootPriv, payload)
	return nil
}

// VerifyCertificate re-serializes the certificate's claimed fields canonically
// and checks the signature against the given root public key. Ed25519
// verification is constant time with respect to the signature.
func VerifyCertificate(c *Certificate, rootPub ed25519.PublicKey) bool {
	if c == nil || len(c.Signature) == 0 || len(c.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	payload, err := c.CanonicalPayload()
	if err != nil {
		return false
	}
	return ed25519.Verify(rootPub, payload, c.Signature)
}
