package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Sealed private key layout: version byte, 16-byte argon2 salt, 12-byte GCM nonce, ciphertext.
const (
	sealVersion   = 1
	sealSaltLen   = 16
	sealNonceLen  = 12
	sealKeyLen    = 32
	argonTime     = 1
	argonMemoryKB = 64 * 1024
	argonThreads  = 4
)

var (
	// ErrPassphraseMissing is returned when a seal or open is attempted without a passphrase.
	ErrPassphraseMissing = errors.New("passphrase missing")
	// ErrSealedCorrupt is returned when sealed bytes cannot be decrypted (wrong passphrase or tampering).
	ErrSealedCorrupt = errors.New("sealed key corrupt or wrong passphrase")
)

// Secret is a short-lived handle around a passphrase. It is passed explicitly
// into operations that need it rather than held in process-wide state.
type Secret struct {
	b []byte
}

// NewSecret wraps a passphrase. Returns nil for an empty passphrase so callers
// can distinguish "not configured" with a nil check.
func NewSecret(passphrase string) *Secret {
	if passphrase == "" {
		return nil
	}
	return &Secret{b: []byte(passphrase)}
}

// Wipe zeroes the passphrase bytes. The Secret must not be used afterwards.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

type cachedKey struct {
	key     []byte
	expires time.Time
}

// Sealer encrypts and decrypts private key material with an argon2id-derived
// key and AES-256-GCM. Derived keys are cached in memory for a bounded TTL to
// avoid repeated KDF cost under load; the cache dies with the process and is
// never persisted.
type Sealer struct {
	mu       sync.Mutex
	derived  map[string]cachedKey
	cacheTTL time.Duration
	now      func() time.Time
}

// NewSealer returns a Sealer whose derived-key cache entries live for cacheTTL.
// A zero or negative TTL disables caching.
func NewSealer(cacheTTL time.Duration) *Sealer {
	return &Sealer{
		derived:  make(map[string]cachedKey),
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// deriveKey returns the argon2id key for (secret, salt), consulting the cache.
// The cache key binds both salt and passphrase so a passphrase change is never
// served a stale key.
func (s *Sealer) deriveKey(secret *Secret, salt []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, salt...), secret.b...))
	ck := hex.EncodeToString(sum[:])

	if s.cacheTTL > 0 {
		s.mu.Lock()
		if c, ok := s.derived[ck]; ok && s.now().Before(c.expires) {
			s.mu.Unlock()
			return c.key
		}
		s.mu.Unlock()
	}

	key := argon2.IDKey(secret.b, salt, argonTime, argonMemoryKB, argonThreads, sealKeyLen)

	if s.cacheTTL > 0 {
		s.mu.Lock()
		s.derived[ck] = cachedKey{key: key, expires: s.now().Add(s.cacheTTL)}
		s.mu.Unlock()
	}
	return key
}

// Seal encrypts an Ed25519 private key under the passphrase secret.
func (s *Sealer) Seal(priv ed25519.PrivateKey, secret *Secret) ([]byte, error) {
	if secret == nil || len(secret.b) == 0 {
		return nil, ErrPassphraseMissing
	}
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := s.deriveKey(secret, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+sealSaltLen+sealNonceLen+len(priv)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, priv, nil)
	return out, nil
}

// Open decrypts sealed bytes produced by Seal. The returned private key must be
// used within the calling operation and not retained.
func (s *Sealer) Open(sealed []byte, secret *Secret) (ed25519.PrivateKey, error) {
	if secret == nil || len(secret.b) == 0 {
		return nil, ErrPassphraseMissing
	}
	if len(sealed) < 1+sealSaltLen+sealNonceLen || sealed[0] != sealVersion {
		return nil, ErrSealedCorrupt
	}
	salt := sealed[1 : 1+sealSaltLen]
	nonce := sealed[1+sealSaltLen : 1+sealSaltLen+sealNonceLen]
	ciphertext := sealed[1+sealSaltLen+sealNonceLen:]

	key := s.deriveKey(secret, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, ErrSealedCorrupt
	}
	return ed25519.PrivateKey(plain), nil
}
