package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"strings"
)

const (
	licenseKeyEntropyBytes  = 20
	licenseKeyChecksumBytes = 4
	licenseKeyGroupSize     = 5
)

var licenseKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateLicenseKey returns a new opaque license key: base32 over random bytes
// plus a sha256 checksum tail, split into dash-separated groups. The server
// stores only the hash; the raw key is shown to the caller once.
func GenerateLicenseKey() (string, error) {
	entropy := make([]byte, licenseKeyEntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", err
	}
	sum := sha256.Sum256(entropy)
	raw := append(entropy, sum[:licenseKeyChecksumBytes]...)
	encoded := licenseKeyEncoding.EncodeToString(raw)

	var b strings.Builder
	for i, r := range encoded {
		if i > 0 && i%licenseKeyGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// HashLicenseKey returns a SHA-256 hash of the normalized license key, hex-encoded.
// Normalization strips group dashes and uppercases so formatting differences hash equal.
func HashLicenseKey(key string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", ""))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// LicenseKeyHashEqual performs constant-time comparison of the provided key's hash
// with the stored hash. Returns true only if they match.
func LicenseKeyHashEqual(providedKey, storedHash string) bool {
	providedHash := HashLicenseKey(providedKey)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
