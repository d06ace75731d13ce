// Package domain holds the usage (seat) record for one device registration.
package domain

import "time"

// Status is the usage lifecycle state. Revoked is terminal for a record, but
// the same fingerprint may register a fresh record later.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Usage represents one consumed seat against a license's capacity.
type Usage struct {
	ID        string
	LicenseID string
	// Fingerprint is a stable, non-PII hash of the device identity.
	Fingerprint  string
	Status       Status
	Hostname     string
	Platform     string
	RegisteredAt time.Time
	LastSeenAt   *time.Time
	RevokedAt    *time.Time
	RevokeReason string
}

// EffectiveLastSeen is the ordering key for auto-replacement: last-seen when
// present, otherwise registration time.
func (u *Usage) EffectiveLastSeen() time.Time {
	if u.LastSeenAt != nil {
		return *u.LastSeenAt
	}
	return u.RegisteredAt
}
