// Package domain holds the license aggregate and its per-license policy.
package domain

import "time"

// Status is the license lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Usable reports whether a license in this status may back a valid token.
func (s Status) Usable() bool {
	return s == StatusActive || s == StatusGrace
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusGrace, StatusExpired, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// OverLimitPolicy decides what happens when a registration exceeds seat capacity.
type OverLimitPolicy string

const (
	OverLimitReject            OverLimitPolicy = "reject"
	OverLimitAutoReplaceOldest OverLimitPolicy = "auto_replace_oldest"
)

// UniquenessScope decides whether a fingerprint may be active under multiple licenses.
type UniquenessScope string

const (
	UniquePerLicense UniquenessScope = "per_license"
	UniqueGlobal     UniquenessScope = "global"
)

// Policy is the per-license configuration, resolved to concrete values once at
// the storage boundary rather than re-parsed from loose maps on every check.
type Policy struct {
	OverLimit       OverLimitPolicy
	GraceDays       int
	Uniqueness      UniquenessScope
	TokenTTLDays    int
	ForceOnlineDays int
	// AllowGlobalFallback opts this license's scope into falling back to the
	// global signing key when no scope-specific key is active.
	AllowGlobalFallback bool
}

// PolicyDefaults are the deployment-wide values applied where a license has no override.
type PolicyDefaults struct {
	OverLimit       OverLimitPolicy
	Uniqueness      UniquenessScope
	TokenTTLDays    int
	ForceOnlineDays int
}

// Resolve fills any zero-valued policy field from the defaults.
func (p Policy) Resolve(d PolicyDefaults) Policy {
	if p.OverLimit == "" {
		p.OverLimit = d.OverLimit
	}
	if p.Uniqueness == "" {
		p.Uniqueness = d.Uniqueness
	}
	if p.TokenTTLDays <= 0 {
		p.TokenTTLDays = d.TokenTTLDays
	}
	if p.ForceOnlineDays <= 0 {
		p.ForceOnlineDays = d.ForceOnlineDays
	}
	return p
}

// OwnerRef is an opaque reference to the external entity owning a license.
// The core never dereferences it.
type OwnerRef struct {
	Type string
	ID   string
}

// License is the subset of license state the trust core operates on.
type License struct {
	ID string
	// KeyHash is the sha256 of the opaque license key; the raw key is never stored.
	KeyHash   string
	Status    Status
	Owner     OwnerRef
	Scope     string
	MaxUsages int
	ExpiresAt *time.Time
	Policy    Policy
	CreatedAt time.Time
	UpdatedAt time.Time
}
