// Package service implements concurrency-safe seat allocation against a
// license's capacity.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"license-control-plane/backend/internal/audit"
	licdomain "license-control-plane/backend/internal/license/domain"
	"license-control-plane/backend/internal/usage/domain"
	usagerepo "license-control-plane/backend/internal/usage/repository"
)

// Sentinel errors for the registrar; handlers map them to HTTP codes.
var (
	ErrLicenseNotFound        = errors.New("license not found")
	ErrUsageNotFound          = errors.New("usage not found")
	ErrUsageLimitReached      = errors.New("usage limit reached")
	ErrFingerprintConflict    = errors.New("fingerprint already active under another license")
	ErrCannotHeartbeatRevoked = errors.New("cannot heartbeat a revoked usage")
)

// AutoReplaceReason is recorded on usages revoked to make room for a new registration.
const AutoReplaceReason = "auto-replaced"

// LicenseRepo is the minimal license repository needed by the registrar.
type LicenseRepo interface {
	GetByID(ctx context.Context, id string) (*licdomain.License, error)
}

// Metadata carries optional device details recorded on registration.
type Metadata struct {
	Hostname string
	Platform string
}

// Registrar allocates and revokes seats. Registration serializes per license
// via the repository's license lock, so the count of active usages never
// exceeds the license's capacity even under concurrent requests.
type Registrar struct {
	usages   usagerepo.Repository
	licenses LicenseRepo
	audit    audit.AuditLogger
	now      func() time.Time
}

// NewRegistrar returns a Registrar. auditLogger may be nil to disable audit events.
func NewRegistrar(usages usagerepo.Repository, licenses LicenseRepo, auditLogger audit.AuditLogger) *Registrar {
	return &Registrar{
		usages:   usages,
		licenses: licenses,
		audit:    auditLogger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registrar's clock. Intended for tests.
func (s *Registrar) SetClock(now func() time.Time) { s.now = now }

// Register allocates a seat for fingerprint under the license. Re-registering
// an active fingerprint is idempotent: the existing usage is touched and
// returned. When capacity is exhausted the license's over-limit policy decides
// between rejection and auto-replacing the least recently seen usage.
func (s *Registrar) Register(ctx context.Context, licenseID, fingerprint string, meta Metadata) (*domain.Usage, error) {
	lic, err := s.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrLicenseNotFound
	}

	var (
		result   *domain.Usage
		replaced *domain.Usage
		created  bool
	)
	err = s.usages.WithLicenseLock(ctx, licenseID, func(r usagerepo.Repository) error {
		now := s.now()

		existing, err := r.GetActiveByLicenseAndFingerprint(ctx, licenseID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := r.UpdateLastSeen(ctx, existing.ID, now); err != nil {
				return err
			}
			existing.LastSeenAt = &now
			result = existing
			return nil
		}

		// Uniqueness before capacity: a globally unique fingerprint may not
		// hold seats under two licenses regardless of free capacity.
		if lic.Policy.Uniqueness == licdomain.UniqueGlobal {
			other, err := r.GetActiveByFingerprint(ctx, fingerprint)
			if err != nil {
				return err
			}
			if other != nil && other.LicenseID != licenseID {
				return ErrFingerprintConflict
			}
		}

		count, err := r.CountActive(ctx, licenseID)
		if err != nil {
			return err
		}
		if count >= lic.MaxUsages {
			switch lic.Policy.OverLimit {
			case licdomain.OverLimitAutoReplaceOldest:
				victim, err := r.OldestActive(ctx, licenseID)
				if err != nil {
					return err
				}
				if victim == nil {
					return ErrUsageLimitReached
				}
				if err := r.Revoke(ctx, victim.ID, now, AutoReplaceReason); err != nil {
					return err
				}
				replaced = victim
			default:
				return ErrUsageLimitReached
			}
		}

		u := &domain.Usage{
			ID:           uuid.New().String(),
			LicenseID:    licenseID,
			Fingerprint:  fingerprint,
			Status:       domain.StatusActive,
			Hostname:     meta.Hostname,
			Platform:     meta.Platform,
			RegisteredAt: now,
		}
		if err := r.Create(ctx, u); err != nil {
			return err
		}
		result = u
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUsageLimitReached) {
			s.logEvent(ctx, audit.ActionUsageLimitReached, licenseID, metaJSON(map[string]string{
				"fingerprint": fingerprint,
			}))
		}
		return nil, err
	}

	if replaced != nil {
		s.logEvent(ctx, audit.ActionUsageRevoked, replaced.ID, metaJSON(map[string]string{
			"reason": AutoReplaceReason, "license_id": licenseID,
		}))
	}
	if created {
		s.logEvent(ctx, audit.ActionUsageRegistered, result.ID, metaJSON(map[string]string{
			"license_id": licenseID, "fingerprint": fingerprint,
		}))
	}
	return result, nil
}

// CanRegister mirrors Register's capacity and uniqueness logic without
// mutating anything, for pre-flight checks. Storage errors are returned as-is.
func (s *Registrar) CanRegister(ctx context.Context, licenseID, fingerprint string) (bool, error) {
	lic, err := s.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if lic == nil {
		return false, ErrLicenseNotFound
	}

	existing, err := s.usages.GetActiveByLicenseAndFingerprint(ctx, licenseID, fingerprint)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}
	if lic.Policy.Uniqueness == licdomain.UniqueGlobal {
		other, err := s.usages.GetActiveByFingerprint(ctx, fingerprint)
		if err != nil {
			return false, err
		}
		if other != nil && other.LicenseID != licenseID {
			return false, nil
		}
	}
	count, err := s.usages.CountActive(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if count < lic.MaxUsages {
		return true, nil
	}
	return lic.Policy.OverLimit == licdomain.OverLimitAutoReplaceOldest, nil
}

// Heartbeat updates the usage's last-seen timestamp. The usage must belong to
// licenseID; a seat under a different license reads as not found so callers
// learn nothing about other licenses' seats. Fails with
// ErrCannotHeartbeatRevoked if the usage is not active.
func (s *Registrar) Heartbeat(ctx context.Context, licenseID, usageID string) (*domain.Usage, error) {
	u, err := s.usages.GetByID(ctx, usageID)
	if err != nil {
		return nil, err
	}
	if u == nil || u.LicenseID != licenseID {
		return nil, ErrUsageNotFound
	}
	if u.Status != domain.StatusActive {
		return nil, ErrCannotHeartbeatRevoked
	}
	now := s.now()
	if err := s.usages.UpdateLastSeen(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastSeenAt = &now
	return u, nil
}

// Revoke transitions the usage to revoked. The usage must belong to
// licenseID. Idempotent: revoking an already revoked usage succeeds without
// change.
func (s *Registrar) Revoke(ctx context.Context, licenseID, usageID, reason string) error {
	u, err := s.usages.GetByID(ctx, usageID)
	if err != nil {
		return err
	}
	if u == nil || u.LicenseID != licenseID {
		return ErrUsageNotFound
	}
	if u.Status == domain.StatusRevoked {
		return nil
	}
	if err := s.usages.Revoke(ctx, u.ID, s.now(), reason); err != nil {
		return err
	}
	s.logEvent(ctx, audit.ActionUsageRevoked, u.ID, metaJSON(map[string]string{
		"reason": reason, "license_id": u.LicenseID,
	}))
	return nil
}

func (s *Registrar) logEvent(ctx context.Context, action, entityID, metadata string) {
	if s.audit == nil {
		return
	}
	entityType := "usage"
	if action == audit.ActionUsageLimitReached {
		entityType = "license"
	}
	s.audit.LogEvent(ctx, action, entityType, entityID, metadata)
}

func metaJSON(m map[string]string) string {
	b, _ := json.Marshal(m)
	return string(b)
}
