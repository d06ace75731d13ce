// Package service manages license records: creation with opaque keys, status
// transitions, and usage listing for operators.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"license-control-plane/backend/internal/audit"
	"license-control-plane/backend/internal/license/domain"
	licrepo "license-control-plane/backend/internal/license/repository"
	"license-control-plane/backend/internal/security"
	usagedomain "license-control-plane/backend/internal/usage/domain"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrInvalidCapacity = errors.New("max usages must be at least 1")
	ErrInvalidStatus   = errors.New("unknown license status")
)

// UsageLister lists the seats under a license.
type UsageLister interface {
	ListByLicense(ctx context.Context, licenseID string) ([]*usagedomain.Usage, error)
}

// Manager creates and administers licenses. The raw license key is returned
// exactly once at creation; only its hash is stored.
type Manager struct {
	repo     licrepo.Repository
	usages   UsageLister
	audit    audit.AuditLogger
	defaults domain.PolicyDefaults
	now      func() time.Time
}

func NewManager(repo licrepo.Repository, usages UsageLister, auditLogger audit.AuditLogger, defaults domain.PolicyDefaults) *Manager {
	return &Manager{
		repo:     repo,
		usages:   usages,
		audit:    auditLogger,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateInput is the operator-facing shape for a new license. Zero policy
// fields resolve to the configured defaults.
type CreateInput struct {
	Owner     domain.OwnerRef
	Scope     string
	MaxUsages int
	ExpiresAt *time.Time
	Policy    domain.Policy
}

// Create mints a license with a fresh opaque key. Returns the license and the
// raw key; the key cannot be recovered later.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*domain.License, string, error) {
	if in.MaxUsages < 1 {
		return nil, "", ErrInvalidCapacity
	}
	rawKey, err := security.GenerateLicenseKey()
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	lic := &domain.License{
		ID:        uuid.New().String(),
		KeyHash:   security.HashLicenseKey(rawKey),
		Status:    domain.StatusActive,
		Owner:     in.Owner,
		Scope:     in.Scope,
		MaxUsages: in.MaxUsages,
		ExpiresAt: in.ExpiresAt,
		Policy:    in.Policy.Resolve(m.defaults),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, lic); err != nil {
		return nil, "", err
	}
	if m.audit != nil {
		meta, _ := json.Marshal(map[string]any{"scope": lic.Scope, "max_usages": lic.MaxUsages})
		m.audit.LogEvent(ctx, audit.ActionLicenseCreated, "license", lic.ID, string(meta))
	}
	return lic, rawKey, nil
}

// Get returns the license or ErrLicenseNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*domain.License, error) {
	lic, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrLicenseNotFound
	}
	return lic, nil
}

// Usages lists all seats, active and revoked, under the license.
func (m *Manager) Usages(ctx context.Context, id string) ([]*usagedomain.Usage, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.usages.ListByLicense(ctx, id)
}

// SetStatus transitions the license to status.
func (m *Manager) SetStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return m.repo.UpdateStatus(ctx, id, status)
}
