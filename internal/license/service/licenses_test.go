package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"license-control-plane/backend/internal/license/domain"
	"license-control-plane/backend/internal/security"
	usagedomain "license-control-plane/backend/internal/usage/domain"
)

type fakeLicenseRepo struct {
	byID map[string]*domain.License
}

func newFakeLicenseRepo() *fakeLicenseRepo {
	return &fakeLicenseRepo{byID: make(map[string]*domain.License)}
}

func (f *fakeLicenseRepo) GetByID(_ context.Context, id string) (*domain.License, error) {
	if l, ok := f.byID[id]; ok {
		return l, nil
	}
	return nil, nil
}

func (f *fakeLicenseRepo) GetByKeyHash(_ context.Context, hash string) (*domain.License, error) {
	for _, l := range f.byID {
		if l.KeyHash == hash {
			return l, nil
		}
	}
	return nil, nil
}

func (f *fakeLicenseRepo) Create(_ context.Context, l *domain.License) error {
	f.byID[l.ID] = l
	return nil
}

func (f *fakeLicenseRepo) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	if l, ok := f.byID[id]; ok {
		l.Status = status
	}
	return nil
}

type fakeUsageLister struct {
	usages []*usagedomain.Usage
}

func (f *fakeUsageLister) ListByLicense(_ context.Context, _ string) ([]*usagedomain.Usage, error) {
	return f.usages, nil
}

func testDefaults() domain.PolicyDefaults {
	return domain.PolicyDefaults{
		OverLimit:       domain.OverLimitReject,
		Uniqueness:      domain.UniquePerLicense,
		TokenTTLDays:    7,
		ForceOnlineDays: 14,
	}
}

func TestCreate(t *testing.T) {
	repo := newFakeLicenseRepo()
	mgr := NewManager(repo, &fakeUsageLister{}, nil, testDefaults())

	lic, rawKey, err := mgr.Create(context.Background(), CreateInput{MaxUsages: 5, Scope: "desktop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rawKey == "" || !strings.Contains(rawKey, "-") {
		t.Errorf("raw key = %q, want grouped key", rawKey)
	}
	if lic.KeyHash != security.HashLicenseKey(rawKey) {
		t.Error("stored hash does not match the issued key")
	}
	if lic.KeyHash == rawKey {
		t.Error("raw key must not be stored")
	}
	if lic.Status != domain.StatusActive {
		t.Errorf("status = %s, want active", lic.Status)
	}
	// Zero policy fields resolve to defaults.
	if lic.Policy.OverLimit != domain.OverLimitReject || lic.Policy.TokenTTLDays != 7 {
		t.Errorf("policy = %+v, want defaults applied", lic.Policy)
	}

	stored, err := repo.GetByKeyHash(context.Background(), security.HashLicenseKey(rawKey))
	if err != nil || stored == nil || stored.ID != lic.ID {
		t.Errorf("lookup by key hash failed: %v %v", stored, err)
	}
}

func TestCreate_PolicyOverridesSurvive(t *testing.T) {
	mgr := NewManager(newFakeLicenseRepo(), &fakeUsageLister{}, nil, testDefaults())

	lic, _, err := mgr.Create(context.Background(), CreateInput{
		MaxUsages: 1,
		Policy:    domain.Policy{OverLimit: domain.OverLimitAutoReplaceOldest, TokenTTLDays: 2},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if lic.Policy.OverLimit != domain.OverLimitAutoReplaceOldest {
		t.Errorf("over-limit = %s, want override kept", lic.Policy.OverLimit)
	}
	if lic.Policy.TokenTTLDays != 2 {
		t.Errorf("ttl days = %d, want 2", lic.Policy.TokenTTLDays)
	}
	if lic.Policy.ForceOnlineDays != 14 {
		t.Errorf("force online days = %d, want default", lic.Policy.ForceOnlineDays)
	}
}

func TestCreate_InvalidCapacity(t *testing.T) {
	mgr := NewManager(newFakeLicenseRepo(), &fakeUsageLister{}, nil, testDefaults())
	if _, _, err := mgr.Create(context.Background(), CreateInput{MaxUsages: 0}); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("Create = %v, want ErrInvalidCapacity", err)
	}
}

func TestGet(t *testing.T) {
	mgr := NewManager(newFakeLicenseRepo(), &fakeUsageLister{}, nil, testDefaults())
	if _, err := mgr.Get(context.Background(), "missing"); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("Get = %v, want ErrLicenseNotFound", err)
	}
}

func TestUsages(t *testing.T) {
	repo := newFakeLicenseRepo()
	lister := &fakeUsageLister{usages: []*usagedomain.Usage{{ID: "u-1"}, {ID: "u-2"}}}
	mgr := NewManager(repo, lister, nil, testDefaults())

	lic, _, err := mgr.Create(context.Background(), CreateInput{MaxUsages: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := mgr.Usages(context.Background(), lic.ID)
	if err != nil {
		t.Fatalf("Usages: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("usages = %d, want 2", len(got))
	}
	if _, err := mgr.Usages(context.Background(), "missing"); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("Usages(missing) = %v, want ErrLicenseNotFound", err)
	}
}

func TestSetStatus(t *testing.T) {
	repo := newFakeLicenseRepo()
	mgr := NewManager(repo, &fakeUsageLister{}, nil, testDefaults())

	lic, _, err := mgr.Create(context.Background(), CreateInput{MaxUsages: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.SetStatus(context.Background(), lic.ID, domain.StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), lic.ID)
	if got.Status != domain.StatusSuspended {
		t.Errorf("status = %s, want suspended", got.Status)
	}
	if err := mgr.SetStatus(context.Background(), lic.ID, domain.Status("bogus")); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("SetStatus bogus = %v, want ErrInvalidStatus", err)
	}
	if err := mgr.SetStatus(context.Background(), "missing", domain.StatusActive); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("SetStatus missing = %v, want ErrLicenseNotFound", err)
	}
}
