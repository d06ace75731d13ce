package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	licdomain "license-control-plane/backend/internal/license/domain"
	"license-control-plane/backend/internal/usage/domain"
	usagerepo "license-control-plane/backend/internal/usage/repository"
)

// fakeUsageRepo is an in-memory usage store. Data access is guarded by dataMu;
// WithLicenseLock takes a separate per-license mutex across the whole callback,
// mirroring the row lock the Postgres repository holds.
type fakeUsageRepo struct {
	dataMu   sync.Mutex
	usages   map[string]*domain.Usage
	lockMu   sync.Mutex
	licLocks map[string]*sync.Mutex
}

func newFakeUsageRepo() *fakeUsageRepo {
	return &fakeUsageRepo{
		usages:   make(map[string]*domain.Usage),
		licLocks: make(map[string]*sync.Mutex),
	}
}

func copyUsage(u *domain.Usage) *domain.Usage {
	c := *u
	return &c
}

func (f *fakeUsageRepo) GetByID(_ context.Context, id string) (*domain.Usage, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if u, ok := f.usages[id]; ok {
		return copyUsage(u), nil
	}
	return nil, nil
}

func (f *fakeUsageRepo) GetActiveByLicenseAndFingerprint(_ context.Context, licenseID, fingerprint string) (*domain.Usage, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	for _, u := range f.usages {
		if u.LicenseID == licenseID && u.Fingerprint == fingerprint && u.Status == domain.StatusActive {
			return copyUsage(u), nil
		}
	}
	return nil, nil
}

func (f *fakeUsageRepo) GetActiveByFingerprint(_ context.Context, fingerprint string) (*domain.Usage, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	for _, u := range f.usages {
		if u.Fingerprint == fingerprint && u.Status == domain.StatusActive {
			return copyUsage(u), nil
		}
	}
	return nil, nil
}

func (f *fakeUsageRepo) ListByLicense(_ context.Context, licenseID string) ([]*domain.Usage, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	var out []*domain.Usage
	for _, u := range f.usages {
		if u.LicenseID == licenseID {
			out = append(out, copyUsage(u))
		}
	}
	return out, nil
}

func (f *fakeUsageRepo) CountActive(_ context.Context, licenseID string) (int, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	n := 0
	for _, u := range f.usages {
		if u.LicenseID == licenseID && u.Status == domain.StatusActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeUsageRepo) OldestActive(_ context.Context, licenseID string) (*domain.Usage, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	var oldest *domain.Usage
	for _, u := range f.usages {
		if u.LicenseID != licenseID || u.Status != domain.StatusActive {
			continue
		}
		if oldest == nil {
			oldest = u
			continue
		}
		us, os := u.EffectiveLastSeen(), oldest.EffectiveLastSeen()
		if us.Before(os) || (us.Equal(os) && u.RegisteredAt.Before(oldest.RegisteredAt)) {
			oldest = u
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return copyUsage(oldest), nil
}

func (f *fakeUsageRepo) Create(_ context.Context, u *domain.Usage) error {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	f.usages[u.ID] = copyUsage(u)
	return nil
}

func (f *fakeUsageRepo) UpdateLastSeen(_ context.Context, id string, at time.Time) error {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if u, ok := f.usages[id]; ok {
		t := at
		u.LastSeenAt = &t
	}
	return nil
}

func (f *fakeUsageRepo) Revoke(_ context.Context, id string, at time.Time, reason string) error {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if u, ok := f.usages[id]; ok && u.Status == domain.StatusActive {
		t := at
		u.Status = domain.StatusRevoked
		u.RevokedAt = &t
		u.RevokeReason = reason
	}
	return nil
}

func (f *fakeUsageRepo) WithLicenseLock(_ context.Context, licenseID string, fn func(usagerepo.Repository) error) error {
	f.lockMu.Lock()
	m, ok := f.licLocks[licenseID]
	if !ok {
		m = &sync.Mutex{}
		f.licLocks[licenseID] = m
	}
	f.lockMu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(f)
}

type fakeLicenseRepo struct {
	licenses map[string]*licdomain.License
}

func (f *fakeLicenseRepo) GetByID(_ context.Context, id string) (*licdomain.License, error) {
	if l, ok := f.licenses[id]; ok {
		c := *l
		return &c, nil
	}
	return nil, nil
}

func testLicense(id string, maxUsages int, policy licdomain.Policy) *licdomain.License {
	return &licdomain.License{
		ID:        id,
		KeyHash:   "hash-" + id,
		Status:    licdomain.StatusActive,
		MaxUsages: maxUsages,
		Policy:    policy,
	}
}

func newRegistrar(licenses ...*licdomain.License) (*Registrar, *fakeUsageRepo) {
	usages := newFakeUsageRepo()
	lics := &fakeLicenseRepo{licenses: make(map[string]*licdomain.License)}
	for _, l := range licenses {
		lics.licenses[l.ID] = l
	}
	return NewRegistrar(usages, lics, nil), usages
}

func TestRegister_LicenseNotFound(t *testing.T) {
	reg, _ := newRegistrar()
	if _, err := reg.Register(context.Background(), "missing", "f1", Metadata{}); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("Register = %v, want ErrLicenseNotFound", err)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	reg, _ := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	first, err := reg.Register(ctx, "lic1", "f1", Metadata{Hostname: "a"})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	second, err := reg.Register(ctx, "lic1", "f1", Metadata{})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("re-registration created a new usage: %s vs %s", first.ID, second.ID)
	}
	if second.LastSeenAt == nil {
		t.Error("re-registration did not touch last-seen")
	}
	n, _ := reg.usages.CountActive(ctx, "lic1")
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func TestRegister_OverLimitReject(t *testing.T) {
	reg, _ := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	if _, err := reg.Register(ctx, "lic1", "f1", Metadata{}); err != nil {
		t.Fatalf("Register f1: %v", err)
	}
	if _, err := reg.Register(ctx, "lic1", "f2", Metadata{}); !errors.Is(err, ErrUsageLimitReached) {
		t.Fatalf("Register f2 = %v, want ErrUsageLimitReached", err)
	}
	n, _ := reg.usages.CountActive(ctx, "lic1")
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func TestRegister_AutoReplaceOldest(t *testing.T) {
	reg, usages := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitAutoReplaceOldest, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	reg.SetClock(func() time.Time { return current })

	first, err := reg.Register(ctx, "lic1", "f1", Metadata{})
	if err != nil {
		t.Fatalf("Register f1: %v", err)
	}
	current = base.Add(time.Minute)
	second, err := reg.Register(ctx, "lic1", "f2", Metadata{})
	if err != nil {
		t.Fatalf("Register f2: %v", err)
	}

	old, _ := usages.GetByID(ctx, first.ID)
	if old.Status != domain.StatusRevoked {
		t.Errorf("f1 status = %s, want revoked", old.Status)
	}
	if old.RevokeReason != AutoReplaceReason {
		t.Errorf("f1 revoke reason = %q, want %q", old.RevokeReason, AutoReplaceReason)
	}
	cur, _ := usages.GetByID(ctx, second.ID)
	if cur.Status != domain.StatusActive {
		t.Errorf("f2 status = %s, want active", cur.Status)
	}
	n, _ := usages.CountActive(ctx, "lic1")
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func TestRegister_AutoReplacePicksLeastRecentlySeen(t *testing.T) {
	reg, usages := newRegistrar(testLicense("lic1", 2, licdomain.Policy{OverLimit: licdomain.OverLimitAutoReplaceOldest, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	reg.SetClock(func() time.Time { return current })

	first, _ := reg.Register(ctx, "lic1", "f1", Metadata{})
	current = base.Add(time.Minute)
	second, _ := reg.Register(ctx, "lic1", "f2", Metadata{})

	// f1 heartbeats later than f2's registration, so f2 is now the stalest.
	current = base.Add(2 * time.Minute)
	if _, err := reg.Heartbeat(ctx, "lic1", first.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	current = base.Add(3 * time.Minute)
	if _, err := reg.Register(ctx, "lic1", "f3", Metadata{}); err != nil {
		t.Fatalf("Register f3: %v", err)
	}

	u2, _ := usages.GetByID(ctx, second.ID)
	if u2.Status != domain.StatusRevoked {
		t.Error("expected f2 (least recently seen) to be replaced")
	}
	u1, _ := usages.GetByID(ctx, first.ID)
	if u1.Status != domain.StatusActive {
		t.Error("f1 should have survived replacement")
	}
}

func TestRegister_GlobalFingerprintConflict(t *testing.T) {
	policy := licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniqueGlobal}
	reg, _ := newRegistrar(
		testLicense("lic1", 5, policy),
		testLicense("lic2", 5, policy),
	)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "lic1", "f1", Metadata{}); err != nil {
		t.Fatalf("Register under lic1: %v", err)
	}
	if _, err := reg.Register(ctx, "lic2", "f1", Metadata{}); !errors.Is(err, ErrFingerprintConflict) {
		t.Errorf("Register under lic2 = %v, want ErrFingerprintConflict", err)
	}
}

func TestRegister_ConcurrentRespectsCapacity(t *testing.T) {
	reg, usages := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, limited := 0, 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := reg.Register(ctx, "lic1", fingerprintN(n), Metadata{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrUsageLimitReached):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if limited != goroutines-1 {
		t.Errorf("limited = %d, want %d", limited, goroutines-1)
	}
	n, _ := usages.CountActive(ctx, "lic1")
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func fingerprintN(n int) string {
	return string(rune('a'+n%26)) + "-fingerprint"
}

func TestCanRegister(t *testing.T) {
	reg, _ := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	ok, err := reg.CanRegister(ctx, "lic1", "f1")
	if err != nil || !ok {
		t.Fatalf("CanRegister before capacity = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := reg.Register(ctx, "lic1", "f1", Metadata{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Existing fingerprint stays registrable (idempotent path).
	ok, _ = reg.CanRegister(ctx, "lic1", "f1")
	if !ok {
		t.Error("CanRegister for existing fingerprint = false, want true")
	}
	// New fingerprint over capacity with Reject policy.
	ok, _ = reg.CanRegister(ctx, "lic1", "f2")
	if ok {
		t.Error("CanRegister over capacity = true, want false")
	}
}

func TestHeartbeat(t *testing.T) {
	reg, _ := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	u, err := reg.Register(ctx, "lic1", "f1", Metadata{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	touched, err := reg.Heartbeat(ctx, "lic1", u.ID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if touched.LastSeenAt == nil {
		t.Error("Heartbeat did not set last-seen")
	}

	if err := reg.Revoke(ctx, "lic1", u.ID, "test"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := reg.Heartbeat(ctx, "lic1", u.ID); !errors.Is(err, ErrCannotHeartbeatRevoked) {
		t.Errorf("Heartbeat on revoked = %v, want ErrCannotHeartbeatRevoked", err)
	}
	if _, err := reg.Heartbeat(ctx, "lic1", "missing"); !errors.Is(err, ErrUsageNotFound) {
		t.Errorf("Heartbeat on missing = %v, want ErrUsageNotFound", err)
	}
}

func TestHeartbeat_ForeignLicenseSeat(t *testing.T) {
	reg, usages := newRegistrar(
		testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}),
		testLicense("lic2", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}),
	)
	ctx := context.Background()

	seat, err := reg.Register(ctx, "lic2", "f-other", Metadata{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Another license's seat must read as not found and stay untouched:
	// a foreign heartbeat would skew auto-replace victim selection.
	if _, err := reg.Heartbeat(ctx, "lic1", seat.ID); !errors.Is(err, ErrUsageNotFound) {
		t.Errorf("Heartbeat on foreign seat = %v, want ErrUsageNotFound", err)
	}
	if err := reg.Revoke(ctx, "lic1", seat.ID, "hijack"); !errors.Is(err, ErrUsageNotFound) {
		t.Errorf("Revoke on foreign seat = %v, want ErrUsageNotFound", err)
	}
	got, _ := usages.GetByID(ctx, seat.ID)
	if got.Status != domain.StatusActive || got.LastSeenAt != nil {
		t.Error("foreign calls must not mutate the seat")
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	reg, usages := newRegistrar(testLicense("lic1", 1, licdomain.Policy{OverLimit: licdomain.OverLimitReject, Uniqueness: licdomain.UniquePerLicense}))
	ctx := context.Background()

	u, err := reg.Register(ctx, "lic1", "f1", Metadata{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Revoke(ctx, "lic1", u.ID, "device retired"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := reg.Revoke(ctx, "lic1", u.ID, "again"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	got, _ := usages.GetByID(ctx, u.ID)
	if got.RevokeReason != "device retired" {
		t.Errorf("revoke reason = %q, want first reason preserved", got.RevokeReason)
	}

	// A revoked fingerprint may register a fresh record later.
	fresh, err := reg.Register(ctx, "lic1", "f1", Metadata{})
	if err != nil {
		t.Fatalf("re-Register after revoke: %v", err)
	}
	if fresh.ID == u.ID {
		t.Error("re-registration returned the revoked record")
	}
}
