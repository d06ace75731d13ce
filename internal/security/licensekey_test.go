package security

import (
	"strings"
	"testing"
)

func TestGenerateLicenseKey_Format(t *testing.T) {
	key, err := GenerateLicenseKey()
	if err != nil {
		t.Fatalf("GenerateLicenseKey: %v", err)
	}
	groups := strings.Split(key, "-")
	if len(groups) < 2 {
		t.Fatalf("key %q has no groups", key)
	}
	for _, g := range groups[:len(groups)-1] {
		if len(g) != licenseKeyGroupSize {
			t.Errorf("group %q has length %d, want %d", g, len(g), licenseKeyGroupSize)
		}
	}
}

func TestGenerateLicenseKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateLicenseKey()
		if err != nil {
			t.Fatalf("GenerateLicenseKey: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key generated: %s", key)
		}
		seen[key] = true
	}
}

func TestHashLicenseKey_NormalizesFormatting(t *testing.T) {
	a := HashLicenseKey("ABCDE-FGHIJ-KLMNO")
	b := HashLicenseKey("abcdefghij-klmno")
	c := HashLicenseKey(" ABCDEFGHIJKLMNO ")
	if a != b || b != c {
		t.Error("hash should be stable across dash/case/whitespace formatting")
	}
}

func TestLicenseKeyHashEqual(t *testing.T) {
	key, err := GenerateLicenseKey()
	if err != nil {
		t.Fatalf("GenerateLicenseKey: %v", err)
	}
	stored := HashLicenseKey(key)
	if !LicenseKeyHashEqual(key, stored) {
		t.Error("matching key rejected")
	}
	if LicenseKeyHashEqual(key+"X", stored) {
		t.Error("non-matching key accepted")
	}
}
