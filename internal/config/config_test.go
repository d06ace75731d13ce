package config

import (
	"testing"
	"time"
)

// clearEnv unsets all config env vars so defaults apply, using t.Setenv for restoration.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "DATABASE_URL", "CA_PASSPHRASE", "ADMIN_TOKEN", "TOKEN_ISSUER",
		"TOKEN_TTL_DAYS", "FORCE_ONLINE_DAYS", "CLOCK_SKEW", "SIGNING_KEY_TTL_DAYS",
		"KDF_CACHE_TTL", "UNIQUE_USAGE_SCOPE", "OVERLIMIT_POLICY", "MIGRATE_ON_START",
		"OTLP_ENDPOINT", "OTLP_INSECURE", "APP_ENV",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("HTTP_ADDR", ":8080")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.TokenTTLDays != 7 {
		t.Errorf("TokenTTLDays = %d, want 7", cfg.TokenTTLDays)
	}
	if cfg.ForceOnlineDays != 14 {
		t.Errorf("ForceOnlineDays = %d, want 14", cfg.ForceOnlineDays)
	}
	if cfg.UniqueUsageScope != "per_license" {
		t.Errorf("UniqueUsageScope = %q, want per_license", cfg.UniqueUsageScope)
	}
	if cfg.OverLimitPolicy != "reject" {
		t.Errorf("OverLimitPolicy = %q, want reject", cfg.OverLimitPolicy)
	}
	if got := cfg.Skew(); got != 60*time.Second {
		t.Errorf("Skew() = %v, want 60s", got)
	}
	if got := cfg.KDFCacheTTLDuration(); got != 5*time.Minute {
		t.Errorf("KDFCacheTTLDuration() = %v, want 5m", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("TOKEN_TTL_DAYS", "30")
	t.Setenv("CLOCK_SKEW", "2m")
	t.Setenv("UNIQUE_USAGE_SCOPE", "global")
	t.Setenv("OVERLIMIT_POLICY", "auto_replace_oldest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
	if cfg.TokenTTLDays != 30 {
		t.Errorf("TokenTTLDays = %d, want 30", cfg.TokenTTLDays)
	}
	if got := cfg.Skew(); got != 2*time.Minute {
		t.Errorf("Skew() = %v, want 2m", got)
	}
	if cfg.UniqueUsageScope != "global" {
		t.Errorf("UniqueUsageScope = %q, want global", cfg.UniqueUsageScope)
	}
}

func TestLoad_InvalidScope(t *testing.T) {
	clearEnv(t)
	t.Setenv("UNIQUE_USAGE_SCOPE", "per_device")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted invalid UNIQUE_USAGE_SCOPE")
	}
}

func TestLoad_InvalidOverLimitPolicy(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVERLIMIT_POLICY", "evict_random")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted invalid OVERLIMIT_POLICY")
	}
}

func TestLoad_ProductionRequiresAdminToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted production config without ADMIN_TOKEN")
	}
	t.Setenv("ADMIN_TOKEN", "secret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestSkew_InvalidFallsBack(t *testing.T) {
	c := &Config{ClockSkew: "not-a-duration"}
	if got := c.Skew(); got != 60*time.Second {
		t.Errorf("Skew() = %v, want 60s fallback", got)
	}
}
