// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// CAPassphrase protects private key material at rest. Required for any
	// operation that creates or uses a signing key; never logged.
	CAPassphrase string `mapstructure:"CA_PASSPHRASE"`
	// AdminToken is the bearer token required on /api/v1/admin routes.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`
	// TokenIssuer is the iss claim stamped on license tokens (e.g. "license-authority").
	TokenIssuer string `mapstructure:"TOKEN_ISSUER"`
	// TokenTTLDays is the default token lifetime in days when a license policy has no override.
	TokenTTLDays int `mapstructure:"TOKEN_TTL_DAYS"`
	// ForceOnlineDays is the default force-online window in days.
	ForceOnlineDays int `mapstructure:"FORCE_ONLINE_DAYS"`
	// ClockSkew is the tolerance applied to token time checks (e.g. "60s").
	ClockSkew string `mapstructure:"CLOCK_SKEW"`
	// SigningKeyTTLDays is the validity window for newly issued signing keys.
	SigningKeyTTLDays int `mapstructure:"SIGNING_KEY_TTL_DAYS"`
	// KDFCacheTTL bounds the in-process cache of passphrase-derived keys (e.g. "5m").
	// The cache is memory-only and dies with the process.
	KDFCacheTTL string `mapstructure:"KDF_CACHE_TTL"`
	// UniqueUsageScope is the default fingerprint uniqueness scope: per_license or global.
	UniqueUsageScope string `mapstructure:"UNIQUE_USAGE_SCOPE"`
	// OverLimitPolicy is the default over-limit policy: reject or auto_replace_oldest.
	OverLimitPolicy string `mapstructure:"OVERLIMIT_POLICY"`
	// MigrateOnStart applies embedded migrations during server startup when true.
	MigrateOnStart bool `mapstructure:"MIGRATE_ON_START"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317). Empty disables telemetry.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("CA_PASSPHRASE", "")
	v.SetDefault("ADMIN_TOKEN", "")
	v.SetDefault("TOKEN_ISSUER", "license-authority")
	v.SetDefault("TOKEN_TTL_DAYS", 7)
	v.SetDefault("FORCE_ONLINE_DAYS", 14)
	v.SetDefault("CLOCK_SKEW", "60s")
	v.SetDefault("SIGNING_KEY_TTL_DAYS", 90)
	v.SetDefault("KDF_CACHE_TTL", "5m")
	v.SetDefault("UNIQUE_USAGE_SCOPE", "per_license")
	v.SetDefault("OVERLIMIT_POLICY", "reject")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.TokenTTLDays <= 0 {
		return nil, errors.New("config: TOKEN_TTL_DAYS must be positive")
	}
	if cfg.ForceOnlineDays <= 0 {
		return nil, errors.New("config: FORCE_ONLINE_DAYS must be positive")
	}
	if cfg.SigningKeyTTLDays <= 0 {
		return nil, errors.New("config: SIGNING_KEY_TTL_DAYS must be positive")
	}
	switch cfg.UniqueUsageScope {
	case "per_license", "global":
	default:
		return nil, errors.New("config: UNIQUE_USAGE_SCOPE must be per_license or global")
	}
	switch cfg.OverLimitPolicy {
	case "reject", "auto_replace_oldest":
	default:
		return nil, errors.New("config: OVERLIMIT_POLICY must be reject or auto_replace_oldest")
	}
	if cfg.Env == "production" && cfg.AdminToken == "" {
		return nil, errors.New("config: ADMIN_TOKEN must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// Skew parses ClockSkew as a time.Duration. Returns 60s if unset or invalid.
func (c *Config) Skew() time.Duration {
	d, err := time.ParseDuration(c.ClockSkew)
	if err != nil || d < 0 {
		return 60 * time.Second
	}
	return d
}

// KDFCacheTTLDuration parses KDFCacheTTL as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) KDFCacheTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.KDFCacheTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
