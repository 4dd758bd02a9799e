// Package config handles environment configuration for the SSO authority and
// tenant-side clients. Values are read once at startup and treated as
// read-only afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultTokenTTL         = 15 * time.Minute
	defaultRefreshGrace     = time.Hour
	defaultHMACTolerance    = 300 * time.Second
	defaultInactivityWindow = 2 * time.Hour
	defaultAPITimeout       = 10 * time.Second
	defaultHealthTimeout    = 5 * time.Second
	defaultRetryCount       = 3
	defaultRateBurst        = 20
	defaultRatePerSec       = 10
	defaultFailureLimit     = 5
	defaultFailureWindow    = 15 * time.Minute
)

// Config holds configuration for the central authority process.
type Config struct {
	ListenAddr  string
	PostgresDSN string
	RedisAddr   string

	// Token issuance
	TokenSecret  string
	Issuer       string
	TokenTTL     time.Duration
	RefreshGrace time.Duration

	// Request signing: tenant slug -> shared secret.
	TenantSecrets map[string]string
	HMACTolerance time.Duration

	// Session liveness
	InactivityWindow time.Duration

	// Failed-login throttling
	FailureLimit  int
	FailureWindow time.Duration

	// HTTP
	APITimeout    time.Duration
	HealthTimeout time.Duration
	RetryCount    int
	RateBurst     int
	RatePerSec    int
}

// FromEnv loads configuration from SSOHUB_* environment variables, applying
// defaults for everything optional.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("SSOHUB_LISTEN_ADDR", defaultListenAddr),
		PostgresDSN:      os.Getenv("SSOHUB_PG_DSN"),
		RedisAddr:        os.Getenv("SSOHUB_REDIS_ADDR"),
		TokenSecret:      os.Getenv("SSOHUB_TOKEN_SECRET"),
		Issuer:           envOr("SSOHUB_ISSUER", "ssohub"),
		TokenTTL:         durationOr("SSOHUB_TOKEN_TTL", defaultTokenTTL),
		RefreshGrace:     durationOr("SSOHUB_REFRESH_GRACE", defaultRefreshGrace),
		HMACTolerance:    durationOr("SSOHUB_HMAC_TOLERANCE", defaultHMACTolerance),
		InactivityWindow: durationOr("SSOHUB_INACTIVITY_WINDOW", defaultInactivityWindow),
		FailureLimit:     intOr("SSOHUB_FAILURE_LIMIT", defaultFailureLimit),
		FailureWindow:    durationOr("SSOHUB_FAILURE_WINDOW", defaultFailureWindow),
		APITimeout:       durationOr("SSOHUB_API_TIMEOUT", defaultAPITimeout),
		HealthTimeout:    durationOr("SSOHUB_HEALTH_TIMEOUT", defaultHealthTimeout),
		RetryCount:       intOr("SSOHUB_RETRY_COUNT", defaultRetryCount),
		RateBurst:        intOr("SSOHUB_RATE_BURST", defaultRateBurst),
		RatePerSec:       intOr("SSOHUB_RATE_PER_SEC", defaultRatePerSec),
	}

	secrets, err := ParseTenantSecrets(os.Getenv("SSOHUB_TENANT_SECRETS"))
	if err != nil {
		return nil, err
	}
	cfg.TenantSecrets = secrets

	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, fmt.Errorf("SSOHUB_TOKEN_SECRET is required")
	}
	return cfg, nil
}

// ParseTenantSecrets parses "slug:secret,slug:secret" into a keyed map.
// Per-tenant secrets are modeled as one map resolved at startup so a single
// authority process can verify requests from every tenant.
func ParseTenantSecrets(raw string) (map[string]string, error) {
	secrets := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return secrets, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		slug, secret, ok := strings.Cut(pair, ":")
		slug = strings.TrimSpace(slug)
		secret = strings.TrimSpace(secret)
		if !ok || slug == "" || secret == "" {
			return nil, fmt.Errorf("invalid tenant secret entry %q", pair)
		}
		if _, dup := secrets[slug]; dup {
			return nil, fmt.Errorf("duplicate tenant secret for %q", slug)
		}
		secrets[slug] = secret
	}
	return secrets, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
