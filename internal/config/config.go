// Package config holds process-wide configuration for the delegation service.
// Configuration is resolved once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// Signing
	JWTSecret    string `yaml:"jwt_secret"`
	JWTAlgorithm string `yaml:"jwt_algorithm"`

	// Token TTLs in minutes
	AccessTokenTTLMinutes     int `yaml:"access_token_ttl_minutes"`
	DelegationTokenTTLMinutes int `yaml:"delegation_token_ttl_minutes"`

	// Bind addresses
	AuthBind       string `yaml:"auth_bind"`
	ResourceBind   string `yaml:"resource_bind"`
	ManagementBind string `yaml:"management_bind"`

	// Issuer URL embedded in minted tokens; defaults to http://<auth_bind>.
	IssuerURL string `yaml:"issuer_url"`

	// Persistence
	StateFile string `yaml:"state_file"`

	// Audit file output (empty disables the file writer; the in-memory ring
	// is always kept)
	AuditFile string `yaml:"audit_file"`

	// Security
	CORSOrigins        []string `yaml:"cors_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RequireDPoP        bool     `yaml:"require_dpop"`

	// Optional Redis revocation accelerator
	RedisAddr string `yaml:"redis_addr"`

	// Optional federated identity provider
	OIDCIssuerURL    string `yaml:"oidc_issuer_url"`
	OIDCRealm        string `yaml:"oidc_realm"`
	OIDCClientID     string `yaml:"oidc_client_id"`
	OIDCClientSecret string `yaml:"oidc_client_secret"`
	OIDCRedirectURI  string `yaml:"oidc_redirect_uri"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the baseline configuration before env/file overrides.
func Default() Config {
	return Config{
		JWTAlgorithm:              "HS256",
		AccessTokenTTLMinutes:     5,
		DelegationTokenTTLMinutes: 10,
		AuthBind:                  "localhost:5000",
		ResourceBind:              "localhost:6000",
		ManagementBind:            "localhost:7000",
		StateFile:                 "delegation_state.json",
		RateLimitPerMinute:        60,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

// Load resolves configuration from an optional YAML file and the environment.
// Environment variables win over file values.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.JWTSecret, "JWT_SECRET")
	setStr(&c.JWTAlgorithm, "JWT_ALGORITHM")
	setInt(&c.AccessTokenTTLMinutes, "ACCESS_TOKEN_EXPIRY_MINUTES")
	setInt(&c.DelegationTokenTTLMinutes, "DELEGATION_TOKEN_EXPIRY_MINUTES")
	setStr(&c.AuthBind, "AUTH_BIND")
	setStr(&c.ResourceBind, "RESOURCE_BIND")
	setStr(&c.ManagementBind, "MANAGEMENT_BIND")
	setStr(&c.IssuerURL, "ISSUER_URL")
	setStr(&c.StateFile, "STATE_FILE")
	setStr(&c.AuditFile, "AUDIT_FILE")
	setStr(&c.RedisAddr, "REDIS_ADDR")
	setStr(&c.OIDCIssuerURL, "OIDC_ISSUER_URL")
	setStr(&c.OIDCRealm, "OIDC_REALM")
	setStr(&c.OIDCClientID, "OIDC_CLIENT_ID")
	setStr(&c.OIDCClientSecret, "OIDC_CLIENT_SECRET")
	setStr(&c.OIDCRedirectURI, "OIDC_REDIRECT_URI")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.LogFormat, "LOG_FORMAT")
	setInt(&c.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("REQUIRE_DPOP"); v != "" {
		c.RequireDPoP = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate checks invariants that must hold before any server starts.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes (got %d)", len(c.JWTSecret))
	}
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported jwt_algorithm %q (only HS256)", c.JWTAlgorithm)
	}
	if c.AccessTokenTTLMinutes <= 0 {
		return fmt.Errorf("access_token_ttl_minutes must be positive")
	}
	if c.DelegationTokenTTLMinutes <= 0 {
		return fmt.Errorf("delegation_token_ttl_minutes must be positive")
	}
	if c.OIDCIssuerURL != "" && c.OIDCClientID == "" {
		return fmt.Errorf("oidc_client_id required when oidc_issuer_url is set")
	}
	return nil
}

// AccessTokenTTL returns the access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// DelegationTokenTTL returns the delegation token lifetime.
func (c *Config) DelegationTokenTTL() time.Duration {
	return time.Duration(c.DelegationTokenTTLMinutes) * time.Minute
}

// Issuer returns the iss claim value for minted tokens.
func (c *Config) Issuer() string {
	if c.IssuerURL != "" {
		return c.IssuerURL
	}
	return "http://" + c.AuthBind
}

// IdPEnabled reports whether the federated identity provider is configured.
func (c *Config) IdPEnabled() bool {
	return c.OIDCIssuerURL != "" && c.OIDCClientID != "" && c.OIDCClientSecret != ""
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
