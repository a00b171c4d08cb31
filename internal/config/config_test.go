package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "config-test-secret-0123456789abcdef0"

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, 5*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 10*time.Minute, cfg.DelegationTokenTTL())
	assert.Equal(t, "localhost:5000", cfg.AuthBind)
	assert.Equal(t, "http://localhost:5000", cfg.Issuer())
	assert.False(t, cfg.IdPEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, true},
		{"wrong algorithm", func(c *Config) { c.JWTAlgorithm = "RS256" }, true},
		{"zero access ttl", func(c *Config) { c.AccessTokenTTLMinutes = 0 }, true},
		{"negative delegation ttl", func(c *Config) { c.DelegationTokenTTLMinutes = -1 }, true},
		{"oidc issuer without client id", func(c *Config) { c.OIDCIssuerURL = "https://idp.example.com" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.JWTSecret = testSecret
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jwt_secret: "`+testSecret+`"
access_token_ttl_minutes: 2
auth_bind: "0.0.0.0:8500"
cors_origins:
  - http://localhost:3000
require_dpop: true
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, "0.0.0.0:8500", cfg.AuthBind)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.True(t, cfg.RequireDPoP)
	// File values leave defaults intact elsewhere.
	assert.Equal(t, "localhost:6000", cfg.ResourceBind)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jwt_secret: "`+testSecret+`"
auth_bind: "localhost:9999"
`), 0600))

	t.Setenv("AUTH_BIND", "localhost:5001")
	t.Setenv("ACCESS_TOKEN_EXPIRY_MINUTES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:5001", cfg.AuthBind)
	assert.Equal(t, 7*time.Minute, cfg.AccessTokenTTL())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	_, err := Load("")
	assert.Error(t, err)
}

func TestIssuerOverride(t *testing.T) {
	cfg := Default()
	cfg.IssuerURL = "https://auth.example.com"
	assert.Equal(t, "https://auth.example.com", cfg.Issuer())
}
