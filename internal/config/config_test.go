// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
auth:
  token_secret: "token-secret"
  callback_secret: "callback-secret"
model:
  api_key: "model-key"
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, "tutor-gateway.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Bindings.ResolveAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Bindings.ResolveBackoff.Std())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FullOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 9000
  shutdown_timeout: "30s"
database:
  path: "/var/lib/gateway.db"
auth:
  token_secret: "s1"
  callback_secret: "s2"
model:
  api_key: "k"
  name: "other-model"
  max_tokens: 2048
  timeout: "2m"
lessons:
  dir: "/etc/lessons"
bindings:
  ttl: "48h"
  resolve_backoff: "250ms"
dedupe:
  ttl: "5m"
logging:
  level: "debug"
  format: "json"
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, "other-model", cfg.Model.Name)
	assert.Equal(t, 2*time.Minute, cfg.Model.Timeout.Std())
	assert.Equal(t, "/etc/lessons", cfg.Lessons.Dir)
	assert.Equal(t, 48*time.Hour, cfg.Bindings.TTL.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Bindings.ResolveBackoff.Std())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MODEL_KEY", "key-from-env")

	cfg, err := Load(writeConfig(t, `
auth:
  token_secret: "s1"
  callback_secret: "s2"
model:
  api_key: "${TEST_MODEL_KEY}"
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Model.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
server:
  shutdown_timeout: "soon"
`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token secret", func(c *Config) { c.Auth.TokenSecret = "" }, "token_secret"},
		{"missing callback secret", func(c *Config) { c.Auth.CallbackSecret = "" }, "callback_secret"},
		{"missing model key", func(c *Config) { c.Model.APIKey = "" }, "api_key"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth = AuthConfig{TokenSecret: "a", CallbackSecret: "b"}
			cfg.Model.APIKey = "k"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
