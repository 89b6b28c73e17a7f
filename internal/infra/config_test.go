package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.wpengineapi.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Upstream.RetryBaseDelay)
	assert.Equal(t, 100, cfg.Upstream.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.Safety.ConfirmationTTL)
	assert.Equal(t, 5, cfg.Fanout.MaxConcurrency)
	assert.Equal(t, AuditSinkFile, cfg.Audit.Sink)
	assert.NotEmpty(t, cfg.Audit.Path)
	assert.Equal(t, RedisKeyAuditLog, cfg.Audit.RedisListKey())
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.WriteTimeout)
}

func TestAuditConfig_RedisListKey(t *testing.T) {
	assert.Equal(t, "capigw:audit:log", AuditConfig{}.RedisListKey())
	assert.Equal(t, "capigw:audit:log:eu-1", AuditConfig{RedisInstance: "eu-1"}.RedisListKey())
	assert.Equal(t, "custom:audit", AuditConfig{RedisKey: "custom:audit", RedisInstance: "eu-1"}.RedisListKey())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
upstream:
  page_size: 50
safety:
  confirmation_ttl: 2m
  disabled_tools: [wpe_delete_site]
audit:
  sink: none
logger:
  level: debug
  format: console
`), 0o600))

	t.Setenv("WP_ENGINE_API_USERNAME", "api-user")
	t.Setenv("WP_ENGINE_API_PASSWORD", "api-pass")
	t.Setenv("FANOUT_MAX_CONCURRENCY", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Upstream.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.Safety.ConfirmationTTL)
	assert.Equal(t, []string{"wpe_delete_site"}, cfg.Safety.DisabledTools)
	assert.Equal(t, "api-user", cfg.Upstream.Username)
	assert.Equal(t, "api-pass", cfg.Upstream.Password)
	assert.Equal(t, 8, cfg.Fanout.MaxConcurrency)
	assert.Equal(t, AuditSinkNone, cfg.Audit.Sink)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  sink: postgres\n"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "invalid config")
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "warn", Format: "json"})
	assert.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}
