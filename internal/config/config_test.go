package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: "9090"
security:
  secret: from-file
  read_only: true
  rate_limit:
    classes:
      - name: auth
        keywords: [login, password]
        window_seconds: 60
        anonymous: 5
        authenticated: 10
  csrf:
    allowed_origins: ["https://app.example.com"]
auth:
  identities:
    - id: alice
      api_key: key-alice
      roles: [admin]
`

func TestLoadFromFileWithDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shieldgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	t.Setenv("SHIELDGATE_SECURITY_SECRET", "from-env")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Security.Secret)
	assert.True(t, cfg.Security.ReadOnly)

	require.Len(t, cfg.Security.RateLimit.Classes, 1)
	assert.Equal(t, "auth", cfg.Security.RateLimit.Classes[0].Name)
	assert.Equal(t, []string{"login", "password"}, cfg.Security.RateLimit.Classes[0].Keywords)
	assert.Equal(t, 5, cfg.Security.RateLimit.Classes[0].Anonymous)

	require.Len(t, cfg.Auth.Identities, 1)
	assert.Equal(t, "alice", cfg.Auth.Identities[0].ID)
	assert.Equal(t, []string{"admin"}, cfg.Auth.Identities[0].Roles)

	// untouched sections keep their defaults
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Equal(t, "XSRF-TOKEN", cfg.Security.CSRF.CookieName)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Security.CSRF.AllowedOrigins)
	assert.Equal(t, 3, cfg.Security.Session.MismatchThreshold)
	assert.Equal(t, "balanced", cfg.Security.Session.Mode)
	assert.Equal(t, int64(1<<20), cfg.Security.Threat.MaxBodyBytes)
	assert.True(t, cfg.Security.RateLimit.FailOpen)
	assert.False(t, cfg.Security.CSRF.FailOpen)
	assert.Contains(t, cfg.Security.PublicPaths, "/api/health")
}

func TestStageTimeout(t *testing.T) {
	var s SecurityConfig
	assert.Equal(t, 200*time.Millisecond, s.StageTimeout())
	s.StageTimeoutMs = 50
	assert.Equal(t, 50*time.Millisecond, s.StageTimeout())
}
