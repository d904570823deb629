package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	tc := DefaultTOMLConfig()
	cfg := tc.ToServerConfig()

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 3001, tc.Server.HTTPPort)
	assert.Equal(t, 500, tc.History.Capacity)
	assert.Equal(t, 30, tc.History.RecentCount)
	require.NotNil(t, tc.Auth.OneAccountPerOrigin)
	assert.True(t, *tc.Auth.OneAccountPerOrigin)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var tc TOMLConfig
	cfg := tc.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.HTTPPort, cfg.HTTPPort)
	assert.Equal(t, defaults.JWTSecret, cfg.JWTSecret)
	assert.Equal(t, defaults.TokenTTL, cfg.TokenTTL)
	assert.Equal(t, defaults.SendQueueSize, cfg.SendQueueSize)
	assert.Equal(t, defaults.PingInterval, cfg.PingInterval)
	assert.True(t, cfg.OneAccountPerOrigin)
	assert.Empty(t, cfg.DatabasePath)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
http_port = 8080
database_path = "/var/lib/chat/users.db"
trust_proxy_headers = true

[auth]
jwt_secret = "s3cret"
token_ttl_hours = 2
one_account_per_origin = false

[limits]
message_rate_limit = 5

[history]
capacity = 10

[connection]
ping_interval_seconds = 5
pong_timeout_seconds = 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tc, err := LoadConfig(path)
	require.NoError(t, err)
	cfg := tc.ToServerConfig()

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "/var/lib/chat/users.db", cfg.DatabasePath)
	assert.True(t, cfg.TrustProxyHeaders)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.False(t, cfg.OneAccountPerOrigin)
	assert.Equal(t, 5, cfg.MessageRateLimit)
	assert.Equal(t, 10, cfg.HistoryCapacity)
	assert.Equal(t, 30, cfg.RecentCount)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 8*time.Second, cfg.PongTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.False(t, cfg.UsesDefaultSecret())
}

func TestLoadConfigWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	tc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Server.HTTPPort, tc.Server.HTTPPort)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), again.ToServerConfig())
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nhttp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"JWT_SECRET":    "from-env",
		"PORT":          "9000",
		"DATABASE_PATH": "/tmp/users.db",
	}

	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "/tmp/users.db", cfg.DatabasePath)

	env["PORT"] = "not-a-port"
	assert.Error(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.UsesDefaultSecret())

	bad := DefaultConfig()
	bad.JWTSecret = ""
	bad.PingInterval = time.Minute
	bad.PongTimeout = time.Second
	bad.SendQueueSize = 0

	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
	assert.Contains(t, err.Error(), "ping interval")
	assert.Contains(t, err.Error(), "send queue")
}
