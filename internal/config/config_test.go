package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.NotEmpty(t, cfg.Server.NodeID)
	assert.Equal(t, 2*time.Second, cfg.Backbone.ReconnectWait)
	assert.Equal(t, 24*time.Hour, cfg.Registry.ConnectionTTL)
	assert.Equal(t, 90*time.Second, cfg.Presence.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, cfg.Presence.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.Auth.ChallengeTTL)
	assert.Equal(t, time.Hour, cfg.Auth.JWKSCacheTTL)
	assert.Equal(t, []string{"HS256", "RS256", "ES256"}, cfg.Auth.AllowedAlgs)
	assert.False(t, cfg.IsProduction())
}

func TestYAMLFile(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := []byte(`
server:
  port: "9090"
  env: production
  node_id: node-a
backbone:
  url: nats://bus:4222
registry:
  addr: redis:6379
  connection_ttl: 1h
presence:
  heartbeat_timeout: 2m
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, "nats://bus:4222", cfg.Backbone.URL)
	assert.Equal(t, time.Hour, cfg.Registry.ConnectionTTL)
	assert.Equal(t, 2*time.Minute, cfg.Presence.HeartbeatTimeout)
	assert.True(t, cfg.IsProduction())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("PORT", "7000")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("HEARTBEAT_TIMEOUT", "3m")
	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "nats://env:4222", cfg.Backbone.URL)
	assert.Equal(t, 3*time.Minute, cfg.Presence.HeartbeatTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
}

func TestValidation(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("HEARTBEAT_TIMEOUT", "10s")
	t.Setenv("HEARTBEAT_INTERVAL", "30s")

	_, err := Load("")
	assert.Error(t, err)
}

func TestRequiresSomeTokenKey(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "")
	t.Setenv("AUTH_JWKS_URL", "")

	_, err := Load("")
	assert.Error(t, err)
}
