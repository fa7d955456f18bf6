// Package config loads gateway configuration from a YAML file with
// environment-variable overrides. A .env file is honored when present so
// local development matches the container environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backbone BackboneConfig `yaml:"backbone"`
	Registry RegistryConfig `yaml:"registry"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Limits   LimitsConfig   `yaml:"limits"`
	Store    StoreConfig    `yaml:"store"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	NodeID         string   `yaml:"node_id"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type BackboneConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type RegistryConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	ConnectionTTL time.Duration `yaml:"connection_ttl"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type AuthConfig struct {
	TokenSecret  string        `yaml:"token_secret"`
	JWKSURL      string        `yaml:"jwks_url"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	AllowedAlgs  []string      `yaml:"allowed_algs"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig points at the external control plane holding tenant and
// credential records.
type StoreConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type LimitsConfig struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	FrameBurst      int     `yaml:"frame_burst"`
	SendBuffer      int     `yaml:"send_buffer"`
	MaxFrameBytes   int64   `yaml:"max_frame_bytes"`
}

// Load reads the YAML file at path ("" skips the file), applies
// environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "GATEWAY_ENV")
	setStr(&c.Server.NodeID, "GATEWAY_NODE_ID")
	if v := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitTrim(v)
	}

	setStr(&c.Backbone.URL, "NATS_URL")
	setStr(&c.Backbone.Username, "NATS_USERNAME")
	setStr(&c.Backbone.Password, "NATS_PASSWORD")

	setStr(&c.Registry.Addr, "REDIS_ADDR")
	setStr(&c.Registry.Password, "REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.DB = n
		}
	}

	setStr(&c.Auth.TokenSecret, "AUTH_TOKEN_SECRET")
	setStr(&c.Auth.JWKSURL, "AUTH_JWKS_URL")
	setStr(&c.Auth.Issuer, "AUTH_ISSUER")
	setStr(&c.Auth.Audience, "AUTH_AUDIENCE")
	if v := os.Getenv("AUTH_ALLOWED_ALGS"); v != "" {
		c.Auth.AllowedAlgs = splitTrim(v)
	}

	setStr(&c.Store.URL, "SUPABASE_URL")
	setStr(&c.Store.ServiceKey, "SUPABASE_SERVICE_KEY")

	setDur(&c.Presence.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	setDur(&c.Presence.HeartbeatTimeout, "HEARTBEAT_TIMEOUT")
	setDur(&c.Presence.CleanupInterval, "CLEANUP_INTERVAL")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.NodeID == "" {
		// Each process gets a distinct identity unless pinned by the operator.
		c.Server.NodeID = "node-" + uuid.NewString()[:8]
	}

	if c.Backbone.URL == "" {
		c.Backbone.URL = "nats://127.0.0.1:4222"
	}
	if c.Backbone.ReconnectWait == 0 {
		c.Backbone.ReconnectWait = 2 * time.Second
	}
	if c.Backbone.PublishTimeout == 0 {
		c.Backbone.PublishTimeout = 5 * time.Second
	}

	if c.Registry.Addr == "" {
		c.Registry.Addr = "127.0.0.1:6379"
	}
	if c.Registry.KeyPrefix == "" {
		c.Registry.KeyPrefix = "gw:"
	}
	if c.Registry.ConnectionTTL == 0 {
		c.Registry.ConnectionTTL = 24 * time.Hour
	}
	if c.Registry.WriteTimeout == 0 {
		c.Registry.WriteTimeout = 10 * time.Second
	}

	if len(c.Auth.AllowedAlgs) == 0 {
		c.Auth.AllowedAlgs = []string{"HS256", "RS256", "ES256"}
	}
	if c.Auth.ChallengeTTL == 0 {
		c.Auth.ChallengeTTL = 5 * time.Minute
	}
	if c.Auth.JWKSCacheTTL == 0 {
		c.Auth.JWKSCacheTTL = time.Hour
	}

	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = 30 * time.Second
	}
	if c.Presence.HeartbeatTimeout == 0 {
		c.Presence.HeartbeatTimeout = 90 * time.Second
	}
	if c.Presence.CleanupInterval == 0 {
		c.Presence.CleanupInterval = 60 * time.Second
	}

	if c.Limits.FramesPerSecond == 0 {
		c.Limits.FramesPerSecond = 50
	}
	if c.Limits.FrameBurst == 0 {
		c.Limits.FrameBurst = 100
	}
	if c.Limits.SendBuffer == 0 {
		c.Limits.SendBuffer = 256
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = 512 * 1024
	}
}

func (c *Config) validate() error {
	if c.Presence.HeartbeatTimeout <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Presence.HeartbeatTimeout, c.Presence.HeartbeatInterval)
	}
	if c.Auth.TokenSecret == "" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth requires token_secret or jwks_url")
	}
	return nil
}

// IsProduction reports whether the gateway runs with production hardening
// (origin allowlist enforced, permissive defaults disabled).
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
