package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/tandem/internal/session"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
instance_name: "prod"
redis_url: "redis://cache:6379/2"
sequencer:
  message_timeout: 5s
  ack_timeout_multiplier: 3
  message_max_age: 30s
session:
  takeover: concurrent
  strict_validation: true
  redirect_url: "https://app.example.com/projects"
gateway:
  listen: ":9000"
  ping_interval: 5s
  auto_close_timeout: 20s
  disconnect_grace: 10s
  allowed_origins: ["https://app.example.com"]
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", config.InstanceName)
	assert.Equal(t, 5*time.Second, config.Sequencer.MessageTimeout)
	assert.Equal(t, 3, config.Sequencer.AckTimeoutMultiplier)
	assert.Equal(t, 30*time.Second, config.Sequencer.MessageMaxAge)
	assert.True(t, config.Session.StrictValidation)
	assert.Equal(t, ":9000", config.Gateway.Listen)
	assert.Equal(t, 10*time.Second, config.Gateway.DisconnectGrace)
	assert.Equal(t, []string{"https://app.example.com"}, config.Gateway.AllowedOrigins)

	// Sections left out are defaulted.
	assert.Equal(t, 24*time.Hour, config.Store.TTL)
	assert.Equal(t, ":8081", config.Health.Listen)

	opts, err := config.RedisOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/tandem.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
gateway:
  - this is invalid
    yaml syntax
`)

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, "redis://localhost:6379", config.RedisURL)
	assert.Equal(t, ":8080", config.Gateway.Listen)
	assert.Equal(t, "single", config.Session.Takeover)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvInstanceName, "from-env")
	t.Setenv(EnvRedisURL, "redis://other:6380")
	t.Setenv(EnvJWTSecret, "s3cret")

	path := writeConfig(t, `version: "1.0"
instance_name: "from-file"
redis_url: "redis://cache:6379"
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.InstanceName)
	assert.Equal(t, "redis://other:6380", config.RedisURL)
	assert.Equal(t, "s3cret", config.Gateway.JWTSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *TandemConfig)
		wantErr string
	}{
		{"defaults are valid", func(c *TandemConfig) {}, ""},
		{"unsupported version", func(c *TandemConfig) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"bad instance name", func(c *TandemConfig) { c.InstanceName = "Prod_1" }, "invalid instance_name"},
		{"bad queue name", func(c *TandemConfig) { c.Broker.QueueName = "node:*" }, "invalid broker.queue_name"},
		{"bad redis url", func(c *TandemConfig) { c.RedisURL = "http://nope" }, "invalid redis_url"},
		{"bad takeover policy", func(c *TandemConfig) { c.Session.Takeover = "steal" }, "invalid session.takeover"},
		{"zero ack multiplier is defaulted", func(c *TandemConfig) { c.Sequencer.AckTimeoutMultiplier = 0 }, ""},
		{"negative ack multiplier", func(c *TandemConfig) { c.Sequencer.AckTimeoutMultiplier = -1 }, "ack_timeout_multiplier must be >= 1"},
		{"negative message timeout", func(c *TandemConfig) { c.Sequencer.MessageTimeout = -time.Second }, "message_timeout must be positive"},
		{"negative dead letter attempts", func(c *TandemConfig) { c.Sequencer.DeadLetterMaxAttempts = -1 }, "dead_letter_max_attempts"},
		{"relative redirect url", func(c *TandemConfig) { c.Session.RedirectURL = "projects" }, "invalid session.redirect_url"},
		{"negative grace", func(c *TandemConfig) { c.Gateway.DisconnectGrace = -time.Second }, "must not be negative"},
		{"auto close shorter than ping", func(c *TandemConfig) {
			c.Gateway.PingInterval = 10 * time.Second
			c.Gateway.AutoCloseTimeout = 5 * time.Second
		}, "auto_close_timeout"},
		{"shared listen address", func(c *TandemConfig) { c.Health.Listen = c.Gateway.Listen }, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestComponentOptions(t *testing.T) {
	config := Default()
	config.InstanceName = "prod"
	config.Session.Takeover = "concurrent"
	config.Session.RedirectURL = "https://app.example.com/projects"
	config.Gateway.JWTSecret = "s3cret"
	config.Broker.QueueName = "node-a"
	require.NoError(t, config.Validate())

	assert.Equal(t, "prod", config.BrokerOptions().InstanceName)
	assert.Equal(t, "node-a", config.BrokerOptions().QueueName)

	seq := config.SequencerOptions()
	assert.Equal(t, 10*time.Second, seq.MessageTimeout)
	assert.Equal(t, 2, seq.AckTimeoutMultiplier)

	sess := config.SessionOptions()
	assert.IsType(t, session.ConcurrentSessionPolicy{}, sess.Takeover)
	assert.Equal(t, "https://app.example.com/projects", sess.RedirectURL)

	gw := config.GatewayOptions()
	assert.Equal(t, "s3cret", gw.JWTSecret)
	assert.Equal(t, "https://app.example.com/projects", gw.RedirectURL)
}
