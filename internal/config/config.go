package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/internal/gateway"
	"github.com/dyluth/tandem/internal/sequencer"
	"github.com/dyluth/tandem/internal/session"
)

// Environment overrides, applied after the file is read.
const (
	EnvInstanceName = "TANDEM_INSTANCE_NAME"
	EnvRedisURL     = "REDIS_URL"
	EnvJWTSecret    = "TANDEM_JWT_SECRET"
)

// TandemConfig represents the top-level tandem.yml configuration
type TandemConfig struct {
	Version      string           `yaml:"version"`
	InstanceName string           `yaml:"instance_name"`
	RedisURL     string           `yaml:"redis_url"`
	Store        *StoreConfig     `yaml:"store,omitempty"`
	Broker       *BrokerConfig    `yaml:"broker,omitempty"`
	Sequencer    *SequencerConfig `yaml:"sequencer,omitempty"`
	Session      *SessionConfig   `yaml:"session,omitempty"`
	Gateway      *GatewayConfig   `yaml:"gateway,omitempty"`
	Health       *HealthConfig    `yaml:"health,omitempty"`
}

// StoreConfig tunes the shared state store
type StoreConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty"` // Idle project state expires after this (default 24h)
}

// BrokerConfig tunes the broker transport
type BrokerConfig struct {
	QueueName         string        `yaml:"queue_name,omitempty"` // Default: random per process
	ReadBlock         time.Duration `yaml:"read_block,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial,omitempty"`
	ReconnectMax      time.Duration `yaml:"reconnect_max,omitempty"`
}

// SequencerConfig tunes the per-project queues
type SequencerConfig struct {
	MessageTimeout        time.Duration `yaml:"message_timeout,omitempty"`
	AckTimeoutMultiplier  int           `yaml:"ack_timeout_multiplier,omitempty"`
	MessageMaxAge         time.Duration `yaml:"message_max_age,omitempty"`
	DeadLetterMaxAge      time.Duration `yaml:"dead_letter_max_age,omitempty"`
	DeadLetterRetryDelay  time.Duration `yaml:"dead_letter_retry_delay,omitempty"`
	DeadLetterMaxAttempts int           `yaml:"dead_letter_max_attempts,omitempty"`
}

// SessionConfig tunes session admission
type SessionConfig struct {
	Takeover         string        `yaml:"takeover,omitempty"` // "single" (default) or "concurrent"
	StrictValidation bool          `yaml:"strict_validation,omitempty"`
	RedirectURL      string        `yaml:"redirect_url,omitempty"`
	BusyRetryAfter   time.Duration `yaml:"busy_retry_after,omitempty"`
}

// GatewayConfig tunes the socket gateway
type GatewayConfig struct {
	Listen           string        `yaml:"listen,omitempty"` // Default ":8080"
	PingInterval     time.Duration `yaml:"ping_interval,omitempty"`
	AutoCloseTimeout time.Duration `yaml:"auto_close_timeout,omitempty"`
	DisconnectGrace  time.Duration `yaml:"disconnect_grace,omitempty"`
	ResponseTimeout  time.Duration `yaml:"response_timeout,omitempty"`
	AllowedOrigins   []string      `yaml:"allowed_origins,omitempty"`
	JWTSecret        string        `yaml:"jwt_secret,omitempty"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes,omitempty"`
}

// HealthConfig places the health endpoint
type HealthConfig struct {
	Listen string `yaml:"listen,omitempty"` // Default ":8081"
}

// Default returns a configuration with every section present and defaulted.
func Default() *TandemConfig {
	c := &TandemConfig{Version: "1.0"}
	c.applyDefaults()
	return c
}

func (c *TandemConfig) applyDefaults() {
	if c.InstanceName == "" {
		c.InstanceName = "default"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379"
	}
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = 24 * time.Hour
	}
	if c.Broker == nil {
		c.Broker = &BrokerConfig{}
	}
	if c.Sequencer == nil {
		c.Sequencer = &SequencerConfig{}
	}
	if c.Sequencer.MessageTimeout == 0 {
		c.Sequencer.MessageTimeout = 10 * time.Second
	}
	if c.Sequencer.AckTimeoutMultiplier == 0 {
		c.Sequencer.AckTimeoutMultiplier = 2
	}
	if c.Sequencer.MessageMaxAge == 0 {
		c.Sequencer.MessageMaxAge = time.Minute
	}
	if c.Session == nil {
		c.Session = &SessionConfig{}
	}
	if c.Session.Takeover == "" {
		c.Session.Takeover = "single"
	}
	if c.Gateway == nil {
		c.Gateway = &GatewayConfig{}
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8080"
	}
	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.Listen == "" {
		c.Health.Listen = ":8081"
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *TandemConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if err := ValidateName("instance_name", c.InstanceName); err != nil {
		return err
	}
	if c.Broker.QueueName != "" {
		if err := ValidateName("broker.queue_name", c.Broker.QueueName); err != nil {
			return err
		}
	}

	if _, err := redis.ParseURL(c.RedisURL); err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl must be >= 0, got %s", c.Store.TTL)
	}

	if c.Sequencer.MessageTimeout < 0 {
		return fmt.Errorf("sequencer.message_timeout must be positive, got %s", c.Sequencer.MessageTimeout)
	}
	if c.Sequencer.AckTimeoutMultiplier < 1 {
		return fmt.Errorf("sequencer.ack_timeout_multiplier must be >= 1, got %d", c.Sequencer.AckTimeoutMultiplier)
	}
	if c.Sequencer.MessageMaxAge < 0 {
		return fmt.Errorf("sequencer.message_max_age must be positive, got %s", c.Sequencer.MessageMaxAge)
	}
	if c.Sequencer.DeadLetterMaxAttempts < 0 {
		return fmt.Errorf("sequencer.dead_letter_max_attempts must be >= 0, got %d", c.Sequencer.DeadLetterMaxAttempts)
	}

	if _, ok := session.PolicyByName(c.Session.Takeover); !ok {
		return fmt.Errorf("invalid session.takeover: %s (must be 'single' or 'concurrent')", c.Session.Takeover)
	}
	if c.Session.RedirectURL != "" {
		if _, err := url.ParseRequestURI(c.Session.RedirectURL); err != nil {
			return fmt.Errorf("invalid session.redirect_url: %w", err)
		}
	}

	g := c.Gateway
	if g.PingInterval < 0 || g.AutoCloseTimeout < 0 || g.DisconnectGrace < 0 || g.ResponseTimeout < 0 {
		return fmt.Errorf("gateway timeouts must not be negative")
	}
	if g.PingInterval > 0 && g.AutoCloseTimeout > 0 && g.AutoCloseTimeout <= g.PingInterval {
		return fmt.Errorf("gateway.auto_close_timeout (%s) must exceed gateway.ping_interval (%s)", g.AutoCloseTimeout, g.PingInterval)
	}

	if c.Health.Listen == g.Listen {
		return fmt.Errorf("health.listen and gateway.listen must differ (both %s)", g.Listen)
	}

	return nil
}

// Load reads tandem.yml from the specified path, applies environment
// overrides and validates the result. An empty path uses defaults plus the
// environment.
func Load(path string) (*TandemConfig, error) {
	config := TandemConfig{Version: "1.0"}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		config = TandemConfig{}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *TandemConfig) applyEnv() {
	if v := os.Getenv(EnvInstanceName); v != "" {
		c.InstanceName = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.JWTSecret = v
	}
}

// RedisOptions parses the Redis URL.
func (c *TandemConfig) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	return opts, nil
}

// BrokerOptions returns the transport configuration.
func (c *TandemConfig) BrokerOptions() broker.Config {
	return broker.Config{
		InstanceName:             c.InstanceName,
		QueueName:                c.Broker.QueueName,
		ReadBlock:                c.Broker.ReadBlock,
		HeartbeatInterval:        c.Broker.HeartbeatInterval,
		ReconnectInitialInterval: c.Broker.ReconnectInitial,
		ReconnectMaxInterval:     c.Broker.ReconnectMax,
	}
}

// SequencerOptions returns the sequencer configuration.
func (c *TandemConfig) SequencerOptions() sequencer.Config {
	return sequencer.Config{
		InstanceName:          c.InstanceName,
		MessageTimeout:        c.Sequencer.MessageTimeout,
		AckTimeoutMultiplier:  c.Sequencer.AckTimeoutMultiplier,
		MessageMaxAge:         c.Sequencer.MessageMaxAge,
		DeadLetterMaxAge:      c.Sequencer.DeadLetterMaxAge,
		DeadLetterRetryDelay:  c.Sequencer.DeadLetterRetryDelay,
		DeadLetterMaxAttempts: c.Sequencer.DeadLetterMaxAttempts,
	}
}

// SessionOptions returns the session manager configuration.
func (c *TandemConfig) SessionOptions() session.Config {
	policy, _ := session.PolicyByName(c.Session.Takeover)
	return session.Config{
		InstanceName:     c.InstanceName,
		Takeover:         policy,
		StrictValidation: c.Session.StrictValidation,
		RedirectURL:      c.Session.RedirectURL,
		BusyRetryAfter:   c.Session.BusyRetryAfter,
	}
}

// GatewayOptions returns the socket gateway configuration.
func (c *TandemConfig) GatewayOptions() gateway.Config {
	return gateway.Config{
		InstanceName:     c.InstanceName,
		PingInterval:     c.Gateway.PingInterval,
		AutoCloseTimeout: c.Gateway.AutoCloseTimeout,
		DisconnectGrace:  c.Gateway.DisconnectGrace,
		ResponseTimeout:  c.Gateway.ResponseTimeout,
		RedirectURL:      c.Session.RedirectURL,
		AllowedOrigins:   c.Gateway.AllowedOrigins,
		JWTSecret:        c.Gateway.JWTSecret,
		MaxMessageBytes:  c.Gateway.MaxMessageBytes,
	}
}
