// Package config loads the connection core's configuration from
// environment variables (with an optional .env file for local dev),
// validates it, and renders it for startup logs — the same shape as the
// teacher's config.go, extended with the timeouts and external-service
// addresses this spec's components need.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	WSAddr       string `env:"WS_ADDR" envDefault:":8080"`
	EndpointAddr string `env:"ENDPOINT_ADDR" envDefault:":8081"`
	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9090"`

	// Node identity, used in User.node_id and the cross-node notify path
	// (§4.4.6). Must be reachable from sibling connection nodes.
	NodeID string `env:"NODE_ID" envDefault:"http://localhost:8081"`

	// Required record_version floor (§4.4.1 existing-user processing).
	CurrentRecordVersion int `env:"CURRENT_RECORD_VERSION" envDefault:"1"`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"20000"`

	// Protocol timeouts (§4.4.1, §4.5, §5)
	OpenHandshakeTimeout time.Duration `env:"OPEN_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	AutoPingInterval     time.Duration `env:"AUTO_PING_INTERVAL" envDefault:"30s"`
	AutoPingTimeout      time.Duration `env:"AUTO_PING_TIMEOUT" envDefault:"10s"`
	CloseHandshakeTimeout time.Duration `env:"CLOSE_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	// MinPingInterval is validated and logged only; pcsm.HandlePing
	// applies a fixed 45s floor (§4.4.2 Ping, §9) and does not read it.
	MinPingInterval      time.Duration `env:"MIN_PING_INTERVAL" envDefault:"45s"`

	// Storage-loop batch limits (§4.4.4). Not read by the PCSM, whose
	// storage loop uses fixed limits of 11 (topic) and 10 (timestamp).
	TopicMessageLimit     int `env:"TOPIC_MESSAGE_LIMIT" envDefault:"11"`
	TimestampMessageLimit int `env:"TIMESTAMP_MESSAGE_LIMIT" envDefault:"10"`
	MsgLimit              int `env:"MSG_LIMIT" envDefault:"100"` // §4.4.4 step 5 uaid-reset guard

	// Redis-backed store (internal/store/redisstore)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Broadcast source (§6 "Broadcast source (internal HTTP out)")
	BroadcastPollURL      string        `env:"BROADCAST_POLL_URL" envDefault:""`
	BroadcastPollToken    string        `env:"BROADCAST_POLL_TOKEN" envDefault:""`
	BroadcastPollInterval time.Duration `env:"BROADCAST_POLL_INTERVAL" envDefault:"60s"`

	// Off-cycle broadcast refresh hint (SPEC_FULL ambient addition)
	NATSURL              string `env:"NATS_URL" envDefault:""`
	NATSBroadcastSubject string `env:"NATS_BROADCAST_SUBJECT" envDefault:"broadcast.changed"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file (optional) and the
// environment. Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.WSAddr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MinPingInterval < 0 {
		return fmt.Errorf("MIN_PING_INTERVAL must be >= 0, got %s", c.MinPingInterval)
	}
	if c.AutoPingInterval <= 0 || c.AutoPingTimeout <= 0 {
		return fmt.Errorf("AUTO_PING_INTERVAL and AUTO_PING_TIMEOUT must be > 0")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs configuration for debugging in a human-readable format.
func (c *Config) Print() {
	fmt.Println("=== connd configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("WS Address:      %s\n", c.WSAddr)
	fmt.Printf("Endpoint Addr:   %s\n", c.EndpointAddr)
	fmt.Printf("Node ID:         %s\n", c.NodeID)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Printf("Redis:           %s/%d\n", c.RedisAddr, c.RedisDB)
	fmt.Printf("Broadcast poll:  %s (every %s)\n", c.BroadcastPollURL, c.BroadcastPollInterval)
	fmt.Printf("Log:             %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("ws_addr", c.WSAddr).
		Str("endpoint_addr", c.EndpointAddr).
		Str("node_id", c.NodeID).
		Int("max_connections", c.MaxConnections).
		Dur("open_handshake_timeout", c.OpenHandshakeTimeout).
		Dur("auto_ping_interval", c.AutoPingInterval).
		Dur("auto_ping_timeout", c.AutoPingTimeout).
		Dur("min_ping_interval", c.MinPingInterval).
		Str("redis_addr", c.RedisAddr).
		Str("broadcast_poll_url", c.BroadcastPollURL).
		Dur("broadcast_poll_interval", c.BroadcastPollInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("connd configuration loaded")
}
