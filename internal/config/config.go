// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is populated by envdecode; defaults are provided via struct tags.
type Config struct {
	Addr      string `env:"MCP_ADDR,default=127.0.0.1:3000"`
	MountPath string `env:"MCP_MOUNT_PATH,default=/mcp"`

	KeepAlive          time.Duration `env:"MCP_KEEPALIVE_INTERVAL,default=15s"`
	SessionIdleTimeout time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=5m"`
	MaxSessions        int           `env:"MCP_MAX_SESSIONS,default=10000"`
	InboundQueueSize   int           `env:"MCP_INBOUND_QUEUE_SIZE,default=64"`
	ShutdownGrace      time.Duration `env:"MCP_SHUTDOWN_GRACE,default=10s"`

	// RedisAddr selects the Redis Streams broker when set; otherwise events
	// are kept in memory.
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"MCP_REDIS_KEY_PREFIX,default=mcp:sse:"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// GreetingData is the host state shown by /hello and the say_hello tool.
	GreetingData string `env:"HOST_GREETING_DATA,default=XXX"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("MCP_ADDR must not be empty")
	case !strings.HasPrefix(c.MountPath, "/"):
		return fmt.Errorf("MCP_MOUNT_PATH must start with '/', got %q", c.MountPath)
	case c.KeepAlive < 0:
		return fmt.Errorf("MCP_KEEPALIVE_INTERVAL must not be negative, got %s", c.KeepAlive)
	case c.SessionIdleTimeout <= 0:
		return fmt.Errorf("MCP_SESSION_IDLE_TIMEOUT must be positive, got %s", c.SessionIdleTimeout)
	case c.MaxSessions < 0:
		return fmt.Errorf("MCP_MAX_SESSIONS must not be negative, got %d", c.MaxSessions)
	case c.InboundQueueSize <= 0:
		return fmt.Errorf("MCP_INBOUND_QUEUE_SIZE must be positive, got %d", c.InboundQueueSize)
	case c.ShutdownGrace <= 0:
		return fmt.Errorf("MCP_SHUTDOWN_GRACE must be positive, got %s", c.ShutdownGrace)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}
