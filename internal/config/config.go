// Package config loads remixd configuration from the environment.
package config

import (
	"fmt"
	"time"
)

// Config is an immutable snapshot of the daemon configuration. It is built
// once at startup and passed explicitly to constructors.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string

	// LogLevel is the zerolog level name ("debug", "info", ...).
	LogLevel string

	// RedisAddr, RedisPassword and RedisDB configure the session store client.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SessionTTL is the expiry window applied to a session record at creation.
	SessionTTL time.Duration

	// StoreTimeout bounds each individual session store operation.
	StoreTimeout time.Duration

	// CodeLength is the number of letters in a generated session code.
	CodeLength int

	// SendBuffer is the per-connection outbound queue size; a full queue
	// drops the event for that peer rather than stalling the session.
	SendBuffer int

	// APIRateLimit is the per-IP request budget per minute on the REST surface.
	APIRateLimit int
}

// FromEnv builds a Config from REMIXD_* environment variables with defaults.
func FromEnv() Config {
	return Config{
		ListenAddr:    ParseString("REMIXD_LISTEN", ":8080"),
		LogLevel:      ParseString("REMIXD_LOG_LEVEL", "info"),
		RedisAddr:     ParseString("REMIXD_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("REMIXD_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("REMIXD_REDIS_DB", 0),
		SessionTTL:    ParseDuration("REMIXD_SESSION_TTL", 24*time.Hour),
		StoreTimeout:  ParseDuration("REMIXD_STORE_TIMEOUT", 3*time.Second),
		CodeLength:    ParseInt("REMIXD_CODE_LENGTH", 4),
		SendBuffer:    ParseInt("REMIXD_SEND_BUFFER", 32),
		APIRateLimit:  ParseInt("REMIXD_API_RATE_LIMIT", 120),
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	if c.CodeLength < 4 {
		return fmt.Errorf("code length must be at least 4, got %d", c.CodeLength)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	return nil
}
