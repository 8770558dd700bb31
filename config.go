package roomio

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents server configuration
type Config struct {
	// AckTimeout applies to EmitWithAck calls made without an explicit Timeout.
	// Zero means acknowledgments wait until a reply or disconnect.
	AckTimeout time.Duration

	// ConnectTimeout bounds the middleware chain of a single admission
	ConnectTimeout time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64

	// AllowedOrigins lists origins accepted at upgrade time; "*" allows any
	AllowedOrigins    []string
	EnableCompression bool

	// PreserveSessionID lets a reconnecting client reclaim its sid
	PreserveSessionID bool

	Logger         *slog.Logger
	AdapterFactory func(*Namespace) Adapter
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 45 * time.Second,
		PingInterval:   25 * time.Second,
		PingTimeout:    20 * time.Second,
		MaxPayload:     1e6,
		AllowedOrigins: []string{"*"},
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.AckTimeout < 0 {
		c.AckTimeout = 0
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	} else {
		c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AdapterFactory == nil {
		c.AdapterFactory = func(*Namespace) Adapter { return NewMemoryAdapter() }
	}
	return c
}

// ConfigFromEnv builds a Config from ROOMIO_* environment variables.
// Unset or invalid values fall back to the defaults.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.AckTimeout = envDuration("ROOMIO_ACK_TIMEOUT", cfg.AckTimeout)
	cfg.ConnectTimeout = envDuration("ROOMIO_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.PingInterval = envDuration("ROOMIO_PING_INTERVAL", cfg.PingInterval)
	cfg.PingTimeout = envDuration("ROOMIO_PING_TIMEOUT", cfg.PingTimeout)

	if v := os.Getenv("ROOMIO_MAX_PAYLOAD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxPayload = n
		}
	}
	if v := os.Getenv("ROOMIO_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	cfg.EnableCompression = envBool("ROOMIO_COMPRESSION", cfg.EnableCompression)
	cfg.PreserveSessionID = envBool("ROOMIO_PRESERVE_SID", cfg.PreserveSessionID)

	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	// bare integers are milliseconds
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
