// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the gateway process configuration. Defaults are provided via
// struct tags.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// Broker selects the cross-process fan-out: memory, redis or nats.
	Broker         string `env:"BROKER,default=memory"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=gateway:"`
	NATSURL        string `env:"NATS_URL,default=nats://127.0.0.1:4222"`

	// Store selects persistence: memory, postgres or sqlite.
	Store       string `env:"STORE,default=memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH,default=gateway.db"`

	// BackendSecretFile, when set, takes precedence over BackendSecret and
	// is reloaded on change.
	BackendSecret     string `env:"BACKEND_SECRET"`
	BackendSecretFile string `env:"BACKEND_SECRET_FILE"`

	JWTIssuer     string `env:"JWT_ISSUER"`
	JWTAudience   string `env:"JWT_AUDIENCE"`
	JWTJWKSURI    string `env:"JWT_JWKS_URI"`
	SessionCookie string `env:"SESSION_COOKIE,default=session"`

	// AllowedOrigins is a comma separated list. Empty allows any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	// CancelStorage selects where stop signals live: redis or memory. When
	// unset it follows BROKER, using Redis only for BROKER=redis. ENV: CANCEL_STORAGE
	CancelStorage   string        `env:"CANCEL_STORAGE"`
	CancelSignalTTL time.Duration `env:"CANCEL_SIGNAL_TTL,default=10m"`
}

// Load reads an optional .env file and then decodes the environment.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills the tag defaults for callers that build a Config by
// hand or when decoding set nothing.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Broker == "" {
		c.Broker = "memory"
	}
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "gateway:"
	}
	if c.NATSURL == "" {
		c.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "gateway.db"
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "session"
	}
	if c.CancelSignalTTL <= 0 {
		c.CancelSignalTTL = 10 * time.Minute
	}
}

// Validate checks enumerated settings and their dependencies.
func (c *Config) Validate() error {
	switch c.Broker {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("config: unknown BROKER %q", c.Broker)
	}
	switch c.Store {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	switch c.CancelStorage {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unknown CANCEL_STORAGE %q", c.CancelStorage)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// CancelBackend resolves CancelStorage to redis or memory. Signals kept in
// memory are invisible to agent workers outside this process.
func (c *Config) CancelBackend() string {
	if c.CancelStorage != "" {
		return c.CancelStorage
	}
	if c.Broker == "redis" {
		return "redis"
	}
	return "memory"
}

// Origins splits AllowedOrigins.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// Audiences splits JWTAudience.
func (c *Config) Audiences() []string {
	return splitList(c.JWTAudience)
}

// JWTEnabled reports whether enough is configured to verify account tokens.
func (c *Config) JWTEnabled() bool {
	return c.JWTIssuer != "" || c.JWTJWKSURI != ""
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown LOG_LEVEL %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
