// Package config loads gateway configuration from the environment.
//
// Every knob has a default suitable for local development; a .env file in the
// working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete gateway configuration.
type Config struct {
	ListenAddr string

	// Redis (quota counters + idempotency entries)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Admission quotas
	PerClientDailyLimit int64
	GlobalDailyLimit    int64
	ResetTimeZone       string

	// Upstream analysis backend
	UpstreamBaseURL     string
	UpstreamAPIKey      string
	UpstreamModel       string
	UpstreamTimeout     time.Duration
	UpstreamMaxAttempts int
	UpstreamBackoffBase time.Duration
	BreakerEnabled      bool

	// Store access and caching
	StoreTimeout     time.Duration
	IdempotencyTTL   time.Duration
	MaxResponseBytes int64

	// Logging
	LogLevel string
	LogFile  string

	ShutdownTimeout time.Duration

	loc *time.Location
}

// Load reads configuration from the environment, honoring a .env file if one
// exists, and validates the result.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:          envString("GATEWAY_LISTEN_ADDR", ":8080"),
		RedisAddr:           envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       envString("REDIS_PASSWORD", ""),
		RedisDB:             envInt("REDIS_DB", 0),
		RedisPoolSize:       envInt("REDIS_POOL_SIZE", 10),
		PerClientDailyLimit: int64(envInt("QUOTA_PER_CLIENT_DAILY", 50)),
		GlobalDailyLimit:    int64(envInt("QUOTA_GLOBAL_DAILY", 1000)),
		ResetTimeZone:       envString("QUOTA_RESET_TIMEZONE", "UTC"),
		UpstreamBaseURL:     envString("UPSTREAM_BASE_URL", "https://api.groq.com"),
		UpstreamAPIKey:      envString("GROQ_API_KEY", ""),
		UpstreamModel:       envString("UPSTREAM_MODEL", "llama-3.3-70b-versatile"),
		UpstreamTimeout:     envSeconds("UPSTREAM_TIMEOUT_SECONDS", 8),
		UpstreamMaxAttempts: envInt("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamBackoffBase: envSeconds("UPSTREAM_BACKOFF_BASE_SECONDS", 1),
		BreakerEnabled:      envBool("UPSTREAM_BREAKER_ENABLED", false),
		StoreTimeout:        envSeconds("STORE_TIMEOUT_SECONDS", 2),
		IdempotencyTTL:      envSeconds("IDEMPOTENCY_TTL_SECONDS", 86400),
		MaxResponseBytes:    int64(envInt("MAX_RESPONSE_SIZE_BYTES", 1<<20)),
		LogLevel:            envString("LOG_LEVEL", "info"),
		LogFile:             envString("LOG_FILE", ""),
		ShutdownTimeout:     envSeconds("SHUTDOWN_TIMEOUT_SECONDS", 15),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants and resolves the reset time zone.
func (c *Config) Validate() error {
	if c.PerClientDailyLimit <= 0 {
		return fmt.Errorf("config: per-client daily limit must be positive, got %d", c.PerClientDailyLimit)
	}
	if c.GlobalDailyLimit <= 0 {
		return fmt.Errorf("config: global daily limit must be positive, got %d", c.GlobalDailyLimit)
	}
	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("config: upstream max attempts must be at least 1, got %d", c.UpstreamMaxAttempts)
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("config: max response size must be positive, got %d", c.MaxResponseBytes)
	}
	if c.RedisPoolSize <= 0 {
		return fmt.Errorf("config: redis pool size must be positive, got %d", c.RedisPoolSize)
	}
	loc, err := time.LoadLocation(c.ResetTimeZone)
	if err != nil {
		return fmt.Errorf("config: invalid reset time zone %q: %w", c.ResetTimeZone, err)
	}
	c.loc = loc
	return nil
}

// ResetLocation returns the time zone the daily quota window resets in.
// Validate must have been called first; falls back to UTC otherwise.
func (c *Config) ResetLocation() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
