// Package config loads the coordination toolkit configuration from
// environment variables with sensible defaults, and validates it before any
// component is built.
//
// Environment Variables:
//
// Application Settings:
//   - APP_KEY_PREFIX: First segment of every store key (default: coordkit)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Log file path, stdout when empty
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_TIMEOUT: Dial and command timeout (default: 5s)
//   - REDIS_RETRY_MAX: Extra connection attempts at startup (default: 3)
//   - REDIS_BREAKER_ENABLED: Circuit breaker around store calls (default: true)
//   - REDIS_BREAKER_MAX_FAILURES: Consecutive failures that open it (default: 5)
//   - REDIS_BREAKER_TIMEOUT: Time it stays open (default: 30s)
//
// Locks:
//   - LOCK_BACKEND: "fence" or "redlock" (default: fence)
//   - LOCK_DEFAULT_TTL: Lock lifetime when none is given (default: 30s)
//   - REDLOCK_ADDRESSES: Comma-separated independent Redis nodes for redlock
//
// Idempotency and repeat submission:
//   - IDEMPOTENCY_TOKEN_TTL: Token lifetime (default: 5m)
//   - REPEAT_SUBMIT_WINDOW: Duplicate suppression window (default: 5s)
//
// Rate Limiting:
//   - RATE_LIMIT_ENABLED: Enable rate limiting (default: true)
//   - RATE_LIMIT_DEFAULT: Default calls per window (default: 100)
//   - RATE_LIMIT_WINDOW: Default window (default: 60s)
//   - RATE_LIMIT_SCOPE: "shared" or "client" (default: shared)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
//	client, err := redis.NewClient(cfg.RedisConfig())
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coordkit/internal/circuitbreaker"
	commonconfig "coordkit/internal/common/config"
	"coordkit/internal/common/validation"
	"coordkit/internal/keyspace"
	"coordkit/internal/locks"
	"coordkit/internal/ratelimit"
	"coordkit/internal/redis"
)

// Config holds all configuration values. String fields keep the raw
// environment value; typed accessors parse them after Validate succeeded.
type Config struct {
	// Application settings
	AppKeyPrefix string `env:"APP_KEY_PREFIX" validate:"required,key_segment"`
	LogLevel     string `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFile      string `env:"LOG_FILE"`

	// Redis configuration
	RedisAddress            string `env:"REDIS_ADDRESS" validate:"required,hostname_port"`
	RedisPassword           string `env:"REDIS_PASSWORD"`
	RedisDB                 string `env:"REDIS_DB" validate:"required,numeric"`
	RedisPoolSize           string `env:"REDIS_POOL_SIZE" validate:"required,numeric"`
	RedisTimeout            string `env:"REDIS_TIMEOUT" validate:"required"`
	RedisRetryMax           string `env:"REDIS_RETRY_MAX" validate:"required,numeric"`
	RedisBreakerEnabled     bool   `env:"REDIS_BREAKER_ENABLED"`
	RedisBreakerMaxFailures string `env:"REDIS_BREAKER_MAX_FAILURES" validate:"required,numeric"`
	RedisBreakerTimeout     string `env:"REDIS_BREAKER_TIMEOUT" validate:"required"`

	// Locks
	LockBackend      string `env:"LOCK_BACKEND" validate:"oneof=fence redlock"`
	LockDefaultTTL   string `env:"LOCK_DEFAULT_TTL" validate:"required"`
	RedlockAddresses string `env:"REDLOCK_ADDRESSES"`

	// Idempotency and repeat submission
	IdempotencyTokenTTL string `env:"IDEMPOTENCY_TOKEN_TTL" validate:"required"`
	RepeatSubmitWindow  string `env:"REPEAT_SUBMIT_WINDOW" validate:"required"`

	// Rate limiting
	RateLimitEnabled bool   `env:"RATE_LIMIT_ENABLED"`
	RateLimitDefault string `env:"RATE_LIMIT_DEFAULT" validate:"required,numeric"`
	RateLimitWindow  string `env:"RATE_LIMIT_WINDOW" validate:"required"`
	RateLimitScope   string `env:"RATE_LIMIT_SCOPE" validate:"oneof=shared client"`
}

// Load creates a Config from environment variables. It does not validate.
func Load() *Config {
	return &Config{
		AppKeyPrefix: getEnv("APP_KEY_PREFIX", "coordkit"),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:      getEnv("LOG_FILE", ""),

		RedisAddress:            getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		RedisDB:                 getEnv("REDIS_DB", "0"),
		RedisPoolSize:           getEnv("REDIS_POOL_SIZE", "10"),
		RedisTimeout:            getEnv("REDIS_TIMEOUT", "5s"),
		RedisRetryMax:           getEnv("REDIS_RETRY_MAX", "3"),
		RedisBreakerEnabled:     getBoolEnv("REDIS_BREAKER_ENABLED", true),
		RedisBreakerMaxFailures: getEnv("REDIS_BREAKER_MAX_FAILURES", "5"),
		RedisBreakerTimeout:     getEnv("REDIS_BREAKER_TIMEOUT", "30s"),

		LockBackend:      getEnv("LOCK_BACKEND", locks.BackendFence),
		LockDefaultTTL:   getEnv("LOCK_DEFAULT_TTL", "30s"),
		RedlockAddresses: getEnv("REDLOCK_ADDRESSES", ""),

		IdempotencyTokenTTL: getEnv("IDEMPOTENCY_TOKEN_TTL", "5m"),
		RepeatSubmitWindow:  getEnv("REPEAT_SUBMIT_WINDOW", "5s"),

		RateLimitEnabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
		RateLimitDefault: getEnv("RATE_LIMIT_DEFAULT", "100"),
		RateLimitWindow:  getEnv("RATE_LIMIT_WINDOW", "60s"),
		RateLimitScope:   getEnv("RATE_LIMIT_SCOPE", string(ratelimit.ScopeShared)),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a default value.
// Unparseable values fall back to the default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks field formats with struct tags, then ranges, durations
// and cross-field rules.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	v := validation.NewValidator()

	if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
		v.Validate(func() error { return fmt.Errorf("REDIS_DB must be a number between 0 and 15") })
	}
	v.RequirePositive(atoi(c.RedisPoolSize), "REDIS_POOL_SIZE")
	v.RequirePositive(atoi(c.RedisBreakerMaxFailures), "REDIS_BREAKER_MAX_FAILURES")

	if timeout, err := time.ParseDuration(c.RedisTimeout); err != nil {
		v.Validate(func() error {
			return fmt.Errorf("REDIS_TIMEOUT must be a valid duration (e.g., '5s', '1m')")
		})
	} else {
		commonconfig.ValidateConnection(&commonconfig.BaseConnConfig{
			Timeout:  timeout,
			RetryMax: atoi(c.RedisRetryMax),
		}, v)
	}

	requireDuration(v, c.RedisBreakerTimeout, "REDIS_BREAKER_TIMEOUT")
	requireDuration(v, c.LockDefaultTTL, "LOCK_DEFAULT_TTL")
	requireDuration(v, c.IdempotencyTokenTTL, "IDEMPOTENCY_TOKEN_TTL")
	requireDuration(v, c.RepeatSubmitWindow, "REPEAT_SUBMIT_WINDOW")

	v.ValidateIf(c.RateLimitEnabled, func() error {
		if limit, err := strconv.Atoi(c.RateLimitDefault); err != nil || limit < 1 {
			return fmt.Errorf("RATE_LIMIT_DEFAULT must be a positive number")
		}
		if d, err := time.ParseDuration(c.RateLimitWindow); err != nil || d < time.Millisecond {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be a valid duration (e.g., '60s', '1m')")
		}
		return nil
	})

	for _, addr := range c.RedlockNodes() {
		if err := validation.ValidateVar(addr, "hostname_port"); err != nil {
			v.Validate(func() error { return fmt.Errorf("REDLOCK_ADDRESSES contains invalid address %q", addr) })
		}
	}

	return v.Error()
}

func requireDuration(v *validation.Validator, value, name string) {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.Validate(func() error {
			return fmt.Errorf("%s must be a valid duration (e.g., '5s', '1m')", name)
		})
		return
	}
	v.RequireMinDuration(d, time.Millisecond, name)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Namespace returns the key namespace for APP_KEY_PREFIX
func (c *Config) Namespace() (keyspace.Namespace, error) {
	return keyspace.New(c.AppKeyPrefix)
}

// RedisConfig returns the primary store connection settings
func (c *Config) RedisConfig() *redis.Config {
	return c.redisConfig(c.RedisAddress)
}

// RedlockNodes returns the trimmed, non-empty entries of REDLOCK_ADDRESSES
func (c *Config) RedlockNodes() []string {
	var nodes []string
	for _, addr := range strings.Split(c.RedlockAddresses, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			nodes = append(nodes, addr)
		}
	}
	return nodes
}

// RedlockConfigs returns one connection config per redlock node. Nodes share
// the primary's password and timeouts.
func (c *Config) RedlockConfigs() []*redis.Config {
	nodes := c.RedlockNodes()
	configs := make([]*redis.Config, 0, len(nodes))
	for _, addr := range nodes {
		configs = append(configs, c.redisConfig(addr))
	}
	return configs
}

func (c *Config) redisConfig(address string) *redis.Config {
	cfg := &redis.Config{
		BaseConnConfig: commonconfig.BaseConnConfig{
			Timeout:  parseDuration(c.RedisTimeout),
			RetryMax: atoi(c.RedisRetryMax),
		},
		Address:  address,
		Password: c.RedisPassword,
		DB:       atoi(c.RedisDB),
		PoolSize: atoi(c.RedisPoolSize),
	}
	if c.RedisBreakerEnabled {
		cfg.Breaker = &circuitbreaker.Config{
			MaxFailures:           atoi(c.RedisBreakerMaxFailures),
			Timeout:               parseDuration(c.RedisBreakerTimeout),
			MaxConcurrentRequests: 1,
		}
	}
	return cfg
}

// LockTTL returns LOCK_DEFAULT_TTL
func (c *Config) LockTTL() time.Duration {
	return parseDuration(c.LockDefaultTTL)
}

// TokenTTL returns IDEMPOTENCY_TOKEN_TTL
func (c *Config) TokenTTL() time.Duration {
	return parseDuration(c.IdempotencyTokenTTL)
}

// SubmitWindow returns REPEAT_SUBMIT_WINDOW
func (c *Config) SubmitWindow() time.Duration {
	return parseDuration(c.RepeatSubmitWindow)
}

// RateLimitConfig returns the limiter defaults
func (c *Config) RateLimitConfig() *ratelimit.Config {
	return &ratelimit.Config{
		DefaultLimit:  atoi(c.RateLimitDefault),
		DefaultWindow: parseDuration(c.RateLimitWindow),
		DefaultScope:  ratelimit.Scope(c.RateLimitScope),
		Enabled:       c.RateLimitEnabled,
	}
}
