package redis

import (
	"context"
	"fmt"
	"time"

	"coordkit/internal/circuitbreaker"
	"coordkit/internal/common/config"
	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/common/utils"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb     *redis.Client
	config  *Config
	breaker *circuitbreaker.GoBreakerAdapter
	logger  logging.Logger
}

type Config struct {
	config.BaseConnConfig

	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`

	// Breaker enables a circuit breaker around every store call when set
	Breaker *circuitbreaker.Config `json:"breaker,omitempty"`
}

// Option customizes a Client
type Option func(*Client)

// WithLogger sets the logger used for store failures
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	c.SetConnectionDefaults(5 * time.Second)
}

// NewClient connects to Redis and verifies the connection with PING,
// retrying up to RetryMax more times with exponential backoff.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	cfg.applyDefaults()

	// Replica reads stay disabled: every read goes to the node that owns the writes.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	err := utils.RetryWithBackoff(context.Background(), utils.ConnectRetryConfig(cfg.RetryMax), func(int) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, errors.StoreUnavailableError("connect", fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err))
	}

	return newClient(rdb, cfg, opts...), nil
}

// NewFromGoRedis wraps an existing go-redis client without pinging it
func NewFromGoRedis(rdb *redis.Client, cfg *Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	return newClient(rdb, cfg, opts...)
}

func newClient(rdb *redis.Client, cfg *Config, opts ...Option) *Client {
	c := &Client{
		rdb:    rdb,
		config: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrGlobal(c.logger).WithFields(logging.Component("redis"))

	if cfg.Breaker != nil {
		c.breaker = circuitbreaker.NewGoBreaker("redis:"+cfg.Address, *cfg.Breaker, c.logger)
	}
	return c
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.run(ctx, "PING", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// GoRedis exposes the underlying client for libraries that build their own
// connection pool on it, such as redsync.
func (c *Client) GoRedis() *redis.Client {
	return c.rdb
}

// BreakerState reports the circuit breaker state, or closed when disabled
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

// BreakerStats reports the circuit breaker counters. ok is false when the
// client runs without a breaker.
func (c *Client) BreakerStats() (stats circuitbreaker.Stats, ok bool) {
	if c.breaker == nil {
		return circuitbreaker.Stats{}, false
	}
	return c.breaker.Stats(), true
}

// run executes fn and maps any transport failure to store_unavailable.
func (c *Client) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	call := func() error {
		if err := fn(ctx); err != nil {
			c.logger.Warn("Redis command failed",
				logging.Field{Key: "op", Value: op},
				logging.Err(err),
			)
			return errors.StoreUnavailableError(op, err)
		}
		return nil
	}

	if c.breaker == nil {
		if err := ctx.Err(); err != nil {
			return errors.StoreUnavailableError(op, err)
		}
		return call()
	}

	err := c.breaker.Execute(ctx, call)
	if err != nil && !errors.IsType(err, errors.ErrTypeStoreUnavailable) {
		return errors.StoreUnavailableError(op, err)
	}
	return err
}

func checkKey(key string) error {
	if key == "" {
		return errors.ValidationError("key is required")
	}
	return nil
}

func checkTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return errors.ValidationError(fmt.Sprintf("ttl must be at least 1ms, got %s", ttl))
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}

	var (
		value string
		found bool
	)
	err := c.run(ctx, "GET", func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}

	var ok bool
	err := c.run(ctx, "SETNX", func(ctx context.Context) error {
		var err error
		ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}

	return c.run(ctx, "SET", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// GetAndSet swaps the value atomically. The key loses any TTL it had.
func (c *Client) GetAndSet(ctx context.Context, key, value string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}

	var (
		previous string
		found    bool
	)
	err := c.run(ctx, "GETSET", func(ctx context.Context) error {
		v, err := c.rdb.GetSet(ctx, key, value).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		previous, found = v, true
		return nil
	})
	return previous, found, err
}

func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	var removed int64
	err := c.run(ctx, "DEL", func(ctx context.Context) error {
		var err error
		removed, err = c.rdb.Del(ctx, key).Result()
		return err
	})
	return removed > 0, err
}

func (c *Client) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	var n int64
	err := c.run(ctx, "INCRBY", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.IncrBy(ctx, key, delta).Result()
		return err
	})
	return n, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}

	var ok bool
	err := c.run(ctx, "PEXPIRE", func(ctx context.Context) error {
		var err error
		ok, err = c.rdb.PExpire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// EvalAtomic runs script with EVALSHA, loading it on NOSCRIPT. A nil
// reply is returned as nil without error.
func (c *Client) EvalAtomic(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	if script == nil {
		return nil, errors.ValidationError("script is required")
	}

	var reply interface{}
	err := c.run(ctx, "EVAL "+script.Name(), func(ctx context.Context) error {
		v, err := script.lua.Run(ctx, c.rdb, keys, args...).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		reply = v
		return nil
	})
	return reply, err
}

// ScanKeys lists keys matching pattern with SCAN, never KEYS
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.run(ctx, "SCAN", func(ctx context.Context) error {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

// TTL returns the remaining time to live of key; absent keys report false.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}

	var ttl time.Duration
	err := c.run(ctx, "PTTL", func(ctx context.Context) error {
		var err error
		ttl, err = c.rdb.PTTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, false, err
	}
	// -2 means the key does not exist, -1 that it never expires
	if ttl == -2 {
		return 0, false, nil
	}
	return ttl, true, nil
}

var _ Store = (*Client)(nil)
