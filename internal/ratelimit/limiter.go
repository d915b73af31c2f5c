// Package ratelimit bounds the number of accepted calls to a resource per
// fixed window. The check, the increment and the window expiry run as one
// Lua script, so concurrent callers on any number of instances can never
// push a window past its limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/common/validation"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"
)

// Scope selects how callers share a window
type Scope string

const (
	// ScopeShared counts every caller against one window per resource
	ScopeShared Scope = "shared"
	// ScopeClient gives every caller identity its own window
	ScopeClient Scope = "client"
)

type Config struct {
	DefaultLimit  int           `json:"default_limit"`
	DefaultWindow time.Duration `json:"default_window"`
	DefaultScope  Scope         `json:"default_scope"`
	Enabled       bool          `json:"enabled"`
}

// DefaultConfig returns 100 calls per minute, shared, enabled
func DefaultConfig() *Config {
	return &Config{
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		DefaultScope:  ScopeShared,
		Enabled:       true,
	}
}

// Rule describes the limit applied to one resource
type Rule struct {
	Resource string        `json:"resource"`
	Limit    int           `json:"limit"`
	Window   time.Duration `json:"window"`
	Scope    Scope         `json:"scope"`
	// Message replaces the default rejection message when set
	Message string `json:"message,omitempty"`
}

// Result is the outcome of one check
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// windowScript implements the fixed window.
// KEYS[1] counter, ARGV[1] limit, ARGV[2] window ms.
// Replies {allowed, count, ttl ms}.
var windowScript = redis.NewScript("rate_limit_window", `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
if count > 0 and ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end
if count + 1 > limit then
	return {0, count, ttl}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end
return {1, count, ttl}
`)

type Limiter struct {
	store  redis.Store
	keys   keyspace.Namespace
	config *Config
	now    func() time.Time
	logger logging.Logger
}

// NewLimiter creates a limiter over store. A nil config uses DefaultConfig.
func NewLimiter(store redis.Store, keys keyspace.Namespace, config *Config, logger logging.Logger) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultScope == "" {
		config.DefaultScope = ScopeShared
	}

	return &Limiter{
		store:  store,
		keys:   keys,
		config: config,
		now:    time.Now,
		logger: logging.OrGlobal(logger).WithFields(logging.Component(string(keyspace.RateLimit))),
	}
}

// DefaultRule returns a rule for resource built from the configured defaults
func (l *Limiter) DefaultRule(resource string) Rule {
	return Rule{
		Resource: resource,
		Limit:    l.config.DefaultLimit,
		Window:   l.config.DefaultWindow,
		Scope:    l.config.DefaultScope,
	}
}

func (r Rule) validate() error {
	scope := r.Scope
	if scope == "" {
		scope = ScopeShared
	}

	v := validation.NewValidatorWithPrefix("rate limit rule")
	v.RequireString(r.Resource, "resource").
		ValidateIf(r.Resource != "", func() error {
			if !validation.IsKeySegment(r.Resource) {
				return fmt.Errorf("rate limit rule: resource %q must not contain whitespace or ':'", r.Resource)
			}
			return nil
		}).
		RequirePositive(r.Limit, "limit").
		RequireMinDuration(r.Window, time.Millisecond, "window").
		RequireOneOf(string(scope), []string{string(ScopeShared), string(ScopeClient)}, "scope")
	return v.Error()
}

// key returns the counter key; per-client rules append the identity
func (l *Limiter) key(rule Rule, identity string) (string, error) {
	if rule.Scope == ScopeClient {
		if identity == "" {
			return "", errors.ValidationError("client identity is required for a per-client rate limit")
		}
		return l.keys.Key(keyspace.RateLimit, rule.Resource, identity)
	}
	return l.keys.Key(keyspace.RateLimit, rule.Resource)
}

// TryAcquire consumes one slot of resourceKey's shared window and reports
// whether the call is allowed.
func (l *Limiter) TryAcquire(ctx context.Context, resourceKey string, limit int, window time.Duration) (bool, error) {
	res, err := l.Allow(ctx, Rule{Resource: resourceKey, Limit: limit, Window: window, Scope: ScopeShared}, "")
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Allow consumes one slot of the window selected by rule and identity. A
// disabled limiter allows every call without looking at the rule.
func (l *Limiter) Allow(ctx context.Context, rule Rule, identity string) (*Result, error) {
	if !l.config.Enabled {
		return &Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   l.now().Add(rule.Window),
		}, nil
	}

	if err := rule.validate(); err != nil {
		return nil, err
	}

	key, err := l.key(rule, identity)
	if err != nil {
		return nil, err
	}

	reply, err := l.store.EvalAtomic(ctx, windowScript, []string{key}, rule.Limit, rule.Window.Milliseconds())
	if err != nil {
		l.logger.Error("Rate limit check failed", err, logging.Field{Key: "resource", Value: rule.Resource})
		return nil, err
	}
	values, err := redis.ToInt64Slice(reply)
	if err != nil || len(values) != 3 {
		return nil, errors.InternalError("unexpected rate limit reply", err)
	}

	count := int(values[1])
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Allowed:   values[0] == 1,
		Limit:     rule.Limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   l.now().Add(time.Duration(values[2]) * time.Millisecond),
	}
	if !res.Allowed {
		l.logger.Debug("Rate limit exceeded",
			logging.String("resource", rule.Resource),
			logging.Int("count", count),
			logging.Int("limit", rule.Limit),
			logging.Int64("reset_in_ms", values[2]),
		)
	}
	return res, nil
}

// AllowDefault checks resource against the configured default rule
func (l *Limiter) AllowDefault(ctx context.Context, resource, identity string) (*Result, error) {
	return l.Allow(ctx, l.DefaultRule(resource), identity)
}

// Run calls fn only when rule allows the call. A denial yields a rate_limit
// error carrying the rule's message.
func (l *Limiter) Run(ctx context.Context, rule Rule, identity string, fn func(ctx context.Context) error) error {
	res, err := l.Allow(ctx, rule, identity)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return RejectionError(rule, res)
	}
	return fn(ctx)
}

// RejectionError builds the rate_limit error reported for a denied call
func RejectionError(rule Rule, res *Result) *errors.AppError {
	err := errors.RateLimitError(rule.Resource)
	if rule.Message != "" {
		err.Message = rule.Message
	}
	if res != nil {
		err.WithContext("limit", res.Limit).WithContext("reset_at", res.ResetAt.UTC().Format(time.RFC3339))
	}
	return err
}

// Reset deletes the window counter of rule for identity
func (l *Limiter) Reset(ctx context.Context, rule Rule, identity string) error {
	if rule.Resource == "" {
		return errors.ValidationError("rate limit resource is required")
	}
	key, err := l.key(rule, identity)
	if err != nil {
		return err
	}
	_, err = l.store.Delete(ctx, key)
	return err
}

// Enabled reports whether limits are enforced
func (l *Limiter) Enabled() bool {
	return l.config.Enabled
}
