// Package idempotency issues single-use tokens for the "fetch a token, then
// submit it with the mutating call" pattern. A retried submission carrying
// an already redeemed token is rejected instead of executed twice.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"

	"github.com/google/uuid"
)

// DefaultTokenTTL is used when Issue is called without a ttl
const DefaultTokenTTL = 5 * time.Minute

// Token is an issued idempotency token
type Token struct {
	Value string        `json:"token"`
	TTL   time.Duration `json:"ttl"`
}

// Service issues and redeems tokens stored under <app>:idempotency:<token>
type Service struct {
	store      redis.Store
	keys       keyspace.Namespace
	defaultTTL time.Duration
	logger     logging.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithDefaultTTL sets the lifetime of tokens issued without an explicit ttl
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.defaultTTL = ttl
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a token service over store
func NewService(store redis.Store, keys keyspace.Namespace, opts ...Option) *Service {
	s := &Service{
		store:      store,
		keys:       keys,
		defaultTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithFields(logging.Component(string(keyspace.Idempotency)))
	return s
}

// Issue generates a random token and stores it for ttl. A zero ttl uses
// the service default.
func (s *Service) Issue(ctx context.Context, ttl time.Duration) (Token, error) {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Millisecond {
		return Token{}, errors.ValidationError(fmt.Sprintf("token ttl must be at least 1ms, got %s", ttl))
	}

	value, err := newTokenValue()
	if err != nil {
		return Token{}, errors.InternalError("failed to generate token", err)
	}

	key, err := s.keys.Key(keyspace.Idempotency, value)
	if err != nil {
		return Token{}, err
	}
	if err := s.store.Set(ctx, key, value, ttl); err != nil {
		s.logger.Error("Failed to store idempotency token", err)
		return Token{}, err
	}

	s.logger.Debug("Issued idempotency token", logging.Duration("ttl", ttl))
	return Token{Value: value, TTL: ttl}, nil
}

// newTokenValue returns a random UUID without dashes
func newTokenValue() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Redeem consumes token in a single atomic step. It returns true exactly
// once per issued token; unknown, expired and replayed tokens return false.
func (s *Service) Redeem(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	key, err := s.keys.Key(keyspace.Idempotency, token)
	if err != nil {
		return false, err
	}

	reply, err := s.store.EvalAtomic(ctx, redis.CompareAndDelete, []string{key}, token)
	if err != nil {
		s.logger.Error("Failed to redeem idempotency token", err)
		return false, err
	}
	n, err := redis.ToInt64(reply)
	if err != nil {
		return false, errors.InternalError("unexpected redeem reply", err)
	}

	if n == 0 {
		s.logger.Debug("Rejected stale or replayed token")
		return false, nil
	}
	return true, nil
}

// Run redeems token and calls fn only when the redemption succeeded.
// A token that cannot be redeemed yields a token_invalid_or_reused error.
func (s *Service) Run(ctx context.Context, token string, fn func(ctx context.Context) error) error {
	ok, err := s.Redeem(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return errors.TokenInvalidError()
	}
	return fn(ctx)
}
