package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/config"
	"coordkit/internal/guard"
	"coordkit/internal/idempotency"
	"coordkit/internal/keyspace"
	"coordkit/internal/locks"
	"coordkit/internal/ratelimit"
	"coordkit/internal/redis"
	"coordkit/internal/repeatsubmit"
)

// stack is every coordination primitive built from one configuration
type stack struct {
	keys    keyspace.Namespace
	store   *redis.Client
	nodes   []*redis.Client
	locks   locks.LockManager
	tokens  *idempotency.Service
	submits *repeatsubmit.Guard
	limiter *ratelimit.Limiter
	cfg     *config.Config
}

func main() {
	// A missing .env file is fine, the environment may already be set
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	closer, err := logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer closer.Close()
	defer logging.MustSync()

	s, err := build(cfg)
	if err != nil {
		logging.Error("Failed to build coordination stack", err)
		os.Exit(1)
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.selfCheck(ctx); err != nil {
		logging.Error("Self-check failed", err)
		s.close()
		os.Exit(1)
	}

	if stats, ok := s.store.BreakerStats(); ok {
		logging.Info("Self-check passed", logging.Any("breaker", stats))
		return
	}
	logging.Info("Self-check passed")
}

func build(cfg *config.Config) (*stack, error) {
	keys, err := cfg.Namespace()
	if err != nil {
		return nil, err
	}

	logger := logging.GetGlobalLogger()

	store, err := redis.NewClient(cfg.RedisConfig(), redis.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s := &stack{keys: keys, store: store, cfg: cfg}

	if cfg.LockBackend == locks.BackendRedlock {
		for _, nodeCfg := range cfg.RedlockConfigs() {
			node, err := redis.NewClient(nodeCfg, redis.WithLogger(logger))
			if err != nil {
				s.close()
				return nil, err
			}
			s.nodes = append(s.nodes, node)
		}
	}

	s.locks, err = locks.NewLockManager(cfg.LockBackend, keys, logger, store, s.nodes...)
	if err != nil {
		s.close()
		return nil, err
	}

	s.tokens = idempotency.NewService(store, keys,
		idempotency.WithDefaultTTL(cfg.TokenTTL()),
		idempotency.WithLogger(logger),
	)
	s.submits = repeatsubmit.NewGuard(store, keys,
		repeatsubmit.WithDefaultWindow(cfg.SubmitWindow()),
		repeatsubmit.WithLogger(logger),
	)
	s.limiter = ratelimit.NewLimiter(store, keys, cfg.RateLimitConfig(), logger)

	logging.Info("Coordination stack ready",
		logging.String("redis", cfg.RedisAddress),
		logging.String("key_prefix", keys.App()),
		logging.String("lock_backend", cfg.LockBackend),
		logging.Strings("redlock_nodes", cfg.RedlockNodes()),
		logging.Bool("rate_limit_enabled", s.limiter.Enabled()),
	)

	return s, nil
}

func (s *stack) close() {
	for _, node := range s.nodes {
		_ = node.Close()
	}
	s.nodes = nil
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

// selfCheck exercises each primitive once against the configured store and
// cleans up the keys it wrote.
func (s *stack) selfCheck(ctx context.Context) error {
	if err := s.store.Health(); err != nil {
		return err
	}

	checkID := fmt.Sprintf("selfcheck-%d", time.Now().UnixNano())

	// Lock: a second acquire must be refused while the first is held
	handle, err := s.locks.Acquire(ctx, checkID, s.cfg.LockTTL())
	if err != nil {
		return err
	}
	if _, err := s.locks.Acquire(ctx, checkID, s.cfg.LockTTL()); !errors.IsType(err, errors.ErrTypeLockNotAcquired) {
		return errors.InternalError("lock admitted a second holder", err)
	}
	if released, err := s.locks.Release(ctx, handle); err != nil || !released {
		return errors.InternalError("lock release failed", err)
	}
	logging.Info("Lock check passed", logging.Field{Key: "key", Value: handle.Key}, logging.Field{Key: "fence", Value: handle.Fence})

	// Idempotency: a token is redeemed exactly once
	token, err := s.tokens.Issue(ctx, 0)
	if err != nil {
		return err
	}
	first, err := s.tokens.Redeem(ctx, token.Value)
	if err != nil {
		return err
	}
	second, err := s.tokens.Redeem(ctx, token.Value)
	if err != nil {
		return err
	}
	if !first || second {
		return errors.InternalError(fmt.Sprintf("token redeemed first=%t second=%t", first, second), nil)
	}
	logging.Info("Idempotency check passed", logging.Duration("token_ttl", token.TTL))

	// Guarded call: the same submission inside the window is a duplicate
	args, err := repeatsubmit.CanonicalArgs(checkID, 1)
	if err != nil {
		return err
	}
	call := guard.Call{OperationID: "selfcheck", Path: checkID, Identity: "127.0.0.1", Args: args}
	rule := ratelimit.Rule{Resource: "selfcheck", Limit: 10, Window: time.Minute, Scope: ratelimit.ScopeClient}
	middlewares := []guard.Middleware{
		guard.RateLimit(s.limiter, rule),
		guard.RepeatSubmit(s.submits, s.cfg.SubmitWindow()),
		guard.Exclusive(s.locks, guard.LockOnPath, s.cfg.LockTTL()),
	}
	noop := func(ctx context.Context) error { return nil }

	if err := guard.Execute(ctx, call, noop, middlewares...); err != nil {
		return err
	}
	if err := guard.Execute(ctx, call, noop, middlewares...); !errors.IsType(err, errors.ErrTypeDuplicateSubmission) {
		return errors.InternalError("repeated submission was not rejected", err)
	}
	logging.Info("Guarded call check passed", logging.Field{Key: "operation", Value: call.OperationID})

	if err := s.limiter.Reset(ctx, rule, call.Identity); err != nil {
		return err
	}
	return s.cleanup(ctx)
}

// cleanup removes the repeat-submit markers the self-check left behind
func (s *stack) cleanup(ctx context.Context) error {
	keys, err := s.store.ScanKeys(ctx, s.keys.Pattern(keyspace.RepeatSubmit))
	if err != nil {
		return err
	}
	removed := 0
	for _, key := range keys {
		logical, ok := s.keys.Logical(keyspace.RepeatSubmit, key)
		if !ok || !strings.HasPrefix(logical, "selfcheck:") {
			continue
		}
		if _, err := s.store.Delete(ctx, key); err != nil {
			return err
		}
		removed++
	}
	logging.Debug("Self-check keys removed", logging.Int("count", removed))
	return nil
}
