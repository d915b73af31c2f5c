// Package locks provides distributed mutual exclusion on top of the shared
// key-value store.
//
// The default Manager stores a fence value, the absolute expiry time in
// epoch milliseconds, under <app>:lock:<key>. The fence is the only proof of
// ownership: release deletes the key only while it still holds the caller's
// fence, and a lock whose fence lies in the past may be taken over even if
// the store has not evicted it yet.
//
// Example usage:
//
//	keys := keyspace.MustNew("orders")
//	manager := locks.NewManager(redisClient, keys)
//
//	handle, err := manager.Acquire(ctx, "order-42", 10*time.Second)
//	if errors.IsType(err, errors.ErrTypeLockNotAcquired) {
//		return err // someone else holds it
//	}
//	defer manager.Release(ctx, handle)
package locks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"
)

// LockManager is implemented by every lock backend
type LockManager interface {
	// Acquire makes a single attempt to take key for ttl. A held lock is
	// reported as a lock_not_acquired error.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)

	// Release frees the lock if handle still owns it and reports whether a
	// key was removed. Releasing a lock that expired or was taken over is a
	// no-op returning false.
	Release(ctx context.Context, handle *Handle) (bool, error)
}

// Handle is the proof of a successful acquisition
type Handle struct {
	Key   string        `json:"key"`
	Fence string        `json:"fence"`
	TTL   time.Duration `json:"ttl"`
}

// takeoverScript replaces a lock whose fence is in the past, in one step.
// KEYS[1] lock key, ARGV[1] now ms, ARGV[2] new fence, ARGV[3] ttl ms.
var takeoverScript = redis.NewScript("lock_takeover", `
local cur = redis.call("GET", KEYS[1])
if cur then
	local fence = tonumber(cur)
	if fence == nil or fence >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// Manager is the fence-value lock backend. It keeps no local state and is
// safe for concurrent use.
type Manager struct {
	store  redis.Store
	keys   keyspace.Namespace
	now    func() time.Time
	logger logging.Logger
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the wall clock used to compute and compare fences
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a fence-value lock manager over store
func NewManager(store redis.Store, keys keyspace.Namespace, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		keys:  keys,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrGlobal(m.logger).WithFields(logging.Component(string(keyspace.Lock)))
	return m
}

func checkLockTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return errors.ValidationError(fmt.Sprintf("lock ttl must be at least 1ms, got %s", ttl))
	}
	return nil
}

// Acquire tries SETNX first and falls back to an atomic takeover of a lock
// whose fence has already passed.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if err := checkLockTTL(ttl); err != nil {
		return nil, err
	}
	lockKey, err := m.keys.Key(keyspace.Lock, key)
	if err != nil {
		return nil, err
	}

	now := m.now().UnixMilli()
	fence := strconv.FormatInt(now+ttl.Milliseconds(), 10)

	ok, err := m.store.SetIfAbsent(ctx, lockKey, fence, ttl)
	if err != nil {
		m.logger.Error("Lock acquisition failed", err, logging.Field{Key: "key", Value: lockKey})
		return nil, err
	}
	if ok {
		m.logger.Debug("Lock acquired", logging.Field{Key: "key", Value: lockKey}, logging.Field{Key: "fence", Value: fence})
		return &Handle{Key: lockKey, Fence: fence, TTL: ttl}, nil
	}

	reply, err := m.store.EvalAtomic(ctx, takeoverScript, []string{lockKey},
		now, fence, ttl.Milliseconds())
	if err != nil {
		m.logger.Error("Lock takeover failed", err, logging.Field{Key: "key", Value: lockKey})
		return nil, err
	}
	won, err := redis.ToInt64(reply)
	if err != nil {
		return nil, errors.InternalError("unexpected lock takeover reply", err)
	}
	if won != 1 {
		m.logger.Debug("Lock not acquired", logging.Field{Key: "key", Value: lockKey})
		return nil, errors.LockNotAcquiredError(lockKey)
	}

	m.logger.Info("Took over expired lock", logging.Field{Key: "key", Value: lockKey}, logging.Field{Key: "fence", Value: fence})
	return &Handle{Key: lockKey, Fence: fence, TTL: ttl}, nil
}

// Release deletes the lock key only if it still carries handle's fence.
// It never blocks or retries.
func (m *Manager) Release(ctx context.Context, handle *Handle) (bool, error) {
	if handle == nil || handle.Key == "" {
		return false, errors.ValidationError("lock handle is required")
	}

	reply, err := m.store.EvalAtomic(ctx, redis.CompareAndDelete, []string{handle.Key}, handle.Fence)
	if err != nil {
		m.logger.Error("Lock release failed", err, logging.Field{Key: "key", Value: handle.Key})
		return false, err
	}
	n, err := redis.ToInt64(reply)
	if err != nil {
		return false, errors.InternalError("unexpected lock release reply", err)
	}

	if n == 0 {
		m.logger.Warn("Lock was no longer held at release", logging.Field{Key: "key", Value: handle.Key})
		return false, nil
	}
	m.logger.Debug("Lock released", logging.Field{Key: "key", Value: handle.Key})
	return true, nil
}

// releaseTimeout bounds the release issued by WithLock
const releaseTimeout = 5 * time.Second

// WithLock acquires key, runs fn and releases the lock on every exit path,
// including a panic in fn. A release failure is logged, not returned.
func WithLock(ctx context.Context, manager LockManager, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	handle, err := manager.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := manager.Release(releaseCtx, handle); err != nil {
			logging.Warn("Failed to release lock", logging.Field{Key: "key", Value: handle.Key}, logging.Err(err))
		}
	}()

	return fn(ctx)
}

var _ LockManager = (*Manager)(nil)
