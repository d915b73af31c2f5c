package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// RedsyncManager implements LockManager with the Redlock algorithm from
// go-redsync/redsync/v4. With several independent Redis nodes a lock is
// held once a quorum of them granted it, so the loss of a minority of
// nodes does not break mutual exclusion.
//
// The handle's fence is redsync's random lock value. Release rebuilds the
// mutex from it, so the manager keeps no per-lock state.
type RedsyncManager struct {
	redsync *redsync.Redsync
	keys    keyspace.Namespace
	logger  logging.Logger
}

// NewRedsyncManager creates a Redlock manager over one or more nodes
func NewRedsyncManager(keys keyspace.Namespace, logger logging.Logger, nodes ...*redis.Client) (*RedsyncManager, error) {
	if len(nodes) == 0 {
		return nil, errors.ConfigError("at least one redis client is required")
	}

	pools := make([]redsyncredis.Pool, 0, len(nodes))
	for i, node := range nodes {
		if node == nil {
			return nil, errors.ConfigError(fmt.Sprintf("redis client %d is nil", i))
		}
		pools = append(pools, goredis.NewPool(node.GoRedis()))
	}

	return &RedsyncManager{
		redsync: redsync.New(pools...),
		keys:    keys,
		logger:  logging.OrGlobal(logger).WithFields(logging.Component(string(keyspace.Lock)), logging.Field{Key: "backend", Value: "redlock"}),
	}, nil
}

// Acquire makes exactly one attempt on every node
func (rm *RedsyncManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if err := checkLockTTL(ttl); err != nil {
		return nil, err
	}
	lockKey, err := rm.keys.Key(keyspace.Lock, key)
	if err != nil {
		return nil, err
	}

	mutex := rm.redsync.NewMutex(lockKey,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			rm.logger.Debug("Lock not acquired", logging.Field{Key: "key", Value: lockKey})
			return nil, errors.LockNotAcquiredError(lockKey)
		}
		rm.logger.Error("Lock acquisition failed", err, logging.Field{Key: "key", Value: lockKey})
		return nil, errors.StoreUnavailableError("redlock acquire", err)
	}

	rm.logger.Debug("Lock acquired", logging.Field{Key: "key", Value: lockKey})
	return &Handle{Key: lockKey, Fence: mutex.Value(), TTL: ttl}, nil
}

// Release deletes the lock on every node that still holds handle's value
func (rm *RedsyncManager) Release(ctx context.Context, handle *Handle) (bool, error) {
	if handle == nil || handle.Key == "" {
		return false, errors.ValidationError("lock handle is required")
	}

	mutex := rm.redsync.NewMutex(handle.Key, redsync.WithValue(handle.Fence))

	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		if isContention(err) || isExpired(err) {
			rm.logger.Warn("Lock was no longer held at release", logging.Field{Key: "key", Value: handle.Key})
			return false, nil
		}
		rm.logger.Error("Lock release failed", err, logging.Field{Key: "key", Value: handle.Key})
		return false, errors.StoreUnavailableError("redlock release", err)
	}
	return ok, nil
}

// isContention reports whether redsync failed because the lock is held
func isContention(err error) bool {
	var (
		taken      *redsync.ErrTaken
		takenV     redsync.ErrTaken
		nodeTaken  *redsync.ErrNodeTaken
		nodeTakenV redsync.ErrNodeTaken
	)
	return stderrors.Is(err, redsync.ErrFailed) ||
		stderrors.As(err, &taken) || stderrors.As(err, &takenV) ||
		stderrors.As(err, &nodeTaken) || stderrors.As(err, &nodeTakenV)
}

func isExpired(err error) bool {
	if stderrors.Is(err, redsync.ErrLockAlreadyExpired) {
		return true
	}
	var nodeErr *redsync.RedisError
	if stderrors.As(err, &nodeErr) {
		return nodeErr.Err == redsync.ErrLockAlreadyExpired
	}
	var nodeErrV redsync.RedisError
	if stderrors.As(err, &nodeErrV) {
		return nodeErrV.Err == redsync.ErrLockAlreadyExpired
	}
	return false
}

var _ LockManager = (*RedsyncManager)(nil)
