package locks

import (
	"fmt"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"
)

// Lock backends selectable by configuration
const (
	BackendFence   = "fence"
	BackendRedlock = "redlock"
)

// NewLockManager creates the configured lock backend.
//
// The fence backend runs against primary. The redlock backend uses
// redlockNodes when given and falls back to primary as a single node.
func NewLockManager(backend string, keys keyspace.Namespace, logger logging.Logger, primary *redis.Client, redlockNodes ...*redis.Client) (LockManager, error) {
	switch backend {
	case "", BackendFence:
		if primary == nil {
			return nil, errors.ConfigError("redis client is required")
		}
		return NewManager(primary, keys, WithLogger(logger)), nil
	case BackendRedlock:
		if len(redlockNodes) == 0 {
			return NewRedsyncManager(keys, logger, primary)
		}
		return NewRedsyncManager(keys, logger, redlockNodes...)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown lock backend %q", backend))
	}
}
