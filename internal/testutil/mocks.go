package testutil

import (
	"context"
	"sync"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/redis"
)

// FaultyStore wraps a redis.Store and fails selected operations with a
// store_unavailable error. Calls are counted per method.
type FaultyStore struct {
	redis.Store

	mu    sync.Mutex
	calls map[string]int

	// Control error injection
	ErrorOnMethod map[string]error
}

// NewFaultyStore wraps inner, which may be nil when every used method fails
func NewFaultyStore(inner redis.Store) *FaultyStore {
	return &FaultyStore{
		Store:         inner,
		calls:         make(map[string]int),
		ErrorOnMethod: make(map[string]error),
	}
}

// FailAll makes every operation fail with cause
func (f *FaultyStore) FailAll(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range []string{"Get", "SetIfAbsent", "Set", "GetAndSet", "Delete", "Increment", "Expire", "EvalAtomic"} {
		f.ErrorOnMethod[m] = cause
	}
}

// Calls returns how many times method was invoked
func (f *FaultyStore) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FaultyStore) fail(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if err := f.ErrorOnMethod[method]; err != nil {
		return errors.StoreUnavailableError(method, err)
	}
	return nil
}

func (f *FaultyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.fail("Get"); err != nil {
		return "", false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *FaultyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.fail("SetIfAbsent"); err != nil {
		return false, err
	}
	return f.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (f *FaultyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.fail("Set"); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FaultyStore) GetAndSet(ctx context.Context, key, value string) (string, bool, error) {
	if err := f.fail("GetAndSet"); err != nil {
		return "", false, err
	}
	return f.Store.GetAndSet(ctx, key, value)
}

func (f *FaultyStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := f.fail("Delete"); err != nil {
		return false, err
	}
	return f.Store.Delete(ctx, key)
}

func (f *FaultyStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := f.fail("Increment"); err != nil {
		return 0, err
	}
	return f.Store.Increment(ctx, key, delta)
}

func (f *FaultyStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := f.fail("Expire"); err != nil {
		return false, err
	}
	return f.Store.Expire(ctx, key, ttl)
}

func (f *FaultyStore) EvalAtomic(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if err := f.fail("EvalAtomic"); err != nil {
		return nil, err
	}
	return f.Store.EvalAtomic(ctx, script, keys, args...)
}

var _ redis.Store = (*FaultyStore)(nil)
