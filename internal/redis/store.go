package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the key-value contract every coordination primitive depends on.
// Operations on a single key are linearizable; nothing spans keys except a
// Script. Absence is reported through the bool result, never as an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetAndSet(ctx context.Context, key, value string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	EvalAtomic(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
}

// Script is a Lua program executed server-side without interleaving.
// It is sent by hash first and falls back to the full source once per node.
type Script struct {
	name string
	lua  *redis.Script
}

// NewScript wraps src under a name used in logs and errors
func NewScript(name, src string) *Script {
	return &Script{
		name: name,
		lua:  redis.NewScript(src),
	}
}

// Name returns the script name
func (s *Script) Name() string {
	return s.name
}

// CompareAndDelete deletes KEYS[1] only while it holds ARGV[1] and
// replies with the number of keys removed.
var CompareAndDelete = NewScript("compare_and_delete", `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ToInt64 converts a script reply to an integer
func ToInt64(reply interface{}) (int64, error) {
	switch v := reply.(type) {
	case int64:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected script reply %T", reply)
	}
}

// ToInt64Slice converts a multi-bulk script reply of integers
func ToInt64Slice(reply interface{}) ([]int64, error) {
	items, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}

	out := make([]int64, len(items))
	for i, item := range items {
		n, err := ToInt64(item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
