package testutil

import (
	"testing"

	"coordkit/internal/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// NewRedis starts an in-process Redis and a store client connected to it.
// Both are closed when the test ends.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

// NewRedisClient connects another client to an existing in-process Redis,
// standing in for a second service instance.
func NewRedisClient(t testing.TB, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}
