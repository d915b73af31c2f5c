package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/keyspace"
	"coordkit/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testKeys = keyspace.MustNew("app")

func TestNewLimiter(t *testing.T) {
	_, client := testutil.NewRedis(t)

	limiter := NewLimiter(client, testKeys, nil, nil)
	assert.True(t, limiter.Enabled())

	rule := limiter.DefaultRule("api")
	assert.Equal(t, Rule{Resource: "api", Limit: 100, Window: time.Minute, Scope: ScopeShared}, rule)

	limiter = NewLimiter(client, testKeys, &Config{DefaultLimit: 5, DefaultWindow: time.Second}, nil)
	assert.Equal(t, ScopeShared, limiter.DefaultRule("api").Scope)
	assert.False(t, limiter.Enabled())
}

func TestLimiter_TryAcquire(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.TryAcquire(ctx, "orders", 3, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}

	ok, err := limiter.TryAcquire(ctx, "orders", 3, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := mr.Get("app:rate_limit:orders")
	require.NoError(t, err)
	assert.Equal(t, "3", stored, "denied calls do not increment")
	assert.Equal(t, 10*time.Second, mr.TTL("app:rate_limit:orders"))

	mr.FastForward(10 * time.Second)

	ok, err = limiter.TryAcquire(ctx, "orders", 3, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiter_WindowIsNotExtendedByTraffic(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()

	_, err := limiter.TryAcquire(ctx, "orders", 10, 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(4 * time.Second)
	_, err = limiter.TryAcquire(ctx, "orders", 10, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, mr.TTL("app:rate_limit:orders"))
}

func TestLimiter_RepairsCounterWithoutExpiry(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)

	require.NoError(t, mr.Set("app:rate_limit:orders", "5"))

	ok, err := limiter.TryAcquire(context.Background(), "orders", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("app:rate_limit:orders"))
}

func TestLimiter_Allow(t *testing.T) {
	_, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	rule := Rule{Resource: "search", Limit: 2, Window: 30 * time.Second}

	res, err := limiter.Allow(ctx, rule, "")
	require.NoError(t, err)
	assert.Equal(t, &Result{Allowed: true, Limit: 2, Count: 1, Remaining: 1, ResetAt: now.Add(30 * time.Second)}, res)

	res, err = limiter.Allow(ctx, rule, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = limiter.Allow(ctx, rule, "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 0, res.Remaining)
}

func TestLimiter_ClientScope(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()
	rule := Rule{Resource: "login", Limit: 1, Window: time.Minute, Scope: ScopeClient}

	res, err := limiter.Allow(ctx, rule, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, rule, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, rule, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.True(t, mr.Exists("app:rate_limit:login:10.0.0.1"))
	assert.True(t, mr.Exists("app:rate_limit:login:10.0.0.2"))

	_, err = limiter.Allow(ctx, rule, "")
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestLimiter_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	mr, _ := testutil.NewRedis(t)
	ctx := context.Background()

	const limit = 10
	var allowed int32

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		limiter := NewLimiter(testutil.NewRedisClient(t, mr), testKeys, nil, nil)
		for j := 0; j < 10; j++ {
			g.Go(func() error {
				ok, err := limiter.TryAcquire(gctx, "hot", limit, time.Minute)
				if ok {
					atomic.AddInt32(&allowed, 1)
				}
				return err
			})
		}
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(limit), allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	_, client := testutil.NewRedis(t)
	store := testutil.NewFaultyStore(client)
	store.FailAll(testutil.ErrStoreDown)
	limiter := NewLimiter(store, testKeys, &Config{Enabled: false}, nil)

	for i := 0; i < 5; i++ {
		ok, err := limiter.TryAcquire(context.Background(), "orders", 1, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, store.Calls("EvalAtomic"))

	t.Run("default rule without configured limits", func(t *testing.T) {
		res, err := limiter.AllowDefault(context.Background(), "orders", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		err = limiter.Run(context.Background(), limiter.DefaultRule("orders"), "", func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 0, store.Calls("EvalAtomic"))
	})
}

func TestLimiter_Run(t *testing.T) {
	_, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()
	rule := Rule{Resource: "export", Limit: 1, Window: time.Minute, Message: "exports are limited to one per minute"}

	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, limiter.Run(ctx, rule, "", op))

	err := limiter.Run(ctx, rule, "", op)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeRateLimit))
	assert.Contains(t, err.Error(), "exports are limited to one per minute")
	assert.Equal(t, 1, calls)

	t.Run("default message", func(t *testing.T) {
		rule := Rule{Resource: "import", Limit: 1, Window: time.Minute}
		require.NoError(t, limiter.Run(ctx, rule, "", op))

		err := limiter.Run(ctx, rule, "", op)
		assert.Contains(t, err.Error(), "rate limit exceeded for import")
	})
}

func TestLimiter_Reset(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()
	rule := Rule{Resource: "orders", Limit: 1, Window: time.Minute}

	res, err := limiter.Allow(ctx, rule, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, rule, ""))
	assert.False(t, mr.Exists("app:rate_limit:orders"))

	res, err = limiter.Allow(ctx, rule, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.True(t, errors.IsType(limiter.Reset(ctx, Rule{}, ""), errors.ErrTypeValidation))
}

func TestLimiter_Validation(t *testing.T) {
	_, client := testutil.NewRedis(t)
	limiter := NewLimiter(client, testKeys, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		rule Rule
	}{
		{"missing resource", Rule{Limit: 1, Window: time.Second}},
		{"zero limit", Rule{Resource: "r", Limit: 0, Window: time.Second}},
		{"separator in resource", Rule{Resource: "r:10.0.0.1", Limit: 1, Window: time.Second}},
		{"whitespace in resource", Rule{Resource: "bulk export", Limit: 1, Window: time.Second}},
		{"zero window", Rule{Resource: "r", Limit: 1}},
		{"unknown scope", Rule{Resource: "r", Limit: 1, Window: time.Second, Scope: "global"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := limiter.Allow(ctx, tt.rule, "id")
			assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
		})
	}

	t.Run("every broken field is reported", func(t *testing.T) {
		_, err := limiter.Allow(ctx, Rule{Scope: "global"}, "id")
		require.Error(t, err)
		for _, want := range []string{
			"rate limit rule: resource is required",
			"rate limit rule: limit must be positive",
			"rate limit rule: window must be at least 1ms",
			"rate limit rule: scope must be one of: shared, client",
		} {
			assert.Contains(t, err.Error(), want)
		}
	})
}

func TestLimiter_StoreUnavailableFailsClosed(t *testing.T) {
	_, client := testutil.NewRedis(t)
	store := testutil.NewFaultyStore(client)
	store.FailAll(testutil.ErrStoreDown)
	limiter := NewLimiter(store, testKeys, nil, nil)

	ok, err := limiter.TryAcquire(context.Background(), "orders", 10, time.Second)
	assert.False(t, ok)
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))

	called := false
	err = limiter.Run(context.Background(), limiter.DefaultRule("orders"), "", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
	assert.False(t, called)
}
