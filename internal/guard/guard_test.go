package guard

import (
	"context"
	"testing"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/idempotency"
	"coordkit/internal/keyspace"
	"coordkit/internal/locks"
	"coordkit/internal/ratelimit"
	"coordkit/internal/repeatsubmit"
	"coordkit/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = keyspace.MustNew("app")

func noop(ctx context.Context) error { return nil }

func recorder(name string, trace *[]string) Middleware {
	return func(call Call, next Operation) Operation {
		return func(ctx context.Context) error {
			*trace = append(*trace, name+">")
			err := next(ctx)
			*trace = append(*trace, "<"+name)
			return err
		}
	}
}

func TestChain_Order(t *testing.T) {
	var trace []string
	op := func(ctx context.Context) error {
		trace = append(trace, "op")
		return nil
	}

	err := Execute(context.Background(), Call{OperationID: "op"}, op,
		recorder("a", &trace),
		recorder("b", &trace),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "op", "<b", "<a"}, trace)
}

func TestExecute_ValidatesBeforeStoreAccess(t *testing.T) {
	_, client := testutil.NewRedis(t)
	store := testutil.NewFaultyStore(client)
	limiter := ratelimit.NewLimiter(store, testKeys, nil, nil)

	called := false
	err := Execute(context.Background(), Call{}, func(ctx context.Context) error {
		called = true
		return nil
	}, RateLimit(limiter, limiter.DefaultRule("orders")))

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.False(t, called)
	assert.Equal(t, 0, store.Calls("EvalAtomic"))

	err = Execute(context.Background(), Call{OperationID: "has space"}, noop)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	err = Execute(context.Background(), Call{OperationID: "orders:submit"}, noop)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestExecute_FullChain(t *testing.T) {
	_, client := testutil.NewRedis(t)
	limiter := ratelimit.NewLimiter(client, testKeys, nil, nil)
	submits := repeatsubmit.NewGuard(client, testKeys)
	lockManager := locks.NewManager(client, testKeys)
	ctx := context.Background()

	chain := []Middleware{
		RateLimit(limiter, ratelimit.Rule{Resource: "orders", Limit: 2, Window: time.Minute, Scope: ratelimit.ScopeClient}),
		RepeatSubmit(submits, time.Minute),
		Exclusive(lockManager, LockOnPath, 30*time.Second),
	}
	call := func(args string) Call {
		return Call{OperationID: "submitOrder", Path: "/orders", Identity: "10.0.0.1", Args: []byte(args)}
	}

	require.NoError(t, Execute(ctx, call(`["a"]`), noop, chain...))

	err := Execute(ctx, call(`["a"]`), noop, chain...)
	assert.True(t, errors.IsType(err, errors.ErrTypeDuplicateSubmission))

	// the duplicate still consumed a slot of the window
	err = Execute(ctx, call(`["b"]`), noop, chain...)
	assert.True(t, errors.IsType(err, errors.ErrTypeRateLimit))

	other := call(`["b"]`)
	other.Identity = "10.0.0.2"
	require.NoError(t, Execute(ctx, other, noop, chain...))
}

func TestRepeatSubmit_FailedCallCanBeRetried(t *testing.T) {
	_, client := testutil.NewRedis(t)
	submits := repeatsubmit.NewGuard(client, testKeys)
	ctx := context.Background()
	call := Call{OperationID: "pay", Identity: "10.0.0.1", Args: []byte(`[100]`)}

	err := Execute(ctx, call, func(ctx context.Context) error {
		return testutil.ErrTestFailure
	}, RepeatSubmit(submits, time.Minute))
	assert.ErrorIs(t, err, testutil.ErrTestFailure)

	require.NoError(t, Execute(ctx, call, noop, RepeatSubmit(submits, time.Minute)))
}

type tokenKey struct{}

func TestIdempotent(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tokens := idempotency.NewService(client, testKeys)
	ctx := context.Background()

	fromContext := func(ctx context.Context, call Call) string {
		token, _ := ctx.Value(tokenKey{}).(string)
		return token
	}

	token, err := tokens.Issue(ctx, time.Minute)
	require.NoError(t, err)
	withToken := context.WithValue(ctx, tokenKey{}, token.Value)

	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return nil
	}
	call := Call{OperationID: "transfer"}

	require.NoError(t, Execute(withToken, call, op, Idempotent(tokens, fromContext)))

	err = Execute(withToken, call, op, Idempotent(tokens, fromContext))
	assert.True(t, errors.IsType(err, errors.ErrTypeTokenInvalid))

	err = Execute(ctx, call, op, Idempotent(tokens, fromContext))
	assert.True(t, errors.IsType(err, errors.ErrTypeTokenInvalid))

	assert.Equal(t, 1, calls)
}

func TestExclusive(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	lockManager := locks.NewManager(client, testKeys)
	ctx := context.Background()
	call := Call{OperationID: "rebuildIndex"}

	err := Execute(ctx, call, func(ctx context.Context) error {
		assert.True(t, mr.Exists("app:lock:rebuildIndex"))

		nested := Execute(ctx, call, noop, Exclusive(lockManager, LockOnOperation, time.Minute))
		assert.True(t, errors.IsType(nested, errors.ErrTypeLockNotAcquired))
		return nil
	}, Exclusive(lockManager, LockOnOperation, time.Minute))
	require.NoError(t, err)
	assert.False(t, mr.Exists("app:lock:rebuildIndex"))
}

func TestLockKeyFuncs(t *testing.T) {
	assert.Equal(t, "op", LockOnOperation(Call{OperationID: "op", Path: "/x"}))
	assert.Equal(t, "op:/x", LockOnPath(Call{OperationID: "op", Path: "/x"}))
	assert.Equal(t, "op", LockOnPath(Call{OperationID: "op"}))
}
