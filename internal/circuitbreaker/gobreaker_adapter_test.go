package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoBreakerAdapter(t *testing.T) {
	logger := logging.GetGlobalLogger()

	t.Run("basic operation", func(t *testing.T) {
		cb := NewGoBreaker("test-basic", Config{
			MaxFailures:           2,
			Timeout:               100 * time.Millisecond,
			MaxConcurrentRequests: 1,
		}, logger)

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "test-basic", cb.Name())

		err := cb.Execute(context.Background(), func() error {
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("circuit opens after failures and fails closed", func(t *testing.T) {
		cb := NewGoBreaker("test-failures", Config{
			MaxFailures:           3,
			Timeout:               time.Minute,
			MaxConcurrentRequests: 1,
		}, logger)

		for i := 0; i < 3; i++ {
			err := cb.Execute(context.Background(), func() error {
				return errors.StoreUnavailableError("GET", fmt.Errorf("failure %d", i))
			})
			assert.Error(t, err)
		}

		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(context.Background(), func() error {
			t.Fatal("This should not be called")
			return nil
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
		assert.Contains(t, err.Error(), "open")
	})

	t.Run("circuit transitions to half-open", func(t *testing.T) {
		cb := NewGoBreaker("test-half-open", Config{
			MaxFailures:           2,
			Timeout:               50 * time.Millisecond,
			MaxConcurrentRequests: 1,
		}, logger)

		for i := 0; i < 2; i++ {
			_ = cb.Execute(context.Background(), func() error {
				return fmt.Errorf("failure")
			})
		}
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(60 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error {
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("contention outcomes don't trip breaker", func(t *testing.T) {
		cb := NewGoBreaker("test-contention", Config{
			MaxFailures:           2,
			Timeout:               time.Minute,
			MaxConcurrentRequests: 1,
		}, logger)

		outcomes := []error{
			errors.ValidationError("empty key"),
			errors.LockNotAcquiredError("k"),
			errors.TokenInvalidError(),
			errors.DuplicateSubmissionError("op", time.Second),
			errors.RateLimitError("r"),
			context.Canceled,
		}
		for _, outcome := range outcomes {
			err := cb.Execute(context.Background(), func() error {
				return outcome
			})
			assert.Error(t, err)
		}
		assert.Equal(t, StateClosed, cb.State())

		for i := 0; i < 2; i++ {
			_ = cb.Execute(context.Background(), func() error {
				return errors.StoreUnavailableError("SET", fmt.Errorf("eof"))
			})
		}
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancelled context is not executed", func(t *testing.T) {
		cb := NewGoBreaker("test-ctx", DefaultConfig(), logger)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("invalid config falls back to defaults", func(t *testing.T) {
		cb := NewGoBreaker("test-invalid", Config{}, logger)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("stats tracking", func(t *testing.T) {
		cb := NewGoBreaker("test-stats", Config{
			MaxFailures:           10,
			Timeout:               100 * time.Millisecond,
			MaxConcurrentRequests: 1,
		}, logger)

		for i := 0; i < 3; i++ {
			_ = cb.Execute(context.Background(), func() error { return nil })
		}
		for i := 0; i < 2; i++ {
			_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("failure") })
		}

		stats := cb.Stats()
		assert.Equal(t, "test-stats", stats.Name)
		assert.Equal(t, "closed", stats.State)
		assert.Equal(t, 3, stats.Successes)
		assert.Equal(t, 2, stats.Failures)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
