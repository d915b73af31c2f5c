package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectRetryConfig(t *testing.T) {
	config := ConnectRetryConfig(3)

	assert.Equal(t, 4, config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 2*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.Nil(t, config.Retryable)

	assert.Equal(t, 1, ConnectRetryConfig(-1).MaxAttempts)
}

func TestRetryWithBackoff_Success(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, BackoffFactor: 2}

	var seen []int
	err := RetryWithBackoff(context.Background(), config, func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, BackoffFactor: 2}

	attempts := 0
	testError := errors.New("persistent error")

	err := RetryWithBackoff(context.Background(), config, func(int) error {
		attempts++
		return testError
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, testError)
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	nonRetryable := errors.New("non-retryable")
	config := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		Retryable: func(err error) bool {
			return !errors.Is(err, nonRetryable)
		},
	}

	attempts := 0
	err := RetryWithBackoff(context.Background(), config, func(int) error {
		attempts++
		return nonRetryable
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, nonRetryable, err)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	config := RetryConfig{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	cause := errors.New("always fails")
	err := RetryWithBackoff(ctx, config, func(int) error {
		attempts++
		return cause
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), RetryConfig{}, func(int) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestNextDelay(t *testing.T) {
	config := RetryConfig{BackoffFactor: 2, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 20*time.Millisecond, nextDelay(10*time.Millisecond, config))
	assert.Equal(t, 50*time.Millisecond, nextDelay(40*time.Millisecond, config))

	config.BackoffFactor = 0
	assert.Equal(t, 10*time.Millisecond, nextDelay(10*time.Millisecond, config))
}

func TestWithJitter(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, base, withJitter(base, 0))
	for i := 0; i < 50; i++ {
		d := withJitter(base, 0.1)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+10*time.Millisecond)
	}
}
