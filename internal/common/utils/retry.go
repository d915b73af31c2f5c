package utils

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps exponential growth
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// Retryable decides which errors trigger another attempt.
	// If nil, all errors are retryable.
	Retryable func(error) bool
}

// ConnectRetryConfig returns the schedule used when dialing the store at
// startup: retryMax extra attempts starting at 100ms and doubling up to 2s.
func ConnectRetryConfig(retryMax int) RetryConfig {
	if retryMax < 0 {
		retryMax = 0
	}
	return RetryConfig{
		MaxAttempts:   retryMax + 1,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// runs out of attempts or ctx is done. fn receives the 1-based attempt number.
//
// The last error is wrapped in the returned error so errors.Is and errors.As
// still see it.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if config.Retryable != nil && !config.Retryable(lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(withJitter(delay, config.JitterFactor))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}

		delay = nextDelay(delay, config)
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func nextDelay(delay time.Duration, config RetryConfig) time.Duration {
	factor := config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(delay) * factor)
	if config.MaxDelay > 0 && next > config.MaxDelay {
		next = config.MaxDelay
	}
	return next
}

func withJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	spread := int64(float64(delay) * factor)
	if spread <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(spread))
}
