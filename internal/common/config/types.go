// Package config holds configuration fragments shared by several components.
package config

import (
	"fmt"
	"time"

	"coordkit/internal/common/validation"
)

// BaseConnConfig provides the timeout and retry settings common to every
// connection to the key-value store.
type BaseConnConfig struct {
	// Timeout bounds dialing and each individual command
	Timeout time.Duration `json:"timeout"`
	// RetryMax is the maximum number of additional connection attempts at startup
	RetryMax int `json:"retry_max"`
}

// SetConnectionDefaults applies standard defaults for connection configuration.
//
// Default values:
//   - Timeout: 30 seconds (or custom default if provided)
//   - RetryMax: 3 attempts
func (c *BaseConnConfig) SetConnectionDefaults(defaultTimeout time.Duration) {
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
}

// ValidateConnection adds connection rule violations to v
func ValidateConnection(c *BaseConnConfig, v *validation.Validator) {
	v.RequireMinDuration(c.Timeout, time.Millisecond, "timeout")
	if c.RetryMax < 0 {
		v.Validate(func() error {
			return fmt.Errorf("retry_max must not be negative, got %d", c.RetryMax)
		})
	}
}
