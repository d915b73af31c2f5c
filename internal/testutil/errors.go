package testutil

import "errors"

// Common test errors
var (
	ErrStoreDown   = errors.New("connection refused")
	ErrTestFailure = errors.New("test failure")
)
