package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeValidation represents invalid arguments supplied by the caller
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeLockNotAcquired means another holder owns the lock
	ErrTypeLockNotAcquired ErrorType = "lock_not_acquired"
	// ErrTypeTokenInvalid means an idempotency token is unknown, expired or already redeemed
	ErrTypeTokenInvalid ErrorType = "token_invalid_or_reused"
	// ErrTypeDuplicateSubmission means the same submission is still inside its window
	ErrTypeDuplicateSubmission ErrorType = "duplicate_submission"
	// ErrTypeRateLimit represents rate limit errors
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeStoreUnavailable represents a failure talking to the key-value store
	ErrTypeStoreUnavailable ErrorType = "store_unavailable"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// LockNotAcquiredError reports that the lock on key is held by someone else
func LockNotAcquiredError(key string) *AppError {
	return &AppError{
		Type:    ErrTypeLockNotAcquired,
		Message: fmt.Sprintf("lock %s is held by another owner", key),
	}
}

// TokenInvalidError reports a token that cannot be redeemed
func TokenInvalidError() *AppError {
	return &AppError{
		Type:    ErrTypeTokenInvalid,
		Message: "idempotency token is invalid, expired or already used",
	}
}

// DuplicateSubmissionError reports a repeat of operation inside its suppression window
func DuplicateSubmissionError(operation string, window time.Duration) *AppError {
	return &AppError{
		Type:    ErrTypeDuplicateSubmission,
		Message: fmt.Sprintf("duplicate submission of %s, retry after %s", operation, window),
	}
}

// RateLimitError creates a new rate limit error
func RateLimitError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
	}
}

// StoreUnavailableError wraps a store failure
func StoreUnavailableError(operation string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStoreUnavailable,
		Message: fmt.Sprintf("key-value store unavailable during %s", operation),
		Cause:   cause,
	}
}

// IsType checks if an error, or any error it wraps, is an AppError of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsTransient reports whether err is a normal contention outcome that may
// succeed later without any change on the caller's side.
func IsTransient(err error) bool {
	switch GetType(err) {
	case ErrTypeLockNotAcquired, ErrTypeDuplicateSubmission, ErrTypeRateLimit:
		return true
	default:
		return false
	}
}
