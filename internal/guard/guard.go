// Package guard composes the coordination primitives around an operation.
// Each primitive is a Middleware; a chain is built explicitly by the caller
// and applied in the order given, outermost first.
//
//	err := guard.Execute(ctx, call, submitOrder,
//		guard.RateLimit(limiter, rule),
//		guard.RepeatSubmit(submits, 5*time.Second),
//		guard.Exclusive(lockManager, guard.LockOnPath, 30*time.Second),
//	)
package guard

import (
	"context"
	"time"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/common/validation"
	"coordkit/internal/locks"
	"coordkit/internal/ratelimit"
	"coordkit/internal/repeatsubmit"
)

// Call describes one invocation of a guarded operation
type Call struct {
	OperationID string `json:"operation_id" validate:"required,key_segment"`
	Path        string `json:"path,omitempty"`
	Identity    string `json:"identity,omitempty"`
	// Args is the canonical serialization of the call arguments
	Args []byte `json:"-"`
}

// Operation is the guarded work
type Operation func(ctx context.Context) error

// Middleware wraps next with one coordination primitive
type Middleware func(call Call, next Operation) Operation

// Chain composes middlewares; the first one runs outermost
func Chain(middlewares ...Middleware) Middleware {
	return func(call Call, next Operation) Operation {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](call, next)
		}
		return next
	}
}

// Execute validates call and runs op inside middlewares. Nothing touches the
// store when call is invalid.
func Execute(ctx context.Context, call Call, op Operation, middlewares ...Middleware) error {
	if err := validation.ValidateStruct(call); err != nil {
		return err
	}

	ctx = logging.ContextWithOperation(ctx, call.OperationID, call.Identity)
	return Chain(middlewares...)(call, op)(ctx)
}

// RateLimiter is the part of ratelimit.Limiter the RateLimit middleware uses
type RateLimiter interface {
	Run(ctx context.Context, rule ratelimit.Rule, identity string, fn func(ctx context.Context) error) error
}

// RateLimit rejects calls beyond rule. Per-client rules use Call.Identity.
func RateLimit(limiter RateLimiter, rule ratelimit.Rule) Middleware {
	return func(call Call, next Operation) Operation {
		return func(ctx context.Context) error {
			err := limiter.Run(ctx, rule, call.Identity, next)
			logDecision(ctx, "rate_limit", err)
			return err
		}
	}
}

// SubmitGuard is the part of repeatsubmit.Guard the RepeatSubmit middleware uses
type SubmitGuard interface {
	Run(ctx context.Context, operationID string, window time.Duration, fp repeatsubmit.Fingerprint, fn func(ctx context.Context) error) error
}

// RepeatSubmit rejects an identical call made within window. The
// fingerprint is built from the call's identity, path and args.
func RepeatSubmit(guard SubmitGuard, window time.Duration) Middleware {
	return func(call Call, next Operation) Operation {
		return func(ctx context.Context) error {
			fp := repeatsubmit.Fingerprint{
				Identity: call.Identity,
				Path:     call.Path,
				Args:     call.Args,
			}
			err := guard.Run(ctx, call.OperationID, window, fp, next)
			logDecision(ctx, "repeat_submit", err)
			return err
		}
	}
}

// TokenRedeemer is the part of idempotency.Service the Idempotent middleware uses
type TokenRedeemer interface {
	Run(ctx context.Context, token string, fn func(ctx context.Context) error) error
}

// TokenFunc extracts the idempotency token presented with a call
type TokenFunc func(ctx context.Context, call Call) string

// Idempotent runs the call only if it presents a token that has not been
// redeemed yet.
func Idempotent(tokens TokenRedeemer, tokenFn TokenFunc) Middleware {
	return func(call Call, next Operation) Operation {
		return func(ctx context.Context) error {
			err := tokens.Run(ctx, tokenFn(ctx, call), next)
			logDecision(ctx, "idempotency", err)
			return err
		}
	}
}

// KeyFunc derives a lock key from a call
type KeyFunc func(call Call) string

// LockOnOperation locks the whole operation
func LockOnOperation(call Call) string {
	return call.OperationID
}

// LockOnPath locks one target of the operation
func LockOnPath(call Call) string {
	if call.Path == "" {
		return call.OperationID
	}
	return call.OperationID + ":" + call.Path
}

// Exclusive runs the call while holding the lock named by keyFn
func Exclusive(manager locks.LockManager, keyFn KeyFunc, ttl time.Duration) Middleware {
	return func(call Call, next Operation) Operation {
		return func(ctx context.Context) error {
			err := locks.WithLock(ctx, manager, keyFn(call), ttl, next)
			logDecision(ctx, "lock", err)
			return err
		}
	}
}

func logDecision(ctx context.Context, guard string, err error) {
	logger := logging.WithContext(ctx).WithFields(logging.Field{Key: "guard", Value: guard})
	if err == nil {
		logger.Debug("Guarded call completed")
		return
	}
	if errors.IsTransient(err) {
		logger.Debug("Guarded call rejected, retry later", logging.Err(err))
		return
	}
	logger.Debug("Guarded call did not complete", logging.Err(err))
}
