// Package repeatsubmit suppresses identical submissions of an operation that
// arrive within a short window, such as a double-clicked form button or a
// client retry racing the original request.
//
// The first submission claims <app>:repeat_submit:<op>:<path>:<hash> with
// SETNX for the window. Success leaves the key to expire; failure deletes it
// at once so the caller can retry immediately. The stored marker is unique per
// claim and rollback only deletes a key still holding its own marker.
package repeatsubmit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/logging"
	"coordkit/internal/common/validation"
	"coordkit/internal/keyspace"
	"coordkit/internal/redis"
)

// DefaultWindow is used when Enter is called without a window
const DefaultWindow = 5 * time.Second

// Guard claims submission fingerprints in the store
type Guard struct {
	store         redis.Store
	keys          keyspace.Namespace
	defaultWindow time.Duration
	now           func() time.Time
	logger        logging.Logger
}

// Option customizes a Guard
type Option func(*Guard)

// WithDefaultWindow sets the window used when none is passed
func WithDefaultWindow(window time.Duration) Option {
	return func(g *Guard) {
		g.defaultWindow = window
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a repeat-submit guard over store
func NewGuard(store redis.Store, keys keyspace.Namespace, opts ...Option) *Guard {
	g := &Guard{
		store:         store,
		keys:          keys,
		defaultWindow: DefaultWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrGlobal(g.logger).WithFields(logging.Component(string(keyspace.RepeatSubmit)))
	return g
}

// Key returns the store key for a submission of operationID. The operation
// id must be a single key segment; the path may contain ':' since the hash
// always closes the key.
func (g *Guard) Key(operationID string, fp Fingerprint) (string, error) {
	if operationID == "" {
		return "", errors.ValidationError("operation id is required")
	}
	if !validation.IsKeySegment(operationID) {
		return "", errors.ValidationError(fmt.Sprintf("operation id %q must not contain whitespace or ':'", operationID))
	}
	parts := []string{operationID}
	if fp.Path != "" {
		parts = append(parts, fp.Path)
	}
	parts = append(parts, fp.Hash())
	return g.keys.Key(keyspace.RepeatSubmit, parts...)
}

// Enter claims the fingerprint for window. A fingerprint that is already
// claimed yields a duplicate_submission error. A zero window uses the
// guard default.
func (g *Guard) Enter(ctx context.Context, operationID string, window time.Duration, fp Fingerprint) (*Permit, error) {
	if window == 0 {
		window = g.defaultWindow
	}
	if window < time.Millisecond {
		return nil, errors.ValidationError(fmt.Sprintf("window must be at least 1ms, got %s", window))
	}

	key, err := g.Key(operationID, fp)
	if err != nil {
		return nil, err
	}

	marker := strconv.FormatInt(g.now().UnixMilli(), 10) + "-" + uuid.NewString()
	ok, err := g.store.SetIfAbsent(ctx, key, marker, window)
	if err != nil {
		g.logger.Error("Repeat submit check failed", err, logging.Field{Key: "operation", Value: operationID})
		return nil, err
	}
	if !ok {
		g.logger.Debug("Duplicate submission rejected",
			logging.Field{Key: "operation", Value: operationID},
			logging.Field{Key: "key", Value: key},
		)
		return nil, errors.DuplicateSubmissionError(operationID, window).
			WithContext("window", window.String())
	}

	return &Permit{guard: g, key: key, marker: marker, operationID: operationID}, nil
}

// Run guards fn with a permit. The permit is rolled back when fn returns an
// error or panics and committed otherwise.
func (g *Guard) Run(ctx context.Context, operationID string, window time.Duration, fp Fingerprint, fn func(ctx context.Context) error) (err error) {
	permit, err := g.Enter(ctx, operationID, window, fp)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			permit.rollbackDetached(ctx)
			panic(r)
		}
		if err != nil {
			permit.rollbackDetached(ctx)
			return
		}
		permit.Commit()
	}()

	return fn(ctx)
}

const (
	permitOpen int32 = iota
	permitCommitted
	permitRolledBack
)

// Permit is a claimed submission. Exactly one of Commit or Rollback takes
// effect; later calls to either are no-ops.
type Permit struct {
	guard       *Guard
	key         string
	marker      string
	operationID string
	state       int32
}

// Key returns the claimed store key
func (p *Permit) Key() string {
	return p.key
}

// Commit keeps the claim until the window expires
func (p *Permit) Commit() {
	atomic.CompareAndSwapInt32(&p.state, permitOpen, permitCommitted)
}

// Rollback deletes the claim so the same submission can be retried at once.
// A claim that already expired and was taken by a later submission is left
// alone.
func (p *Permit) Rollback(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.state, permitOpen, permitRolledBack) {
		return nil
	}

	reply, err := p.guard.store.EvalAtomic(ctx, redis.CompareAndDelete, []string{p.key}, p.marker)
	if err != nil {
		p.guard.logger.Error("Failed to roll back submission", err,
			logging.Field{Key: "operation", Value: p.operationID},
			logging.Field{Key: "key", Value: p.key},
		)
		return err
	}
	n, err := redis.ToInt64(reply)
	if err != nil {
		return errors.InternalError("unexpected rollback reply", err)
	}
	if n == 0 {
		p.guard.logger.Debug("Rollback skipped, claim no longer held",
			logging.Field{Key: "operation", Value: p.operationID},
			logging.Field{Key: "key", Value: p.key},
		)
	}
	return nil
}

// rollbackTimeout bounds the delete issued from Run's cleanup path
const rollbackTimeout = 5 * time.Second

func (p *Permit) rollbackDetached(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	_ = p.Rollback(ctx)
}
