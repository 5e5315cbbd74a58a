package engine

import (
	"context"
	"errors"
)

// activityInfoKey stashes ActivityInfo in contexts handed to activity
// handlers.
type activityInfoKey struct{}

// heartbeatKey stashes the backend heartbeat function in activity contexts.
type heartbeatKey struct{}

// ActivityInfo identifies the activity attempt currently executing. Engine
// adapters populate it before invoking the handler so activities can build
// idempotency keys and log attempt counts without parsing their input.
type ActivityInfo struct {
	// WorkflowID is the identifier of the owning workflow execution.
	WorkflowID string
	// RunID is the backend run identifier of the owning execution.
	RunID string
	// ActivityName is the registered activity type name.
	ActivityName string
	// Attempt is 1-based and increments on each retry.
	Attempt int
}

// WithActivityInfo returns a child context carrying the activity attempt
// metadata. Engine adapters call this before invoking activity handlers.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// InfoFromContext extracts the ActivityInfo installed by the engine adapter.
// The zero value is returned when the context does not originate from an
// activity invocation.
func InfoFromContext(ctx context.Context) ActivityInfo {
	if info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo); ok {
		return info
	}
	return ActivityInfo{}
}

// HeartbeatFunc records liveness for a long-running activity attempt.
type HeartbeatFunc func(ctx context.Context, details []byte)

// WithHeartbeats returns a child context carrying the backend heartbeat
// function. Engine adapters install it before invoking activity handlers.
func WithHeartbeats(ctx context.Context, fn HeartbeatFunc) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// RecordHeartbeat reports activity liveness to the engine. Long-running
// activities call it periodically so a stalled attempt times out and is
// rescheduled instead of blocking the workflow. The details payload is
// surfaced on the next attempt for resume-from-checkpoint decisions. Calling
// RecordHeartbeat outside an activity is a no-op.
func RecordHeartbeat(ctx context.Context, details []byte) {
	if fn, ok := ctx.Value(heartbeatKey{}).(HeartbeatFunc); ok && fn != nil {
		fn(ctx, details)
	}
}

// PermanentError marks an activity failure that retrying cannot fix, such as
// input that fails validation. Engines stop retrying immediately when an
// activity returns one.
type PermanentError struct {
	Err error
}

// Permanent wraps err so the engine treats the failure as non-retryable.
// Returns nil when err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error returns the wrapped error message.
func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err or any error it wraps marks a
// non-retryable activity failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
