// Package lock enforces the single-writer rule for WOPI documents.
//
// A Manager owns the mapping from file ID to the lock currently held on it.
// Implementations differ in where that mapping lives (process memory,
// DynamoDB, Redis) but share one contract: the check-then-mutate step of
// every operation is atomic per file, expired locks are treated as absent,
// and conflicts report the token of the current holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jun/wopihost/internal/model"
)

// DefaultTTL is how long a lock stays valid without a refresh.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotLocked is returned by Release and Refresh when no active lock exists.
	ErrNotLocked = errors.New("file is not locked")

	// ErrConflictingLock is matched by every *ConflictError.
	ErrConflictingLock = errors.New("file is locked by another session")
)

// ConflictError reports that a different token holds the lock.
type ConflictError struct {
	CurrentToken string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (current lock %q)", ErrConflictingLock, e.CurrentToken)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictingLock
}

// CurrentTokenOf extracts the holder token from a lock error, or "" if err
// carries none.
func CurrentTokenOf(err error) string {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.CurrentToken
	}
	return ""
}

// Manager defines the lock operations used by the WOPI handlers.
type Manager interface {
	// Acquire creates a lock for token, or extends it if token already holds it.
	Acquire(ctx context.Context, fileID, token string) (*model.Lock, error)

	// Release removes the lock if token holds it.
	Release(ctx context.Context, fileID, token string) error

	// Refresh extends an existing lock held by token. It never creates one.
	Refresh(ctx context.Context, fileID, token string) (*model.Lock, error)

	// CurrentToken returns the token of the active lock, or "" when unlocked.
	CurrentToken(ctx context.Context, fileID string) (string, error)

	// Guard runs fn only if token holds an active lock on fileID. While fn
	// runs the lock cannot expire, be released or change hands; a concurrent
	// Release waits until fn returns. Errors from fn are returned unchanged.
	Guard(ctx context.Context, fileID, token string, fn func(ctx context.Context) error) error
}

// Option configures a Manager implementation.
type Option func(*options)

type options struct {
	ttl           time.Duration
	now           func() time.Time
	retryInterval time.Duration
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, now: time.Now, retryInterval: 50 * time.Millisecond}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL sets the lock validity window. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetryInterval sets how often a shared backend re-attempts a Release
// or Guard that is waiting for a guarded write. Non-positive values are ignored.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// errWriteInProgress is returned internally by shared backends when a
// Release or Guard hits a guarded write.
var errWriteInProgress = errors.New("write in progress")

// untilIdle retries fn at a constant interval while a guarded write holds
// the lock.
func untilIdle(ctx context.Context, interval time.Duration, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, errWriteInProgress) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if cerr := ctx.Err(); cerr != nil && err == cerr {
		return fmt.Errorf("failed to %s lock: %w", op, err)
	}
	return err
}
