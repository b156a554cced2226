package childmgr

import (
	"context"
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: withRetry propagates it immediately
// instead of burning the remaining attempts. Use it for programming errors
// such as an empty command, where retrying cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// withRetry runs op up to attempts times, sleeping base*2^i between failures
// (1s, 2s, 4s with the defaults). The delay is a cancellable timer, so
// cancelling ctx aborts a pending retry cleanly. The last error is returned
// after exhaustion so callers can report root cause.
func withRetry(ctx context.Context, attempts int, base time.Duration, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		delay := base << uint(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
