package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff < 0 {
		backoff = 0
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

// Do runs fn until it succeeds, returns a permanent error, the retry budget is
// spent or ctx is done. onRetry (optional) is called before each wait with the
// failed attempt number, starting at 1. The returned int is the number of
// attempts made.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	attempts := 0
	for i := 0; i <= r.MaxRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempts, err
		}
		attempts++
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if IsPermanent(err) || i == r.MaxRetries {
			return attempts, err
		}
		if onRetry != nil {
			onRetry(attempts, err)
		}
		if r.Backoff > 0 {
			timer := time.NewTimer(r.Backoff * time.Duration(i+1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, err
			case <-timer.C:
			}
		}
	}
	return attempts, err
}
