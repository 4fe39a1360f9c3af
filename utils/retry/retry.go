// Package retry implements the policy executor that wraps every call into the
// cache, archive and backend tiers. It is the single point of failure-policy
// enforcement: callers never hand-roll retry loops.
package retry

import (
	"context"
	"time"

	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// Policy controls how many times an operation is attempted and how long the
// runner waits between attempts. Backoff is linear: BaseDelay * attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy mirrors the knobs we run with in production.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	}
}

// OnRetry is invoked before each re-attempt, after the backoff wait has been
// scheduled. Used for structured logging of retries.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do invokes op up to p.MaxAttempts times. A failure is re-attempted only if
// it is tagged retryable; non-retryable failures and exhausted attempts return
// the last failure unchanged. Cancellation aborts the backoff wait immediately
// and returns a cancellation failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry OnRetry) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperr.FromContext(err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if apperr.IsCancelled(lastErr) {
			return lastErr
		}
		if !apperr.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			return lastErr
		}

		delay := p.BaseDelay * time.Duration(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.FromContext(ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}
