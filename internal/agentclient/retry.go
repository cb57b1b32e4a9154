package agentclient

import (
	"context"
	"errors"
	"net"
	"time"
)

func asHTTPError(err error, target **HTTPError) bool {
	return errors.As(err, target)
}

func isTimeoutOrNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryDo runs fn up to cfg.MaxAttempts times, retrying only errors that
// isRetryable classifies as transient (network/5xx/timeout, spec §4.G),
// with linear backoff starting at cfg.BaseDelay. The last error is
// returned if every attempt fails or the error is not retryable; ctx.Err()
// is returned if ctx is cancelled between attempts.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts || !isRetryable(err) {
			return zero, err
		}
		delay := cfg.BaseDelay * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
