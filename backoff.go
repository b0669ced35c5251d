package solgate

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to maxAttempts times with bounded exponential backoff,
// doubling the delay after each failure starting from baseDelay. It returns
// nil on the first success, the last error once attempts are exhausted, and
// the context error if ctx is cancelled while waiting.
//
// The same combinator backs both transfer retries and refund retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
