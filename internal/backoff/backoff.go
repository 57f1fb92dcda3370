// Package backoff provides exponential backoff for retrying calls to
// external collaborators.
package backoff

import (
	"context"
	"time"
)

const (
	baseDelay = 200 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// Delay returns the exponential backoff duration for a given retry count.
// Logic: baseDelay * 2^retryCount, capped at maxDelay.
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		return baseDelay
	}

	// 2^30 already exceeds any sane cap.
	if retryCount > 30 {
		return maxDelay
	}

	d := baseDelay * time.Duration(1<<retryCount)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Retry runs fn up to attempts times, sleeping Delay(i) between failures.
// Returns nil on the first success, the last error on exhaustion, or the
// context error if the context is cancelled while waiting.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(Delay(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
