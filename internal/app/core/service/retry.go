package service

import (
	"context"
	"time"
)

// RetryPolicy governs an in-process retry loop. Backoffs is the wait
// schedule between attempts, so len(Backoffs)+1 attempts run in total.
// Permanent, when set, identifies errors that will never succeed on retry
// and short-circuits the loop.
type RetryPolicy struct {
	Backoffs  []time.Duration
	Permanent func(error) bool
}

// Retry executes fn until it succeeds, returns a permanent error, or the
// backoff schedule is exhausted. It returns the last error observed, or
// ctx.Err() if the context is cancelled mid-wait.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(policy.Backoffs); attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if policy.Permanent != nil && policy.Permanent(err) {
			return err
		}
		if attempt == len(policy.Backoffs) {
			break
		}
		select {
		case <-time.After(policy.Backoffs[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
