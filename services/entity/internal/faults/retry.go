package faults

import (
	"context"
	"time"
)

// Policy bounds retry-with-backoff
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy is three retries starting at 100ms
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// Delay returns the wait before retry attempt n (0-based): BaseDelay * 2^n
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// Retry runs op until it succeeds, returns a non-retryable error, or MaxRetries
// retries are spent. The returned error is the normalized last error. Waiting
// stops early when ctx is done.
func Retry[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		fe := Normalize(err, Scope{})
		if !fe.Retryable || attempt >= p.MaxRetries {
			return zero, fe
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fe
		case <-timer.C:
		}
	}
}
