package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry runs fn, retrying on error with exponential backoff + jitter up to
// maxAttempts times, stopping early when shouldRetry(err) is false. Unlike the fixed-growth loop this
// replaces, backoff scheduling itself comes from cenkalti/backoff/v4.
func Retry[T any](ctx context.Context, maxAttempts int, initialInterval time.Duration, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("analyzecore")
	attemptCounter, _ := meter.Int64Counter("analyzecore_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("analyzecore_retry_success_total")
	failCounter, _ := meter.Int64Counter("analyzecore_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // bounded by maxAttempts, not elapsed wall time
	bounded := backoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	var result T
	var lastErr error
	op := func() error {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if shouldRetry != nil && !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		failCounter.Add(ctx, 1)
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	successCounter.Add(ctx, 1)
	return result, nil
}
