package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
)

const (
	// MaxAttempts is the total number of tries for a retryable call
	MaxAttempts = 3

	// baseDelay is the first retry delay; subsequent delays double
	baseDelay = time.Second

	// maxRateLimitBackoff caps the wait after a 429
	maxRateLimitBackoff = 60 * time.Second
)

// WithRetry runs fn up to MaxAttempts times, retrying only transient and
// rate-limited errors with 1s/2s/4s delays. Rate-limited calls honor the
// server-suggested backoff capped at 60s. Invalid requests and auth
// failures surface immediately.
func WithRetry(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := baseDelay

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		metrics.RecordProviderCall(providerName, operation, time.Since(start), err)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == MaxAttempts {
			break
		}

		wait := delay
		if IsRateLimited(err) {
			wait = rateLimitBackoff(err, delay)
		}

		slog.Debug("retrying provider call",
			slog.String("provider", providerName),
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		metrics.ProviderRetries.WithLabelValues(providerName, operation).Inc()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return lastErr
}

// rateLimitBackoff picks the wait for a 429, preferring the
// server-suggested Retry-After and capping at 60s
func rateLimitBackoff(err error, fallback time.Duration) time.Duration {
	wait := fallback
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		wait = time.Duration(pe.RetryAfter) * time.Second
	}
	if wait > maxRateLimitBackoff {
		wait = maxRateLimitBackoff
	}
	return wait
}
