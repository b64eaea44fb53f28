package exchange

import (
	"context"
	"math/rand"
	"time"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/traderr"
)

// RetryConfig bounds the capped exponential backoff applied to venue calls.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Backoff: time.Second, BackoffMax: 10 * time.Second}
}

// callWithRetries runs fn up to MaxRetries times. Attempt i sleeps
// min(backoff * 2^(i-1) * jitter, backoffMax) with jitter in [0.5, 1.5].
// The exhausted error is wrapped as a TransientIOError.
func callWithRetries[T any](ctx context.Context, cfg RetryConfig, logger *zaplogrus.Logger, label string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		jitter := 0.5 + rand.Float64()
		sleepFor := time.Duration(float64(delay) * jitter)
		if cfg.BackoffMax > 0 && sleepFor > cfg.BackoffMax {
			sleepFor = cfg.BackoffMax
		}
		if logger != nil {
			logger.WithError(err).WithFields(zaplogrus.Fields{
				"call":    label,
				"attempt": attempt,
				"sleep":   sleepFor.String(),
			}).Warn("Exchange call failed, retrying")
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleepFor):
		}
		delay *= 2
		if cfg.BackoffMax > 0 && delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
		}
	}
	return zero, &traderr.TransientIOError{Op: label, Err: lastErr}
}
