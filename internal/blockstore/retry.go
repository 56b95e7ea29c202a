package blockstore

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration // Initial delay between retries (default: 100ms)
	MaxDelay   time.Duration // Maximum delay between retries (default: 5s)
	Multiplier float64       // Delay multiplier for exponential backoff (default: 2.0)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted.
func WithRetry[T any](ctx context.Context, logger *zap.Logger, op string, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("store call succeeded after retry", zap.String("op", op), zap.Int("attempt", attempt+1))
			}
			return result, nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}

		if attempt < cfg.MaxRetries {
			delay := calculateDelay(attempt, cfg)
			logger.Warn("store call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	logger.Warn("store call attempts exhausted", zap.String("op", op), zap.Int("attempts", cfg.MaxRetries+1))

	var reqErr *RequestError
	if errors.As(lastErr, &reqErr) {
		reqErr.Retryable = false
		return zero, lastErr
	}
	return zero, &RequestError{Op: op, Err: lastErr, Retryable: false}
}

// calculateDelay computes the delay for the given attempt using exponential backoff with jitter
func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// 80% to 120% of delay
	jitter := 0.8 + rand.Float64()*0.4
	delay *= jitter

	return time.Duration(delay)
}
