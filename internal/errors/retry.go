package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/maxthelion/octopoid/internal/logging"
)

// RetryConfig is the store adapter's network-error retry policy: bounded
// attempts with exponential backoff and jitter, applied inside the adapter
// before a failure surfaces to the caller. Conflict and validation
// failures never reach the backoff loop because IsTransient reports them
// permanent.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig is the policy HTTPStore starts from unless overridden
// via store.WithRetryConfig. GitHubClient does not retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is one attempt at a store/forge call.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn, retrying with exponential backoff and jitter for as long
// as the returned error is transient and attempts remain. logger may be nil.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn RetryableFunc) error {
	log := logging.OrNop(logger)

	var lastErr error
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("store/forge call succeeded after %d attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			log.Warn("store/forge call: retries exhausted after %d attempts: %v", attempt+1, err)
			break
		}

		delay := calculateBackoff(attempt, config)
		log.Debug("store/forge call failed, retrying in %v (attempt %d/%d): %v", delay, attempt+2, config.MaxAttempts+1, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff computes baseDelay*2^attempt, capped at MaxDelay, with up
// to ±JitterFactor randomization so concurrent orchestrators don't retry a
// flapping store in lockstep.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}
