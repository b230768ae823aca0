// Package retry classifies failures and re-runs operations that failed for transient reasons.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the backoff policy
type Config struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay after the first failure
	Multiplier   float64       // Growth factor applied per attempt
}

// DefaultConfig returns 3 attempts starting at 1s and doubling
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Retrier runs operations under a Config
type Retrier struct {
	config Config
	sleep  SleepFunc
}

// New creates a Retrier. Zero values in config fall back to the defaults.
func New(config Config) *Retrier {
	defaults := DefaultConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retrier{config: config, sleep: sleepContext}
}

// WithSleep replaces the wait function, for tests
func (r *Retrier) WithSleep(sleep SleepFunc) *Retrier {
	r.sleep = sleep
	return r
}

// Config returns the policy in use
func (r *Retrier) Config() Config {
	return r.config
}

// Run is Do for operations without a result value
func (r *Retrier) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do calls fn until it succeeds, fails with a non-retryable error or runs out of
// attempts. The final failure is returned as *Error wrapping the last error.
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	maxAttempts := r.config.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Debug().
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Executing operation")

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("operation", operation).
					Int("attempts", attempt).
					Msg("Operation succeeded after retries")
			}
			return result, nil
		}

		lastErr = err
		kind := Classify(err)

		log.Warn().
			Err(err).
			Str("operation", operation).
			Str("error_kind", string(kind)).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Operation failed")

		if !kind.Retryable() {
			log.Error().
				Err(err).
				Str("operation", operation).
				Str("error_kind", string(kind)).
				Msg("Non-retryable error, giving up")
			return zero, &Error{Kind: kind, Attempts: attempt, Err: err}
		}

		if attempt == maxAttempts {
			break
		}

		delay := r.config.Delay(attempt)
		log.Info().
			Str("operation", operation).
			Dur("retry_in", delay).
			Msg("Waiting before retry")

		if err := r.sleep(ctx, delay); err != nil {
			return zero, &Error{Kind: kind, Attempts: attempt, Err: fmt.Errorf("retry cancelled: %w", lastErr)}
		}
	}

	log.Error().
		Err(lastErr).
		Str("operation", operation).
		Int("total_attempts", maxAttempts).
		Msg("All retry attempts failed")

	return zero, &Error{Kind: Classify(lastErr), Attempts: maxAttempts, Err: lastErr}
}
