// Package retry provides bounded retry with optional exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err so that Do returns it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // total attempts, values below 1 mean a single attempt
	InitialDelay time.Duration // pause after the first failure, 0 retries immediately
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // backoff growth, 1 keeps the delay fixed
	AddJitter    bool          // add up to 25% of the delay
}

// Quick returns a config for fast retries during startup
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Handshake retries attempts back to back; each attempt is expected to bound
// its own wait (the RPC ping does so with a per-attempt timeout).
func Handshake(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		Multiplier:  1,
	}
}

func (c Config) validate() error {
	switch {
	case c.InitialDelay < 0:
		return errors.New("retry: InitialDelay cannot be negative")
	case c.MaxDelay < 0:
		return errors.New("retry: MaxDelay cannot be negative")
	case c.Multiplier < 0:
		return errors.New("retry: Multiplier cannot be negative")
	case c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay:
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return nil
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or the attempts are exhausted. fn receives the 1-based attempt number.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if delay > 0 {
			if err := sleep(ctx, withJitter(delay, cfg.AddJitter)); err != nil {
				return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
			}
			delay = nextDelay(delay, cfg)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func withJitter(d time.Duration, enabled bool) time.Duration {
	if !enabled || d < 4 {
		return d
	}
	return d + rand.N(d/4)
}

func nextDelay(d time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(d) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	if next < 0 {
		return cfg.MaxDelay
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
