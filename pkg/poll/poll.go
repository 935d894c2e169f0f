package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidBaseDelay   = errors.New("BaseDelay must be greater than 0")
	ErrInvalidMaxAttempts = errors.New("MaxAttempts must be greater than 0")
	ErrRetriesExhausted   = errors.New("operation did not succeed within the attempt budget")
)

// Config defines parameters for exponential backoff between attempts.
type Config struct {
	// Initial delay before the second attempt
	BaseDelay time.Duration
	// Multiplier applied to the delay after each attempt
	Factor float64
	// Optional maximum delay between attempts
	MaxDelay time.Duration
}

// Retry calls opFn up to maxAttempts times, sleeping between attempts with
// exponential backoff starting at Config.BaseDelay. opFn reports whether the
// failure is retryable; a non-retryable error is returned immediately. When
// the budget runs out the last error is wrapped in ErrRetriesExhausted.
func Retry(ctx context.Context, cfg *Config, maxAttempts int, opFn func(context.Context) (retryable bool, err error)) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		return fmt.Errorf("invalid Config: %w", ErrInvalidBaseDelay)
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		retryable, err := opFn(ctx)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = nextDelay(cfg, delay)
	}
}

func nextDelay(cfg *Config, delay time.Duration) time.Duration {
	factor := cfg.Factor
	if factor <= 1 {
		factor = 2
	}
	next := time.Duration(float64(delay) * factor)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}
