// Package retry retries operations with exponential backoff and jitter.
//
// The store factory uses it while the backend is still coming up, and the
// Redis backend uses it to re-run optimistic transactions that lost a race.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/policyd/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 || c.Multiplier <= 0 {
		return c.jitter(c.InitialInterval)
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	return c.jitter(time.Duration(interval))
}

func (c BackoffConfig) jitter(d time.Duration) time.Duration {
	if !c.Jitter || d < 2 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// StopError wraps an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do runs fn until it succeeds, returns a StopError, the retries are used
// up or ctx is done. op names the operation in log lines.
func Do(ctx context.Context, op string, config BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := config.Delay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: retry cancelled: %w", op, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		if attempt < config.MaxRetries {
			logger.Debug("Retrying operation", "op", op, "attempt", attempts, "error", err)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
