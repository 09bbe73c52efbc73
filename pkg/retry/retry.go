// Package retry provides retry logic with exponential backoff for transient tiercache failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the initial one.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which the delay grows after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delays to avoid thundering herds.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableCodes, when non-empty, overrides the default retryability
	// classification from the errors package.
	RetryableCodes []errors.Code `yaml:"retryable_codes" json:"retryable_codes"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling in defaults for zero values.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic, honoring context cancellation
// between attempts and during backoff sleeps.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !r.isRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) isRetryable(err error) bool {
	if len(r.config.RetryableCodes) == 0 {
		return errors.IsRetryable(err)
	}
	code := errors.CodeOf(err)
	for _, c := range r.config.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// delay computes the backoff delay for the given attempt (1-based).
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		// Full jitter in [d/2, d).
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // backoff jitter needs no crypto randomness
	}
	return time.Duration(d)
}
