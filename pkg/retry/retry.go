// Package retry wraps fallible operations with bounded retries and
// exponential backoff.
//
// Invariants:
// - A disabled policy degrades to exactly one attempt.
// - The OnRetry observer fires once per retry attempt, before the sleep.
// - A cancelled backoff sleep never fires a subsequent attempt.
// - On exhaustion the last failure is returned verbatim.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Policy configures retry behavior. Immutable once handed to an Executor.
type Policy struct {
	Enabled    bool
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// DefaultPolicy returns the policy used for model invocations.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:    true,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// Retryable decides whether a failure is worth another attempt.
type Retryable func(err error) bool

// AfterHinter is implemented by errors carrying an explicit retry-after
// hint, e.g. from a provider rate-limit header. The hint takes precedence
// over computed backoff.
type AfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Executor retries an operation according to a Policy.
type Executor struct {
	policy    Policy
	retryable Retryable
	onRetry   func(attempt int, delay time.Duration)
	logger    zerolog.Logger
	rng       *rand.Rand
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRetryable sets the retry-eligibility decision. Defaults to retrying
// every failure.
func WithRetryable(fn Retryable) Option {
	return func(e *Executor) {
		e.retryable = fn
	}
}

// WithOnRetry sets an observer invoked once per retry attempt, before the
// backoff sleep. This is the only place retries are observable.
func WithOnRetry(fn func(attempt int, delay time.Duration)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// New creates an Executor.
func New(policy Policy, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		policy:    policy,
		retryable: func(error) bool { return true },
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op, retrying eligible failures up to the policy limit. The final
// failure is returned unwrapped so callers can classify it.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxRetries := e.policy.MaxRetries
	if !e.policy.Enabled {
		maxRetries = 0
	}

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.delayFor(attempt, lastErr)
			if e.onRetry != nil {
				e.onRetry(attempt, delay)
			}
			e.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying after error")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !e.retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// delayFor computes the backoff before the given retry attempt (1-based).
func (e *Executor) delayFor(attempt int, lastErr error) time.Duration {
	var hinter AfterHinter
	if errors.As(lastErr, &hinter) {
		if after, ok := hinter.RetryAfterHint(); ok && after > 0 {
			return after
		}
	}

	delay := e.policy.BaseDelay << (attempt - 1)
	if e.policy.MaxDelay > 0 && delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}
	if delay < 0 {
		delay = e.policy.MaxDelay
	}

	if e.policy.Jitter && delay > 0 {
		// Full jitter: uniform in [0, delay]
		delay = time.Duration(e.rng.Int63n(int64(delay) + 1))
	}

	return delay
}
