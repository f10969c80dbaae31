// Package retry implements bounded retry with exponential backoff for
// a single routed candidate. Failover across candidates belongs to the
// router; this package only ever retries the same provider.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// Policy defines the retry behaviour for one attempt chain.
type Policy struct {
	MaxRetries   int // retries after the first attempt (0 disables retry)
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // ±25% randomization to avoid synchronized retries
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// SleepFunc waits for the given duration or until the context is done.
// Injectable so tests run without real time.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Coordinator executes one routed attempt with bounded retry.
type Coordinator struct {
	policy Policy
	logger *zap.Logger
	sleep  SleepFunc
	jitter func() float64 // uniform in [-1, 1)
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(policy Policy, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		policy: policy.normalized(),
		logger: logger,
		sleep:  defaultSleep,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// WithSleep replaces the sleep function. Test hook.
func (c *Coordinator) WithSleep(sleep SleepFunc) *Coordinator {
	c.sleep = sleep
	return c
}

// Execute runs fn until it succeeds, a non-retryable error surfaces, the
// retry budget is exhausted, or the context deadline expires. It
// returns the attempt count alongside the terminal result.
//
// Non-retryable errors propagate immediately and consume no retry
// budget. The caller's context carries the global per-request deadline,
// which bounds total elapsed time independently of per-attempt timeouts.
func (c *Coordinator) Execute(
	ctx context.Context,
	fn func(ctx context.Context) (*domain.CompletionResult, error),
) (*domain.CompletionResult, int, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.delayFor(attempt, lastErr)

			c.logger.Debug("retrying provider call",
				observability.Int("attempt", attempt),
				observability.Int("max_retries", c.policy.MaxRetries),
				observability.Duration("delay", delay),
				observability.Error(lastErr),
			)

			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				// Deadline hit while backing off: the ambiguity rule
				// makes this a timeout, still counting prior attempts.
				return nil, attempt, lastErr
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			return nil, attempt + 1, err
		}
	}

	return nil, c.policy.MaxRetries + 1, lastErr
}

// delayFor computes the backoff before retry number attempt (1-based).
// A provider backoff hint takes precedence over the computed delay;
// both are capped at MaxDelay.
func (c *Coordinator) delayFor(attempt int, lastErr error) time.Duration {
	if hint := domain.RetryAfterHint(lastErr); hint > 0 {
		if hint > c.policy.MaxDelay {
			return c.policy.MaxDelay
		}
		return hint
	}

	delay := float64(c.policy.InitialDelay) * math.Pow(c.policy.Multiplier, float64(attempt-1))
	if delay > float64(c.policy.MaxDelay) {
		delay = float64(c.policy.MaxDelay)
	}

	if c.policy.Jitter {
		delay += delay * 0.25 * c.jitter()
	}

	if delay < float64(c.policy.InitialDelay) {
		delay = float64(c.policy.InitialDelay)
	}

	return time.Duration(delay)
}
