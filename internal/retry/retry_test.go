package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/retry"
)

func noSleep(delays *[]time.Duration) retry.SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
}

func retryableErr(kind domain.ErrorKind) error {
	return domain.NewProviderError("openai", kind, errors.New("upstream failed"))
}

func TestCoordinator_SucceedsFirstAttempt(t *testing.T) {
	c := retry.NewCoordinator(retry.Policy{MaxRetries: 3}, zap.NewNop()).WithSleep(noSleep(nil))

	result, attempts, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
		return &domain.CompletionResult{Content: "ok"}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, "ok", result.Content)
}

func TestCoordinator_NeverExceedsMaxRetries(t *testing.T) {
	c := retry.NewCoordinator(retry.Policy{MaxRetries: 2}, zap.NewNop()).WithSleep(noSleep(nil))

	calls := 0
	_, attempts, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
		calls++
		return nil, retryableErr(domain.ErrorKindUnavailable)
	})

	require.Error(t, err)
	require.Equal(t, 3, calls) // first attempt + 2 retries
	require.Equal(t, 3, attempts)
}

func TestCoordinator_NonRetryableShortCircuits(t *testing.T) {
	t.Run("should not retry auth errors", func(t *testing.T) {
		c := retry.NewCoordinator(retry.Policy{MaxRetries: 5}, zap.NewNop()).WithSleep(noSleep(nil))

		calls := 0
		_, attempts, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
			calls++
			return nil, retryableErr(domain.ErrorKindAuth)
		})

		require.Error(t, err)
		require.Equal(t, 1, calls)
		require.Equal(t, 1, attempts)
	})

	t.Run("should not retry invalid responses", func(t *testing.T) {
		c := retry.NewCoordinator(retry.Policy{MaxRetries: 5}, zap.NewNop()).WithSleep(noSleep(nil))

		calls := 0
		_, _, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
			calls++
			return nil, retryableErr(domain.ErrorKindInvalidResponse)
		})

		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestCoordinator_ExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	c := retry.NewCoordinator(retry.Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop()).WithSleep(noSleep(&delays))

	_, _, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
		return nil, retryableErr(domain.ErrorKindTimeout)
	})

	require.Error(t, err)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, delays)
}

func TestCoordinator_BackoffCappedAtMaxDelay(t *testing.T) {
	var delays []time.Duration
	c := retry.NewCoordinator(retry.Policy{
		MaxRetries:   4,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10.0,
		Jitter:       false,
	}, zap.NewNop()).WithSleep(noSleep(&delays))

	_, _, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
		return nil, retryableErr(domain.ErrorKindUnavailable)
	})

	require.Error(t, err)
	for _, d := range delays[1:] {
		require.Equal(t, 2*time.Second, d)
	}
}

func TestCoordinator_HonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	c := retry.NewCoordinator(retry.Policy{
		MaxRetries:   1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop()).WithSleep(noSleep(&delays))

	hinted := &domain.ProviderError{
		Provider:   "openai",
		Kind:       domain.ErrorKindRateLimit,
		RetryAfter: 7 * time.Second,
		Err:        errors.New("rate limited"),
	}

	_, _, err := c.Execute(context.Background(), func(_ context.Context) (*domain.CompletionResult, error) {
		return nil, hinted
	})

	require.Error(t, err)
	require.Equal(t, []time.Duration{7 * time.Second}, delays)
}

func TestCoordinator_StopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	c := retry.NewCoordinator(retry.Policy{MaxRetries: 5}, zap.NewNop()).
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		})

	calls := 0
	_, _, err := c.Execute(ctx, func(_ context.Context) (*domain.CompletionResult, error) {
		calls++
		return nil, retryableErr(domain.ErrorKindUnavailable)
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
