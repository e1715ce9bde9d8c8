package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rateLimitedErr struct{ after time.Duration }

func (e rateLimitedErr) Error() string            { return "rate limited" }
func (e rateLimitedErr) RetryAfter() time.Duration { return e.after }

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "4 attempts")
	require.Equal(t, 4, calls)
}

func TestTerminalErrorStopsImmediately(t *testing.T) {
	terminal := errors.New("conflict")
	p := fastPolicy(5)
	p.Retriable = func(err error) bool { return !errors.Is(err, terminal) }

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	require.Equal(t, 1, calls)
}

func TestRetryAfterOverridesSleep(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Factor:       2,
		MaxDelay:     time.Second,
		OnRetry:      func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
	}

	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return rateLimitedErr{after: 50 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Len(t, delays, 1)
	// Retry-After plus the one-second margin.
	require.Equal(t, 50*time.Millisecond+time.Second, delays[0])
}

func TestExponentialAdvancesPastOverride(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Millisecond,
		Factor:       2,
		MaxDelay:     time.Second,
		OnRetry:      func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
	}

	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return rateLimitedErr{after: time.Millisecond}
		}
		return errors.New("other")
	})
	require.Len(t, delays, 3)
	// Attempt 2 slept the override; attempts 3 and 4 resume the advanced
	// exponential schedule (4ms then 8ms), not the initial 2ms.
	require.Equal(t, 4*time.Millisecond, delays[1])
	require.Equal(t, 8*time.Millisecond, delays[2])
}

func TestContextCancelDuringSleep(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, Factor: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, func(context.Context) error { return errors.New("x") })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAuthPolicyShape(t *testing.T) {
	p := AuthPolicy()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 2*time.Second, p.InitialDelay)
	require.Nil(t, p.Retriable, "auth retries everything")
}

func TestMarketplacePolicyShape(t *testing.T) {
	p := MarketplacePolicy(func(error) bool { return true })
	require.Equal(t, 8, p.MaxAttempts)
	require.Equal(t, 2*time.Second, p.InitialDelay)
	require.NotNil(t, p.Retriable)
}
