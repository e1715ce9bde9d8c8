package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuesync/venuesync/pkg/logger"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func newBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New(Config{Name: "test", FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute}, logger.Nop())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		require.Equal(t, Closed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.Equal(t, Open, b.State())

	var openErr *OpenError
	err := b.Execute(ctx, ok)
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "test", openErr.Name)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, Closed, b.State(), "non-consecutive failures must not trip")
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, Open, b.State())

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, HalfOpen, b.State(), "one probe success is not enough")
	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, Closed, b.State())
}

func TestHalfOpenReopensOnFirstFailure(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	base := time.Now()
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Equal(t, HalfOpen, b.State())

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, Open, b.State())
}

func TestReset(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	require.Equal(t, Closed, b.State())
	require.NoError(t, b.Execute(ctx, ok))
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errThrottled := errors.New("throttled")
	b := New(Config{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Ignore:           func(err error) bool { return errors.Is(err, errThrottled) },
	}, logger.Nop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return errThrottled }), errThrottled)
	}
	require.Equal(t, Closed, b.State())

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, Open, b.State(), "non-ignored errors still count")
}

func TestPresets(t *testing.T) {
	sot := SoTConfig()
	require.Equal(t, 5, sot.FailureThreshold)
	require.Equal(t, 60*time.Second, sot.Timeout)
	require.Equal(t, 2, sot.SuccessThreshold)

	mp := MarketplaceConfig()
	require.Equal(t, 10, mp.FailureThreshold)
	require.Equal(t, 120*time.Second, mp.Timeout)
	require.Equal(t, 3, mp.SuccessThreshold)
}

func TestSnapshot(t *testing.T) {
	b := newBreaker(t)
	snap := b.Snapshot()
	require.Equal(t, "test", snap.Name)
	require.Equal(t, Closed, snap.State)
	require.True(t, snap.OpenedAt.IsZero())

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), fail))
	}
	snap = b.Snapshot()
	require.Equal(t, Open, snap.State)
	require.False(t, snap.OpenedAt.IsZero())
}
