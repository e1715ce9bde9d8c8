package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuesync/venuesync/pkg/logger"
)

var key = VenueKey{BaseURL: "https://mp.example.com", VenueID: "venue-1", User: "u"}

func newGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	return New(cfg, filepath.Join(t.TempDir(), "rate-limits.json"), logger.Nop())
}

func TestWaitEnforcesMinInterval(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: 50 * time.Millisecond})

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, g.Wait(ctx, key))
	require.NoError(t, g.Wait(ctx, key))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestOnRateLimitedAdvancesDeadline(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond, Buffer: time.Second, Learning: true, LearnedCap: time.Hour})

	before := time.Now()
	g.OnRateLimited(key, 2*time.Second)

	next := g.NextAllowedAt(key)
	require.True(t, next.Sub(before) >= 3*time.Second, "deadline must cover retry-after plus buffer")
	require.Equal(t, 2*time.Second, g.LearnedInterval(key))
}

func TestOnRateLimitedIgnoresNonPositive(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond, Learning: true, LearnedCap: time.Hour})
	g.OnRateLimited(key, 0)
	require.True(t, g.NextAllowedAt(key).IsZero())
	require.Zero(t, g.LearnedInterval(key))
}

func TestLearnedIntervalNeverShrinksAndIsCapped(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond, Learning: true, LearnedCap: 10 * time.Second})

	g.OnRateLimited(key, 5*time.Second)
	require.Equal(t, 5*time.Second, g.LearnedInterval(key))

	g.OnRateLimited(key, 2*time.Second)
	require.Equal(t, 5*time.Second, g.LearnedInterval(key), "shorter retry-after must not shrink the learned interval")

	g.OnRateLimited(key, time.Hour)
	require.Equal(t, 10*time.Second, g.LearnedInterval(key), "learned interval is capped")
}

func TestLearningDisabled(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond})
	g.OnRateLimited(key, 5*time.Second)
	require.Zero(t, g.LearnedInterval(key))
}

func TestOnSuccessPushesDeadline(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: 2 * time.Second, PostSuccess: true})

	before := time.Now()
	g.OnSuccess(key)
	require.True(t, g.NextAllowedAt(key).Sub(before) >= 2*time.Second)

	g2 := newGovernor(t, Config{MinInterval: 2 * time.Second})
	g2.OnSuccess(key)
	require.True(t, g2.NextAllowedAt(key).IsZero(), "post-success enforcement is opt-in")
}

func TestLearnedStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate-limits.json")
	cfg := Config{MinInterval: time.Millisecond, Learning: true, LearnedCap: time.Hour}

	g := New(cfg, path, logger.Nop())
	g.OnRateLimited(key, 7*time.Second)

	g2 := New(cfg, path, logger.Nop())
	require.Equal(t, 7*time.Second, g2.LearnedInterval(key))
	require.False(t, g2.NextAllowedAt(key).IsZero())
}

func TestCorruptPersistenceStartsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate-limits.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	g := New(Config{MinInterval: time.Millisecond}, path, logger.Nop())
	require.Zero(t, g.LearnedInterval(key))
}

func TestRateLimitedVenueDoesNotStallOthers(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond, Learning: true, LearnedCap: time.Hour})
	other := VenueKey{BaseURL: "https://mp.example.com", VenueID: "venue-2", User: "u"}

	g.OnRateLimited(key, 500*time.Millisecond)

	sleeping := make(chan struct{})
	released := make(chan struct{})
	go func() {
		close(sleeping)
		_ = g.Wait(context.Background(), key)
		close(released)
	}()
	<-sleeping
	time.Sleep(20 * time.Millisecond) // let the gate sleep begin

	start := time.Now()
	g.OnRateLimited(other, time.Millisecond)
	require.Less(t, time.Since(start), 200*time.Millisecond,
		"one venue's gate sleep must not delay another venue's back-off bookkeeping")
	<-released
}

func TestWaitHonorsContext(t *testing.T) {
	g := newGovernor(t, Config{MinInterval: time.Millisecond})
	g.OnRateLimited(key, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
