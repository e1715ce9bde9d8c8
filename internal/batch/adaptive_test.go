package batch

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/venuesync/venuesync/pkg/logger"
)

const venue = "https://mp.example.com|venue-1|u"

func testConfig() Config {
	return Config{
		Initial:           50,
		Min:               10,
		Max:               200,
		IncreaseThreshold: 3,
		IncreaseRate:      1.5,
		DecreaseRate:      0.5,
		NominalDelay:      2 * time.Second,
		ConservativeDelay: 10 * time.Second,
	}
}

func newBatcher(t *testing.T, cfg Config) *Batcher {
	t.Helper()
	return New(cfg, filepath.Join(t.TempDir(), "adaptive-batch.json"), logger.Nop())
}

func TestInitialSize(t *testing.T) {
	b := newBatcher(t, testConfig())
	require.Equal(t, 50, b.Size(venue))
}

func TestSuccessStreakGrowsSize(t *testing.T) {
	b := newBatcher(t, testConfig())

	b.OnSuccess(venue)
	b.OnSuccess(venue)
	require.Equal(t, 50, b.Size(venue), "below threshold, size unchanged")

	b.OnSuccess(venue)
	require.Equal(t, 75, b.Size(venue), "threshold reached, size grows by increase rate")

	// Streak resets after an increase.
	b.OnSuccess(venue)
	require.Equal(t, 75, b.Size(venue))
}

func TestRateLimitShrinksSizeAndResetsStreak(t *testing.T) {
	b := newBatcher(t, testConfig())

	b.OnSuccess(venue)
	b.OnSuccess(venue)
	b.OnRateLimit(venue)
	require.Equal(t, 25, b.Size(venue))

	// The earlier successes no longer count toward an increase.
	b.OnSuccess(venue)
	b.OnSuccess(venue)
	require.Equal(t, 25, b.Size(venue))
	b.OnSuccess(venue)
	require.Equal(t, 37, b.Size(venue))
}

func TestSizeBounds(t *testing.T) {
	b := newBatcher(t, testConfig())

	for i := 0; i < 10; i++ {
		b.OnRateLimit(venue)
	}
	require.Equal(t, 10, b.Size(venue), "size never drops below min")

	for i := 0; i < 100; i++ {
		b.OnSuccess(venue)
	}
	require.Equal(t, 200, b.Size(venue), "size never exceeds the payload ceiling")
}

func TestSizeAlwaysWithinBoundsProperty(t *testing.T) {
	dir := t.TempDir()
	var iter int
	rapid.Check(t, func(t *rapid.T) {
		iter++
		b := New(testConfig(), filepath.Join(dir, fmt.Sprintf("adaptive-%d.json", iter)), logger.Nop())
		n := rapid.IntRange(1, 200).Draw(t, "events")
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "ratelimit") {
				b.OnRateLimit(venue)
			} else {
				b.OnSuccess(venue)
			}
			size := b.Size(venue)
			if size < 10 || size > 200 {
				t.Fatalf("size %d out of [10,200]", size)
			}
		}
	})
}

func TestRecommendedDelay(t *testing.T) {
	b := newBatcher(t, testConfig())
	require.Equal(t, 2*time.Second, b.RecommendedDelay(venue))

	b.OnRateLimit(venue)
	require.Equal(t, 10*time.Second, b.RecommendedDelay(venue), "conservative right after a 429")

	b.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	require.Equal(t, 2*time.Second, b.RecommendedDelay(venue), "nominal once the window passes")
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adaptive-batch.json")
	cfg := testConfig()

	b := New(cfg, path, logger.Nop())
	b.OnRateLimit(venue)
	require.Equal(t, 25, b.Size(venue))

	b2 := New(cfg, path, logger.Nop())
	require.Equal(t, 25, b2.Size(venue))
	snap := b2.Snapshot()
	require.Equal(t, int64(1), snap[venue].TotalRateLimits)
}
