package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

type fakeRunner struct {
	mu      sync.Mutex
	failIDs map[int]bool
	runs    []int
	block   chan struct{} // when set, Run blocks until closed
}

func (f *fakeRunner) Run(_ context.Context, store model.Store, _ engine.Options) model.RunResult {
	f.mu.Lock()
	f.runs = append(f.runs, store.ID)
	block := f.block
	fail := f.failIDs[store.ID]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	res := model.RunResult{StoreID: store.ID, Status: model.StatusSuccess}
	if fail {
		res.Status = model.StatusError
		res.Err = "induced failure"
	}
	return res
}

func stores(ids ...int) []model.Store {
	out := make([]model.Store, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Store{ID: id, VenueID: "v", Enabled: true})
	}
	return out
}

func TestSweepSequentialAndSuccess(t *testing.T) {
	f := &fakeRunner{}
	s := New(Config{Interval: time.Hour}, stores(1, 2, 3), f, logger.Nop())

	res := s.Sweep(context.Background())
	require.Equal(t, model.StatusSuccess, res.Outcome)
	require.Equal(t, []int{1, 2, 3}, f.runs, "stores swept in order")
	require.Len(t, res.Runs, 3)
	require.NotEmpty(t, res.ID)
}

func TestSweepPartialAndErrorOutcomes(t *testing.T) {
	f := &fakeRunner{failIDs: map[int]bool{2: true}}
	s := New(Config{Interval: time.Hour}, stores(1, 2), f, logger.Nop())

	res := s.Sweep(context.Background())
	require.Equal(t, model.StatusPartial, res.Outcome, "one failure does not abort siblings")

	f.failIDs[1] = true
	res = s.Sweep(context.Background())
	require.Equal(t, model.StatusError, res.Outcome, "all stores failing is an error sweep")
}

func TestConsecutiveFailuresDriveHealth(t *testing.T) {
	f := &fakeRunner{failIDs: map[int]bool{1: true}}
	s := New(Config{Interval: time.Hour}, stores(1, 2), f, logger.Nop())

	s.Sweep(context.Background())
	h := s.Health()
	require.Equal(t, "UP", h.Status, "partial sweep keeps the service up")
	require.Equal(t, "degraded", h.Stores[1].Verdict)
	require.Equal(t, "ok", h.Stores[2].Verdict)

	s.Sweep(context.Background())
	s.Sweep(context.Background())
	h = s.Health()
	require.Equal(t, "unhealthy", h.Stores[1].Verdict)
	require.Equal(t, 3, h.Stores[1].ConsecutiveFailures)

	f.mu.Lock()
	f.failIDs = map[int]bool{}
	f.mu.Unlock()
	s.Sweep(context.Background())
	h = s.Health()
	require.Equal(t, "ok", h.Stores[1].Verdict, "one success resets the count")
}

func TestNoStoresIsDisabledNotFatal(t *testing.T) {
	s := New(Config{Interval: time.Hour}, nil, &fakeRunner{}, logger.Nop())
	require.Equal(t, "DISABLED", s.Health().Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled scheduler did not exit on cancel")
	}
}

func TestSkipWhileSweeping(t *testing.T) {
	block := make(chan struct{})
	f := &fakeRunner{block: block}
	s := New(Config{Interval: time.Hour}, stores(1), f, logger.Nop())

	go s.Sweep(context.Background())
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.runs) == 1
	}, time.Second, 5*time.Millisecond)

	skipped := s.Sweep(context.Background())
	require.Empty(t, skipped.Runs, "overlapping sweep is skipped")
	require.False(t, s.Trigger(), "trigger rejected while sweeping")
	close(block)
}

func TestTriggerQueuesOneSweep(t *testing.T) {
	f := &fakeRunner{}
	s := New(Config{Interval: time.Hour}, stores(1), f, logger.Nop())
	require.True(t, s.Trigger())
	require.False(t, s.Trigger(), "trigger channel holds at most one request")
}
