// Package scheduler drives the periodic sweep: every interval it runs
// the sync engine once per enabled store, sequentially. Sequential
// iteration is a memory bound, not a simplification; per-store working
// sets are large.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

// runEngine is the slice of the engine the scheduler consumes.
type runEngine interface {
	Run(ctx context.Context, store model.Store, opts engine.Options) model.RunResult
}

// Config parametrizes the scheduler.
type Config struct {
	Interval time.Duration
}

// SweepResult summarizes one sweep over all enabled stores.
type SweepResult struct {
	ID       string            `json:"id"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration_ms"`
	Outcome  model.RunStatus   `json:"outcome"`
	Runs     []model.RunResult `json:"runs"`
}

// Health is the operator-facing verdict derived from sweep history.
type Health struct {
	Status string                 `json:"status"` // UP, ERROR or DISABLED
	Stores map[int]StoreHealth    `json:"stores,omitempty"`
	Last   *SweepResult           `json:"last_sweep,omitempty"`
}

// StoreHealth is the per-store verdict.
type StoreHealth struct {
	Verdict             string `json:"verdict"` // ok, degraded or unhealthy
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Scheduler owns the sweep loop. At most one sweep runs at a time; a
// tick or trigger arriving mid-sweep is dropped, not queued.
type Scheduler struct {
	cfg     Config
	stores  []model.Store
	eng     runEngine
	log     *logger.Logger
	trigger chan struct{}

	mu       sync.Mutex
	sweeping bool
	fails    map[int]int
	last     *SweepResult
}

// New creates a scheduler over the given enabled stores.
func New(cfg Config, stores []model.Store, eng runEngine, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		stores:  stores,
		eng:     eng,
		log:     log,
		trigger: make(chan struct{}, 1),
		fails:   make(map[int]int),
	}
}

// Run loops until the context is cancelled. With no enabled stores the
// scheduler degrades to the disabled health state instead of exiting.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.stores) == 0 {
		s.log.Warn("no enabled stores, scheduler disabled")
		<-ctx.Done()
		return
	}

	s.log.Info("scheduler starting", "stores", len(s.stores), "interval", s.cfg.Interval.String())
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.trigger:
			s.Sweep(ctx)
		}
	}
}

// Trigger requests an immediate sweep. Returns false when a sweep is
// already queued or running.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	sweeping := s.sweeping
	s.mu.Unlock()
	if sweeping {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Sweep runs the engine once per store, sequentially. A store failure is
// counted and the sweep continues with its siblings.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.log.Warn("previous sweep still running, skipping")
		return SweepResult{}
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	res := SweepResult{ID: uuid.NewString(), Started: time.Now()}
	failed := 0
	for _, store := range s.stores {
		if ctx.Err() != nil {
			break
		}
		run := s.eng.Run(ctx, store, engine.Options{Mode: model.ModeDelta})
		res.Runs = append(res.Runs, run)

		s.mu.Lock()
		if run.Status == model.StatusError {
			failed++
			s.fails[store.ID]++
		} else {
			s.fails[store.ID] = 0
		}
		s.mu.Unlock()
	}

	switch {
	case failed == 0:
		res.Outcome = model.StatusSuccess
	case failed == len(res.Runs):
		res.Outcome = model.StatusError
	default:
		res.Outcome = model.StatusPartial
	}
	res.Duration = time.Since(res.Started)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	s.log.Info("sweep complete",
		"sweep", res.ID, "outcome", string(res.Outcome),
		"stores", len(res.Runs), "failed", failed, "duration", res.Duration.String())
	return res
}

// Health derives the operator verdict from the last sweep and the
// per-store consecutive failure counts.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.stores) == 0 {
		return Health{Status: "DISABLED"}
	}

	h := Health{Status: "UP", Stores: make(map[int]StoreHealth, len(s.stores)), Last: s.last}
	if s.last != nil && s.last.Outcome == model.StatusError {
		h.Status = "ERROR"
	}
	for _, store := range s.stores {
		fails := s.fails[store.ID]
		verdict := "ok"
		switch {
		case fails >= 3:
			verdict = "unhealthy"
		case fails > 0:
			verdict = "degraded"
		}
		h.Stores[store.ID] = StoreHealth{Verdict: verdict, ConsecutiveFailures: fails}
	}
	return h
}

// LastSweep returns the most recent sweep result, or nil before the
// first sweep completes.
func (s *Scheduler) LastSweep() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
