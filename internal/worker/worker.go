// Package worker drains the backlog of SKUs the marketplace has not yet
// acknowledged, at a bounded daily rate. It complements the scheduled
// delta sync; it is not a second synchronizer.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/venuesync/venuesync/internal/metrics"
	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/internal/statestore"
	"github.com/venuesync/venuesync/pkg/logger"
)

// chunkSize is the stop-check granularity: the worker re-reads its stop
// flag after every chunk, so a stop request never waits for the whole
// daily quota to drain.
const chunkSize = 50

// syncEngine is the slice of the engine the worker consumes.
type syncEngine interface {
	FetchView(ctx context.Context, store model.Store) (model.View, model.Dependency, error)
	PushUpdates(ctx context.Context, store model.Store, items []model.ItemUpdate, invs []model.InventoryUpdate, confirmed func(phase string, skus []string)) error
}

// Config parametrizes one background worker.
type Config struct {
	InitialDelay time.Duration
	DailyLimit   int
	Interval     time.Duration
}

// Worker pushes unacknowledged SKUs for one store.
type Worker struct {
	store  model.Store
	cfg    Config
	eng    syncEngine
	states *statestore.Store
	rec    *metrics.Recorder
	log    *logger.Logger
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a worker for one store.
func New(store model.Store, cfg Config, eng syncEngine, states *statestore.Store, rec *metrics.Recorder, log *logger.Logger) *Worker {
	return &Worker{
		store:  store,
		cfg:    cfg,
		eng:    eng,
		states: states,
		rec:    rec,
		log:    log,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker loop. The initial delay lets the priority
// sync settle before the drain begins.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop requests a cooperative stop. The worker finishes its current
// chunk before exiting.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Wait blocks until the worker loop has exited.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.log.Info("background worker starting",
		"store", w.store.ID, "initial_delay", w.cfg.InitialDelay.String(),
		"daily_limit", w.cfg.DailyLimit)
	if !w.sleep(ctx, w.cfg.InitialDelay) {
		return
	}
	for {
		w.Iterate(ctx)
		if !w.sleep(ctx, w.cfg.Interval) {
			return
		}
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Iterate performs one drain pass: fetch the current view, select up to
// DailyLimit unacknowledged SKUs and push them. Exposed for tests and
// for the orchestrator's status reporting.
func (w *Worker) Iterate(ctx context.Context) {
	state, err := w.states.Load(w.store.ID)
	if err != nil {
		w.log.Warn("background worker state load degraded", "store", w.store.ID, "error", err.Error())
	}

	view, dep, err := w.eng.FetchView(ctx, w.store)
	if err != nil {
		w.log.Error("background worker fetch failed",
			"store", w.store.ID, "dependency", string(dep), "error", err.Error())
		return
	}

	var candidates []string
	for _, sku := range view.Order {
		if entry, ok := state[sku]; !ok || !entry.Synced {
			candidates = append(candidates, sku)
		}
	}
	if len(candidates) == 0 {
		w.log.Info("background worker: backlog drained", "store", w.store.ID)
		w.writeProgress(state, view)
		return
	}
	if len(candidates) > w.cfg.DailyLimit {
		candidates = candidates[:w.cfg.DailyLimit]
	}
	w.log.Info("background worker pass",
		"store", w.store.ID, "candidates", len(candidates))

	working := make(model.StateMap, len(state))
	for sku, entry := range state {
		working[sku] = entry
	}

	for lo := 0; lo < len(candidates); lo += chunkSize {
		hi := lo + chunkSize
		if hi > len(candidates) {
			hi = len(candidates)
		}
		if err := w.pushChunk(ctx, candidates[lo:hi], view, working); err != nil {
			w.log.Error("background worker push failed", "store", w.store.ID, "error", err.Error())
			break
		}
		if w.stopping(ctx) {
			w.log.Info("background worker stopping after current chunk", "store", w.store.ID)
			break
		}
	}

	w.writeProgress(working, view)
}

func (w *Worker) pushChunk(ctx context.Context, skus []string, view model.View, working model.StateMap) error {
	items := make([]model.ItemUpdate, 0, len(skus))
	invs := make([]model.InventoryUpdate, 0, len(skus))
	for _, sku := range skus {
		qty, enabled, price := view.Items[sku].Effective()
		e, p := enabled, price
		items = append(items, model.ItemUpdate{SKU: sku, Enabled: &e, Price: &p})
		invs = append(invs, model.InventoryUpdate{SKU: sku, Inventory: qty})
	}

	return w.eng.PushUpdates(ctx, w.store, items, invs, func(phase string, confirmed []string) {
		if phase != "inventory" {
			return
		}
		seen := w.now().UnixMilli()
		for _, sku := range confirmed {
			qty, enabled, price := view.Items[sku].Effective()
			working[sku] = model.StateEntry{
				Quantity: qty,
				Enabled:  enabled,
				Price:    price,
				LastSeen: seen,
				Synced:   true,
			}
		}
		if err := w.states.Save(w.store.ID, working); err != nil {
			w.log.Warn("background worker state save failed", "store", w.store.ID, "error", err.Error())
		}
		w.rec.RecordBackgroundSync(w.store.ID, len(confirmed))
	})
}

func (w *Worker) writeProgress(state model.StateMap, view model.View) {
	total := len(view.Order)
	synced := 0
	for _, sku := range view.Order {
		if entry, ok := state[sku]; ok && entry.Synced {
			synced++
		}
	}
	remaining := total - synced

	p := model.BackgroundProgress{
		TotalItems:     total,
		SyncedItems:    synced,
		RemainingItems: remaining,
		LastSyncAt:     w.now(),
		StartedAt:      w.now(),
	}
	if total > 0 {
		p.PercentComplete = 100 * float64(synced) / float64(total)
	}
	if w.cfg.DailyLimit > 0 {
		p.EstimatedDaysRemaining = float64(remaining) / float64(w.cfg.DailyLimit)
	}
	if prev, err := w.states.LoadProgress(w.store.ID); err == nil && prev != nil && !prev.StartedAt.IsZero() {
		p.StartedAt = prev.StartedAt
	}
	if err := w.states.SaveProgress(w.store.ID, p); err != nil {
		w.log.Warn("background worker progress save failed", "store", w.store.ID, "error", err.Error())
	}
}
