// Package engine runs the per-store sync pipeline: pull the full SoT
// snapshot, diff it against the persisted view and push the minimal
// change set through the marketplace's two write endpoints, items before
// inventory. All marketplace traffic goes through the per-venue rate
// gate, the dependency breaker and the retry policy, in that order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venuesync/venuesync/config"
	"github.com/venuesync/venuesync/internal/batch"
	"github.com/venuesync/venuesync/internal/breaker"
	"github.com/venuesync/venuesync/internal/marketplace"
	"github.com/venuesync/venuesync/internal/metrics"
	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/internal/ratelimit"
	"github.com/venuesync/venuesync/internal/retry"
	"github.com/venuesync/venuesync/internal/statestore"
	"github.com/venuesync/venuesync/pkg/logger"
)

// SourceClient is the upstream ERP surface the engine consumes.
type SourceClient interface {
	Inventory(ctx context.Context, storeID int) ([]model.InventoryRecord, error)
	Products(ctx context.Context, ids []int) ([]model.ProductDetail, error)
}

// MarketClient is the downstream marketplace surface the engine consumes.
type MarketClient interface {
	BaseURL(store model.Store) string
	UpdateItems(ctx context.Context, store model.Store, items []model.ItemUpdate) error
	UpdateInventory(ctx context.Context, store model.Store, updates []model.InventoryUpdate) error
	ListItems(ctx context.Context, store model.Store) ([]model.ListedItem, bool, error)
}

// Options selects the behaviour of one run.
type Options struct {
	Mode model.Mode
	// Limit caps both push arrays; a limited run never finalizes state.
	Limit int
	// DryRun computes and logs the change set without pushing or saving.
	DryRun bool
	// Adaptive sizes batches from the adaptive controller instead of the
	// fixed per-mode shape. Used by the hybrid and background paths.
	Adaptive bool
}

// Params wires an Engine.
type Params struct {
	Source        SourceClient
	Market        MarketClient
	States        *statestore.Store
	Governor      *ratelimit.Governor
	Batcher       *batch.Batcher
	SoTBreaker    *breaker.Breaker
	MarketBreaker *breaker.Breaker
	Recorder      *metrics.Recorder
	Log           *logger.Logger
	SKUField      string
	Batching      config.BatchingConfig
}

// Engine executes sync runs for stores. Safe for sequential use; the
// scheduler guarantees at most one run per store at a time.
type Engine struct {
	source   SourceClient
	market   MarketClient
	states   *statestore.Store
	gov      *ratelimit.Governor
	batcher  *batch.Batcher
	sotBrk   *breaker.Breaker
	mkBrk    *breaker.Breaker
	rec      *metrics.Recorder
	log      *logger.Logger
	skuField string
	shape    config.BatchingConfig

	newPolicy func() retry.Policy
	now       func() time.Time
}

// New creates an engine.
func New(p Params) *Engine {
	if p.SKUField == "" {
		p.SKUField = model.SKUField
	}
	return &Engine{
		source:   p.Source,
		market:   p.Market,
		states:   p.States,
		gov:      p.Governor,
		batcher:  p.Batcher,
		sotBrk:   p.SoTBreaker,
		mkBrk:    p.MarketBreaker,
		rec:      p.Recorder,
		log:      p.Log,
		skuField: p.SKUField,
		shape:    p.Batching,
		newPolicy: func() retry.Policy {
			return retry.MarketplacePolicy(marketplace.IsRetriable)
		},
		now: time.Now,
	}
}

// MarketIgnoreRateLimit is the breaker classifier for the marketplace:
// 429s are expected load-shedding and must not trip the breaker.
func MarketIgnoreRateLimit(err error) bool {
	var rl *marketplace.RateLimitError
	return errors.As(err, &rl)
}

// Run executes one sync run and returns its result. Failures are
// reported in the result, never panicked.
func (e *Engine) Run(ctx context.Context, store model.Store, opts Options) model.RunResult {
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeDelta
	}
	res := model.RunResult{
		RunID:   uuid.NewString(),
		StoreID: store.ID,
		Mode:    mode,
		Status:  model.StatusSuccess,
		Started: e.now(),
	}

	var prev model.StateMap
	if mode != model.ModeBootstrap {
		var err error
		prev, err = e.states.Load(store.ID)
		if err != nil {
			e.log.Warn("state unrecoverable, starting from empty", "store", store.ID, "error", err.Error())
		}
		if mode == model.ModeDelta && len(prev) == 0 {
			e.log.Info("no prior state, upgrading to force-full", "store", store.ID, "run", res.RunID)
			mode = model.ModeForceFull
			res.Mode = mode
		}
	}

	view, dep, err := e.fetchView(ctx, store)
	if err != nil {
		return e.finish(res, dep, err)
	}
	res.SKUs = len(view.Order)

	d := computeDiff(view, prev, mode != model.ModeDelta, e.now())
	res.Disabled = d.missing
	res.ForcedZero = len(d.forcedZero)
	for _, sku := range d.forcedZero {
		e.log.Warn("invalid price, forcing zero quantity and disable",
			"store", store.ID, "sku", sku)
	}

	if mode == model.ModeBootstrap {
		if err := e.states.Save(store.ID, d.next); err != nil {
			e.log.Warn("bootstrap state save failed", "store", store.ID, "error", err.Error())
		}
		e.log.Info("bootstrap complete, no marketplace traffic",
			"store", store.ID, "run", res.RunID, "skus", res.SKUs)
		return e.finish(res, "", nil)
	}

	changes := d.changes
	limited := opts.Limit > 0 && len(changes) > opts.Limit
	if limited {
		changes = changes[:opts.Limit]
	}

	items := make([]model.ItemUpdate, 0, len(changes))
	invs := make([]model.InventoryUpdate, 0, len(changes))
	for _, ch := range changes {
		if ch.item != nil {
			items = append(items, *ch.item)
		}
		if ch.inv != nil {
			invs = append(invs, *ch.inv)
		}
	}
	res.ItemsPushed = len(items)
	res.InventoryPushed = len(invs)

	e.log.Info("change set computed",
		"store", store.ID, "run", res.RunID, "mode", string(mode),
		"skus", res.SKUs, "items", len(items), "inventory", len(invs),
		"unchanged", d.unchanged, "disappeared", d.missing,
		"forced_zero", len(d.forcedZero), "limited", limited)

	if opts.DryRun {
		res.ItemsPushed, res.InventoryPushed = 0, 0
		return e.finish(res, "", nil)
	}

	chBySKU := make(map[string]change, len(changes))
	for _, ch := range changes {
		chBySKU[ch.sku] = ch
	}

	// working advances batch by batch so a mid-run crash does not force a
	// re-push of confirmed SKUs.
	working := make(model.StateMap, len(prev))
	for sku, entry := range prev {
		working[sku] = entry
	}
	total := len(items) + len(invs)
	completed := 0
	checkpoint := func(skus []string, apply func(*model.StateEntry, change)) {
		for _, sku := range skus {
			ch := chBySKU[sku]
			entry := working[sku]
			apply(&entry, ch)
			working[sku] = entry
		}
		completed += len(skus)
		if err := e.states.Save(store.ID, working); err != nil {
			e.log.Warn("confirmed-state save failed", "store", store.ID, "error", err.Error())
		}
		if err := e.states.SaveCheckpoint(store.ID, model.Checkpoint{Completed: completed, Total: total}); err != nil {
			e.log.Warn("checkpoint save failed", "store", store.ID, "error", err.Error())
		}
	}

	strat := e.strategy(mode, opts)

	err = e.pushAll(ctx, store, strat, items, invs, func(phase string, skus []string) {
		e.rec.RecordPush(store.ID, phase, len(skus))
		if phase == phaseItems {
			checkpoint(skus, func(entry *model.StateEntry, ch change) {
				entry.Enabled = ch.entry.Enabled
				entry.Price = ch.entry.Price
				entry.LastSeen = ch.entry.LastSeen
				if ch.inv == nil {
					entry.Synced = true
				}
			})
			return
		}
		checkpoint(skus, func(entry *model.StateEntry, ch change) {
			entry.Quantity = ch.entry.Quantity
			entry.LastSeen = ch.entry.LastSeen
			entry.Synced = true
		})
	})
	if err != nil {
		return e.finish(res, model.DepMarketplace, err)
	}

	if limited {
		// Limited runs are partial by contract: only per-batch confirmed
		// entries were persisted, the full map is not finalized.
		e.log.Info("limited run complete, state not finalized",
			"store", store.ID, "run", res.RunID, "limit", opts.Limit)
	} else {
		for sku, entry := range working {
			if target, ok := d.next[sku]; ok && entry.Synced {
				target.Synced = true
				d.next[sku] = target
			}
		}
		if err := e.states.Save(store.ID, d.next); err != nil {
			e.log.Warn("final state save failed", "store", store.ID, "error", err.Error())
		}
	}
	if err := e.states.DeleteCheckpoint(store.ID); err != nil {
		e.log.Warn("checkpoint delete failed", "store", store.ID, "error", err.Error())
	}
	return e.finish(res, "", nil)
}

// strategy maps the run mode to a batch shape.
type pushStrategy struct {
	size     int
	delay    time.Duration
	adaptive bool
}

func (e *Engine) strategy(mode model.Mode, opts Options) pushStrategy {
	if opts.Adaptive {
		return pushStrategy{adaptive: true}
	}
	if mode == model.ModeForceFull {
		return pushStrategy{size: e.shape.FirstSyncBatch, delay: e.shape.FirstSyncDelay}
	}
	return pushStrategy{size: e.shape.DeltaBatch, delay: e.shape.DeltaDelay}
}

// Phase names reported to the confirm callback and the metrics rollup.
const (
	phaseItems     = "items"
	phaseInventory = "inventory"
)

// pushAll sends both phases in order, items before inventory, with the
// configured pause in between. confirmed is invoked per successful batch
// with the phase name and the SKUs the batch carried.
func (e *Engine) pushAll(ctx context.Context, store model.Store, strat pushStrategy,
	items []model.ItemUpdate, invs []model.InventoryUpdate,
	confirmed func(phase string, skus []string)) error {

	err := e.pushPhase(ctx, store, strat, len(items), func(i int) string { return items[i].SKU },
		func(ctx context.Context, lo, hi int) error {
			return e.market.UpdateItems(ctx, store, items[lo:hi])
		},
		func(skus []string) { confirmed(phaseItems, skus) })
	if err != nil {
		return err
	}

	if len(items) > 0 && len(invs) > 0 {
		if err := sleepCtx(ctx, e.shape.PhasePause); err != nil {
			return err
		}
	}

	return e.pushPhase(ctx, store, strat, len(invs), func(i int) string { return invs[i].SKU },
		func(ctx context.Context, lo, hi int) error {
			return e.market.UpdateInventory(ctx, store, invs[lo:hi])
		},
		func(skus []string) { confirmed(phaseInventory, skus) })
}

// PushUpdates is the adaptive-batched two-phase push used by the hybrid
// priority phase and the background worker.
func (e *Engine) PushUpdates(ctx context.Context, store model.Store,
	items []model.ItemUpdate, invs []model.InventoryUpdate,
	confirmed func(phase string, skus []string)) error {
	return e.pushAll(ctx, store, pushStrategy{adaptive: true}, items, invs, confirmed)
}

// FetchView pulls the current SoT snapshot for a store and merges it
// into the per-SKU view. Exposed for the hybrid and background paths.
func (e *Engine) FetchView(ctx context.Context, store model.Store) (model.View, model.Dependency, error) {
	return e.fetchView(ctx, store)
}

// pushPhase sends one phase in batches. confirmed is invoked with the
// SKUs of each batch only after the batch has fully succeeded.
func (e *Engine) pushPhase(ctx context.Context, store model.Store, strat pushStrategy,
	n int, skuAt func(int) string,
	send func(ctx context.Context, lo, hi int) error,
	confirmed func(skus []string)) error {

	key := e.venueKey(store)
	for lo := 0; lo < n; {
		size := strat.size
		if strat.adaptive {
			size = e.batcher.Size(key.String())
		}
		if size <= 0 {
			size = 1
		}
		hi := lo + size
		if hi > n {
			hi = n
		}

		if err := e.sendBatch(ctx, store, key, func(ctx context.Context) error {
			return send(ctx, lo, hi)
		}); err != nil {
			return err
		}

		skus := make([]string, 0, hi-lo)
		for i := lo; i < hi; i++ {
			skus = append(skus, skuAt(i))
		}
		confirmed(skus)
		if strat.adaptive {
			e.rec.SetBatchSize(store.ID, e.batcher.Size(key.String()))
		}

		lo = hi
		if lo < n {
			delay := strat.delay
			if strat.adaptive {
				delay = e.batcher.RecommendedDelay(key.String())
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendBatch runs one marketplace call through gate, breaker and retrier.
// The gate is inside the retried operation so every physical attempt
// waits its turn; rate-limit responses feed the governor and the batch
// controller before the retrier sleeps.
func (e *Engine) sendBatch(ctx context.Context, store model.Store, key ratelimit.VenueKey, call func(ctx context.Context) error) error {
	op := func(ctx context.Context) error {
		if err := e.gov.Wait(ctx, key); err != nil {
			return err
		}
		err := call(ctx)
		var rl *marketplace.RateLimitError
		switch {
		case err == nil:
			e.gov.OnSuccess(key)
			e.batcher.OnSuccess(key.String())
		case errors.As(err, &rl):
			e.gov.OnRateLimited(key, rl.Delay)
			e.batcher.OnRateLimit(key.String())
			e.rec.RecordRateLimit(store.ID)
		}
		return err
	}

	policy := e.newPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn("marketplace batch retry",
			"store", store.ID, "attempt", attempt, "delay", delay.String(), "error", err.Error())
	}
	err := e.mkBrk.Execute(ctx, func(ctx context.Context) error {
		return policy.Do(ctx, op)
	})
	e.publishBreakerState(e.mkBrk)
	return err
}

func (e *Engine) publishBreakerState(b *breaker.Breaker) {
	var v int
	switch b.State() {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	e.rec.SetBreakerState(b.Name(), v)
}

func (e *Engine) venueKey(store model.Store) ratelimit.VenueKey {
	return ratelimit.VenueKey{
		BaseURL: e.market.BaseURL(store),
		VenueID: store.VenueID,
		User:    store.Login,
	}
}

// fetchView pulls the inventory snapshot and all product details through
// the SoT breaker and merges them into the per-SKU view.
func (e *Engine) fetchView(ctx context.Context, store model.Store) (model.View, model.Dependency, error) {
	var invs []model.InventoryRecord
	err := e.sotBrk.Execute(ctx, func(ctx context.Context) error {
		var err error
		invs, err = e.source.Inventory(ctx, store.ID)
		return err
	})
	e.publishBreakerState(e.sotBrk)
	if err != nil {
		return model.View{}, model.DepSoT, fmt.Errorf("inventory fetch: %w", err)
	}

	seen := make(map[int]bool, len(invs))
	ids := make([]int, 0, len(invs))
	for _, inv := range invs {
		if !seen[inv.ProductID] {
			seen[inv.ProductID] = true
			ids = append(ids, inv.ProductID)
		}
	}

	var details []model.ProductDetail
	err = e.sotBrk.Execute(ctx, func(ctx context.Context) error {
		var err error
		details, err = e.source.Products(ctx, ids)
		return err
	})
	e.publishBreakerState(e.sotBrk)
	if err != nil {
		return model.View{}, model.DepSoT, fmt.Errorf("product details fetch: %w", err)
	}

	return model.BuildView(invs, details, e.skuField), "", nil
}

func (e *Engine) finish(res model.RunResult, dep model.Dependency, err error) model.RunResult {
	if err != nil {
		res.Status = model.StatusError
		res.FailedDep = dep
		res.Err = err.Error()
		e.log.Error("run failed",
			"store", res.StoreID, "run", res.RunID, "dependency", string(dep), "error", err.Error())
	}
	res.Duration = e.now().Sub(res.Started)
	e.rec.RecordRun(metrics.RunRecord{
		StoreID:    res.StoreID,
		Mode:       res.Mode,
		Status:     res.Status,
		StartedAt:  res.Started,
		Duration:   res.Duration,
		Checked:    res.SKUs,
		Updated:    res.ItemsPushed + res.InventoryPushed,
		Disabled:   res.Disabled,
		ForcedZero: res.ForcedZero,
		Error:      res.Err,
	})
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
