// Package hybrid performs one-shot initialization for a store with no
// prior state: bootstrap the state file, introspect what the marketplace
// already lists, push the highest-priority items, then hand the long
// tail to the background worker.
package hybrid

import (
	"context"
	"fmt"
	"time"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/internal/priority"
	"github.com/venuesync/venuesync/internal/statestore"
	"github.com/venuesync/venuesync/pkg/logger"
)

// syncEngine is the slice of the engine the orchestrator consumes.
type syncEngine interface {
	FetchView(ctx context.Context, store model.Store) (model.View, model.Dependency, error)
	PushUpdates(ctx context.Context, store model.Store, items []model.ItemUpdate, invs []model.InventoryUpdate, confirmed func(phase string, skus []string)) error
}

// marketLister is the marketplace introspection surface.
type marketLister interface {
	ListItems(ctx context.Context, store model.Store) ([]model.ListedItem, bool, error)
}

// Params wires an Orchestrator.
type Params struct {
	Engine  syncEngine
	Market  marketLister
	States  *statestore.Store
	Weights priority.Weights
	TopN    int
	// StartWorker launches the background worker for the store. May be
	// nil in one-shot CLI use.
	StartWorker func(store model.Store)
	Log         *logger.Logger
}

// Orchestrator runs hybrid initialization.
type Orchestrator struct {
	p   Params
	now func() time.Time
}

// Result reports what the initialization did.
type Result struct {
	Skipped        bool `json:"skipped"`
	BootstrapSKUs  int  `json:"bootstrap_skus"`
	Introspected   int  `json:"introspected"`
	PrioritySynced int  `json:"priority_synced"`
	WorkerStarted  bool `json:"worker_started"`
}

// New creates an orchestrator.
func New(p Params) *Orchestrator {
	if p.TopN <= 0 {
		p.TopN = 500
	}
	return &Orchestrator{p: p, now: time.Now}
}

// Init initializes one store. It is a no-op when state already exists;
// re-running it is safe.
func (o *Orchestrator) Init(ctx context.Context, store model.Store) (Result, error) {
	var res Result
	if o.p.States.Exists(store.ID) {
		o.p.Log.Info("state already present, skipping hybrid init", "store", store.ID)
		res.Skipped = true
		return res, nil
	}

	view, dep, err := o.p.Engine.FetchView(ctx, store)
	if err != nil {
		return res, fmt.Errorf("hybrid init fetch (%s): %w", dep, err)
	}

	// Bootstrap: project the view straight into state, no marketplace
	// traffic. Scheduled runs after this point are deltas.
	state := make(model.StateMap, len(view.Order))
	seen := o.now().UnixMilli()
	for _, sku := range view.Order {
		qty, enabled, price := view.Items[sku].Effective()
		state[sku] = model.StateEntry{Quantity: qty, Enabled: enabled, Price: price, LastSeen: seen}
	}
	if err := o.p.States.Save(store.ID, state); err != nil {
		return res, fmt.Errorf("hybrid init bootstrap save: %w", err)
	}
	res.BootstrapSKUs = len(state)
	o.p.Log.Info("hybrid init bootstrapped", "store", store.ID, "skus", len(state))

	res.Introspected = o.introspect(ctx, store, state)

	synced, err := o.prioritySync(ctx, store, view, state)
	res.PrioritySynced = synced
	if err != nil {
		return res, fmt.Errorf("hybrid init priority sync: %w", err)
	}

	if o.p.StartWorker != nil {
		o.p.StartWorker(store)
		res.WorkerStarted = true
	}
	o.p.Log.Info("hybrid init complete",
		"store", store.ID, "bootstrap", res.BootstrapSKUs,
		"introspected", res.Introspected, "priority_synced", res.PrioritySynced)
	return res, nil
}

// introspect marks state entries the marketplace already lists. Best
// effort: an unsupported or failing listing endpoint records zero.
func (o *Orchestrator) introspect(ctx context.Context, store model.Store, state model.StateMap) int {
	listed, supported, err := o.p.Market.ListItems(ctx, store)
	if err != nil {
		o.p.Log.Warn("marketplace introspection failed, continuing", "store", store.ID, "error", err.Error())
		return 0
	}
	if !supported {
		o.p.Log.Info("marketplace listing not supported, assuming empty venue", "store", store.ID)
		return 0
	}

	matched := 0
	for _, item := range listed {
		entry, ok := state[item.SKU]
		if !ok {
			continue
		}
		entry.Synced = true
		state[item.SKU] = entry
		matched++
	}
	if matched > 0 {
		if err := o.p.States.Save(store.ID, state); err != nil {
			o.p.Log.Warn("introspection state save failed", "store", store.ID, "error", err.Error())
		}
	}
	o.p.Log.Info("marketplace introspection", "store", store.ID, "listed", len(listed), "matched", matched)
	return matched
}

// prioritySync pushes the top-scored SKUs through the adaptive-batched
// path and marks them acknowledged.
func (o *Orchestrator) prioritySync(ctx context.Context, store model.Store, view model.View, state model.StateMap) (int, error) {
	top := priority.TopN(priority.ScoreView(view, o.p.Weights), o.p.TopN)
	if len(top) == 0 {
		o.p.Log.Info("no priority candidates", "store", store.ID)
		return 0, nil
	}

	items := make([]model.ItemUpdate, 0, len(top))
	invs := make([]model.InventoryUpdate, 0, len(top))
	for _, s := range top {
		qty, enabled, price := s.State.Effective()
		e, p := enabled, price
		items = append(items, model.ItemUpdate{SKU: s.SKU, Enabled: &e, Price: &p})
		invs = append(invs, model.InventoryUpdate{SKU: s.SKU, Inventory: qty})
	}

	synced := 0
	err := o.p.Engine.PushUpdates(ctx, store, items, invs, func(phase string, skus []string) {
		if phase != "inventory" {
			return
		}
		for _, sku := range skus {
			entry := state[sku]
			entry.Synced = true
			state[sku] = entry
		}
		synced += len(skus)
		if err := o.p.States.Save(store.ID, state); err != nil {
			o.p.Log.Warn("priority sync state save failed", "store", store.ID, "error", err.Error())
		}
	})
	return synced, err
}
