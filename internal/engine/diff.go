package engine

import (
	"sort"
	"time"

	"github.com/venuesync/venuesync/internal/model"
)

// change is the per-SKU outcome of a diff: the state entry the store
// converges to plus the marketplace updates needed to get there. Either
// update may be nil when that side is already current.
type change struct {
	sku   string
	entry model.StateEntry
	item  *model.ItemUpdate
	inv   *model.InventoryUpdate
}

type diff struct {
	// changes holds view-order changed SKUs followed by disappeared SKUs
	// in sorted order.
	changes []change
	// next is the complete target state: every view SKU projected through
	// the force-zero rule plus disabled entries for disappeared SKUs.
	next       model.StateMap
	unchanged  int
	forcedZero []string
	missing    int
}

// computeDiff compares the freshly built view against the previous state.
// In full mode every view SKU emits both updates regardless of the
// previous entry.
func computeDiff(view model.View, prev model.StateMap, full bool, now time.Time) diff {
	d := diff{next: make(model.StateMap, len(view.Items))}
	seen := now.UnixMilli()

	for _, sku := range view.Order {
		st := view.Items[sku]
		qty, enabled, price := st.Effective()
		if !model.ValidPrice(st.Price) {
			d.forcedZero = append(d.forcedZero, sku)
		}

		prevEntry, known := prev[sku]
		entry := model.StateEntry{
			Quantity: qty,
			Enabled:  enabled,
			Price:    price,
			LastSeen: seen,
			Synced:   known && prevEntry.Synced,
		}
		d.next[sku] = entry

		needItem := full || !known || prevEntry.Enabled != enabled || prevEntry.Price != price
		needInv := full || !known || prevEntry.Quantity != qty
		if !needItem && !needInv {
			d.unchanged++
			continue
		}

		ch := change{sku: sku, entry: entry}
		if needItem {
			e, p := enabled, price
			ch.item = &model.ItemUpdate{SKU: sku, Enabled: &e, Price: &p}
		}
		if needInv {
			ch.inv = &model.InventoryUpdate{SKU: sku, Inventory: qty}
		}
		d.changes = append(d.changes, ch)
	}

	// SKUs that disappeared from the view are disabled with their last
	// known price retained, so the disable signal survives restarts.
	var gone []string
	for sku := range prev {
		if _, ok := view.Items[sku]; !ok {
			gone = append(gone, sku)
		}
	}
	sort.Strings(gone)
	for _, sku := range gone {
		prevEntry := prev[sku]
		entry := model.StateEntry{
			Quantity: 0,
			Enabled:  false,
			Price:    prevEntry.Price,
			LastSeen: prevEntry.LastSeen,
			Synced:   prevEntry.Synced,
		}
		d.next[sku] = entry
		d.missing++
		if prevEntry.Quantity == 0 && !prevEntry.Enabled {
			continue
		}
		off := false
		d.changes = append(d.changes, change{
			sku:   sku,
			entry: entry,
			item:  &model.ItemUpdate{SKU: sku, Enabled: &off},
			inv:   &model.InventoryUpdate{SKU: sku, Inventory: 0},
		})
	}

	return d
}
