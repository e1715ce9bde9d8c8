// Package model holds the core domain types shared by the sync pipeline:
// the SoT snapshot records, the derived per-SKU view, the persisted state
// entries and the marketplace update payloads.
package model

import (
	"math"
	"time"
)

// SKUField is the SoT extension field carrying the marketplace SKU.
// The field name is a stable contract with the ERP.
const SKUField = "usr_column_514"

// Store is the immutable configuration for one merchant location.
type Store struct {
	ID       int    `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	VenueID  string `yaml:"venue_id" json:"venue_id"`
	Login    string `yaml:"-" json:"-"`
	Password string `yaml:"-" json:"-"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// InventoryRecord is a single SoT inventory row.
type InventoryRecord struct {
	ProductID int `json:"id"`
	Rest      int `json:"rest"`
	StoreID   int `json:"store_id"`
}

// ExtensionField is a (field, value) pair attached to a product detail.
type ExtensionField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ProductDetail is a single SoT product record. Price is optional; an
// absent or non-finite price means the product cannot be offered.
type ProductDetail struct {
	ID        int              `json:"id"`
	Title     string           `json:"title"`
	Price     *float64         `json:"price"`
	AddFields []ExtensionField `json:"add_fields"`
}

// SKU returns the marketplace SKU carried in the extension fields, or
// false when the field is absent or empty.
func (d ProductDetail) SKU(field string) (string, bool) {
	for _, f := range d.AddFields {
		if f.Field == field && f.Value != "" {
			return f.Value, true
		}
	}
	return "", false
}

// SKUState is the aggregated target state for one SKU within one run.
type SKUState struct {
	Quantity int
	Price    *float64
	Enabled  bool
}

// ValidPrice reports whether p is a usable price: present, finite and
// non-negative. Items failing this check are emitted disabled with zero
// quantity and zero price (the force-zero rule).
func ValidPrice(p *float64) bool {
	if p == nil {
		return false
	}
	if math.IsNaN(*p) || math.IsInf(*p, 0) {
		return false
	}
	return *p >= 0
}

// Effective applies the force-zero rule: a SKU without a valid price is
// projected as out of stock and disabled so the marketplace record is
// maintained without offering an unpriceable item.
func (s SKUState) Effective() (quantity int, enabled bool, price float64) {
	if !ValidPrice(s.Price) {
		return 0, false, 0
	}
	return s.Quantity, s.Quantity > 0, *s.Price
}

// View is the per-run merged target view. Order preserves first-appearance
// order of SKUs so diffs and pushes are deterministic.
type View struct {
	Order []string
	Items map[string]SKUState
}

// BuildView merges an inventory snapshot with product details into the
// per-SKU target view. Multiple SoT products may share one marketplace
// SKU: quantities are summed and the price is last-wins. Records whose
// detail is missing or carries no SKU field are skipped.
func BuildView(invs []InventoryRecord, details []ProductDetail, skuField string) View {
	byID := make(map[int]ProductDetail, len(details))
	for _, d := range details {
		byID[d.ID] = d
	}

	v := View{Items: make(map[string]SKUState)}
	for _, inv := range invs {
		d, ok := byID[inv.ProductID]
		if !ok {
			continue
		}
		sku, ok := d.SKU(skuField)
		if !ok {
			continue
		}
		st, seen := v.Items[sku]
		if !seen {
			v.Order = append(v.Order, sku)
		}
		st.Quantity += inv.Rest
		st.Price = d.Price
		st.Enabled = st.Quantity > 0
		v.Items[sku] = st
	}
	return v
}

// StateEntry is the persisted last-known marketplace state for one SKU.
// An entry exists only after a successful push has confirmed the SKU.
type StateEntry struct {
	Quantity int     `json:"quantity"`
	Enabled  bool    `json:"enabled"`
	Price    float64 `json:"price"`
	LastSeen int64   `json:"lastSeen,omitempty"`
	Synced   bool    `json:"syncedToMarketplace,omitempty"`
}

// StateMap is the full persisted state for one store.
type StateMap map[string]StateEntry

// ItemUpdate is one element of the marketplace items PATCH payload.
type ItemUpdate struct {
	SKU             string   `json:"sku"`
	Enabled         *bool    `json:"enabled,omitempty"`
	Price           *float64 `json:"price,omitempty"`
	DiscountedPrice *float64 `json:"discounted_price,omitempty"`
	VATPercentage   *float64 `json:"vat_percentage,omitempty"`
}

// InventoryUpdate is one element of the marketplace inventory PATCH payload.
type InventoryUpdate struct {
	SKU       string `json:"sku"`
	Inventory int    `json:"inventory"`
}

// ListedItem is one item returned by the best-effort marketplace listing.
type ListedItem struct {
	SKU     string `json:"sku"`
	Enabled bool   `json:"enabled"`
}

// Mode selects the engine behaviour for a run.
type Mode string

const (
	ModeBootstrap Mode = "bootstrap"
	ModeDelta     Mode = "delta"
	ModeForceFull Mode = "force-full"
)

// RunStatus is the terminal status of a run or sweep.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
	StatusPartial RunStatus = "partial"
)

// Dependency attributes a failure to the offending external system.
type Dependency string

const (
	DepSoT         Dependency = "sot"
	DepMarketplace Dependency = "marketplace"
)

// RunResult summarizes one engine run for metrics and the operator API.
type RunResult struct {
	RunID           string        `json:"run_id"`
	StoreID         int           `json:"store_id"`
	Mode            Mode          `json:"mode"`
	Status          RunStatus     `json:"status"`
	SKUs            int           `json:"skus"`
	ItemsPushed     int           `json:"items_pushed"`
	InventoryPushed int           `json:"inventory_pushed"`
	Disabled        int           `json:"disabled"`
	ForcedZero      int           `json:"forced_zero"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration_ms"`
	FailedDep       Dependency    `json:"failed_dependency,omitempty"`
	Err             string        `json:"error,omitempty"`
}

// Checkpoint tracks batch progress of a long push for crash recovery.
type Checkpoint struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// BackgroundProgress is the persisted progress report of a background worker.
type BackgroundProgress struct {
	TotalItems             int       `json:"totalItems"`
	SyncedItems            int       `json:"syncedItems"`
	RemainingItems         int       `json:"remainingItems"`
	PercentComplete        float64   `json:"percentComplete"`
	EstimatedDaysRemaining float64   `json:"estimatedDaysRemaining"`
	LastSyncAt             time.Time `json:"lastSyncAt"`
	StartedAt              time.Time `json:"startedAt"`
}
