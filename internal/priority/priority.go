// Package priority scores SKU candidates for the initial push phase of
// hybrid initialization. Scoring is pure and deterministic; a zero score
// marks an item unsyncable in the priority phase.
package priority

import (
	"sort"

	"github.com/venuesync/venuesync/internal/model"
)

// Reasons attached to zero scores.
const (
	ReasonInvalidPrice = "invalid-price"
	ReasonOutOfStock   = "out-of-stock"
)

// Weights parametrizes the scorer.
type Weights struct {
	InStock            int
	HighStock          int
	HighStockThreshold int
	LowStock           int
	LowStockThreshold  int
	HighValue          int
	HighValueThreshold float64
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		InStock:            100,
		HighStock:          20,
		HighStockThreshold: 50,
		LowStock:           10,
		LowStockThreshold:  5,
		HighValue:          15,
		HighValueThreshold: 50,
	}
}

// Scored is one scored candidate.
type Scored struct {
	SKU    string
	State  model.SKUState
	Score  int
	Reason string
}

// Score assigns a priority score to one candidate. An item without a valid
// price can never be offered, so it scores zero regardless of stock.
func Score(state model.SKUState, w Weights) (int, string) {
	if !model.ValidPrice(state.Price) {
		return 0, ReasonInvalidPrice
	}
	if state.Quantity == 0 {
		return 0, ReasonOutOfStock
	}

	score := w.InStock
	if state.Quantity >= w.HighStockThreshold {
		score += w.HighStock
	}
	if state.Quantity <= w.LowStockThreshold {
		score += w.LowStock
	}
	if *state.Price >= w.HighValueThreshold {
		score += w.HighValue
	}
	return score, ""
}

// ScoreView scores every SKU in a view, preserving view order.
func ScoreView(v model.View, w Weights) []Scored {
	out := make([]Scored, 0, len(v.Order))
	for _, sku := range v.Order {
		st := v.Items[sku]
		score, reason := Score(st, w)
		out = append(out, Scored{SKU: sku, State: st, Score: score, Reason: reason})
	}
	return out
}

// TopN returns the highest-scored candidates after filtering out zero
// scores. Ties keep insertion order (the sort is stable).
func TopN(scored []Scored, limit int) []Scored {
	eligible := make([]Scored, 0, len(scored))
	for _, s := range scored {
		if s.Score > 0 {
			eligible = append(eligible, s)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Score > eligible[j].Score
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}
