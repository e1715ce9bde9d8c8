// Package metrics tracks sweep outcomes. Prometheus collectors cover the
// scrape surface; an in-process rollup backs the operator JSON endpoints.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/venuesync/venuesync/internal/model"
)

var (
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuesync_sweeps_total",
			Help: "Total number of sync sweeps",
		},
		[]string{"store", "mode", "status"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "venuesync_sweep_duration_seconds",
			Help:    "Sync sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"store", "mode"},
	)

	itemsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuesync_items_pushed_total",
			Help: "Total number of item updates pushed to the marketplace",
		},
		[]string{"store", "kind"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuesync_rate_limit_hits_total",
			Help: "Total number of 429 responses from the marketplace",
		},
		[]string{"store"},
	)

	batchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "venuesync_adaptive_batch_size",
			Help: "Current adaptive batch size per venue",
		},
		[]string{"store"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "venuesync_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	backgroundSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuesync_background_synced_total",
			Help: "Total number of SKUs synced by the background worker",
		},
		[]string{"store"},
	)
)

// RunRecord is one completed sweep as kept in the rollup history.
type RunRecord struct {
	StoreID    int             `json:"store_id"`
	Mode       model.Mode      `json:"mode"`
	Status     model.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Checked    int             `json:"checked"`
	Updated    int             `json:"updated"`
	Disabled   int             `json:"disabled"`
	ForcedZero int             `json:"forced_zero"`
	Error      string          `json:"error,omitempty"`
}

// StoreStats is the per-store rollup served by the operator API.
type StoreStats struct {
	StoreID       int             `json:"store_id"`
	Sweeps        int             `json:"sweeps"`
	Failures      int             `json:"failures"`
	ItemsUpdated  int             `json:"items_updated"`
	RateLimitHits int             `json:"rate_limit_hits"`
	LastStatus    model.RunStatus `json:"last_status,omitempty"`
	LastRunAt     time.Time       `json:"last_run_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

const historyCap = 100

// Recorder feeds both the Prometheus collectors and the JSON rollup.
type Recorder struct {
	mu      sync.Mutex
	stores  map[int]*StoreStats
	history []RunRecord
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{stores: make(map[int]*StoreStats)}
}

func (r *Recorder) stats(storeID int) *StoreStats {
	s, ok := r.stores[storeID]
	if !ok {
		s = &StoreStats{StoreID: storeID}
		r.stores[storeID] = s
	}
	return s
}

// RecordRun records one completed sweep.
func (r *Recorder) RecordRun(rec RunRecord) {
	label := strconv.Itoa(rec.StoreID)
	sweepsTotal.WithLabelValues(label, string(rec.Mode), string(rec.Status)).Inc()
	sweepDuration.WithLabelValues(label, string(rec.Mode)).Observe(rec.Duration.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats(rec.StoreID)
	s.Sweeps++
	s.LastStatus = rec.Status
	s.LastRunAt = rec.StartedAt
	s.LastError = rec.Error
	s.ItemsUpdated += rec.Updated
	if rec.Status == model.StatusError {
		s.Failures++
	}
	r.history = append(r.history, rec)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
}

// RecordPush records one successfully pushed batch.
func (r *Recorder) RecordPush(storeID int, kind string, count int) {
	itemsPushed.WithLabelValues(strconv.Itoa(storeID), kind).Add(float64(count))
}

// RecordRateLimit records one 429 from the marketplace.
func (r *Recorder) RecordRateLimit(storeID int) {
	rateLimitHits.WithLabelValues(strconv.Itoa(storeID)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats(storeID).RateLimitHits++
}

// SetBatchSize publishes the current adaptive batch size for a store.
func (r *Recorder) SetBatchSize(storeID, size int) {
	batchSize.WithLabelValues(strconv.Itoa(storeID)).Set(float64(size))
}

// SetBreakerState publishes a circuit breaker state transition.
func (r *Recorder) SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBackgroundSync records SKUs confirmed by the background worker.
func (r *Recorder) RecordBackgroundSync(storeID, count int) {
	backgroundSynced.WithLabelValues(strconv.Itoa(storeID)).Add(float64(count))
}

// Store returns the rollup for one store, or false when it has no runs yet.
func (r *Recorder) Store(storeID int) (StoreStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[storeID]
	if !ok {
		return StoreStats{}, false
	}
	return *s, true
}

// All returns the rollup for every store that has run at least once.
func (r *Recorder) All() []StoreStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StoreStats, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, *s)
	}
	return out
}

// History returns the most recent runs, newest last.
func (r *Recorder) History(limit int) []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]RunRecord, len(h))
	copy(out, h)
	return out
}
