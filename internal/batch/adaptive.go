// Package batch implements the per-venue adaptive batch-size controller:
// multiplicative increase on success streaks, multiplicative decrease on
// rate limits, bounded by the marketplace payload ceiling.
package batch

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"time"

	"github.com/venuesync/venuesync/pkg/logger"
)

// conservativeWindow is how long after a rate limit the inter-batch delay
// stays conservative.
const conservativeWindow = 5 * time.Minute

// Config parametrizes the controller. Max is a hard ceiling imposed by the
// marketplace on payload size.
type Config struct {
	Initial           int
	Min               int
	Max               int
	IncreaseThreshold int
	IncreaseRate      float64
	DecreaseRate      float64
	NominalDelay      time.Duration
	ConservativeDelay time.Duration
}

// VenueState is the controller state for one venue. It is persisted
// wholesale so restarts resume at the adapted size.
type VenueState struct {
	CurrentBatchSize  int   `json:"currentBatchSize"`
	SuccessStreak     int   `json:"successStreak"`
	FailureStreak     int   `json:"failureStreak"`
	LastRateLimitAtMs int64 `json:"lastRateLimitAtMs"`
	TotalSuccesses    int64 `json:"totalSuccesses"`
	TotalRateLimits   int64 `json:"totalRateLimits"`
}

// Batcher owns the per-venue controller states.
type Batcher struct {
	cfg  Config
	path string
	log  *logger.Logger
	now  func() time.Time

	mu     sync.Mutex
	venues map[string]*VenueState
}

// New creates a batcher persisting to path; prior state is loaded
// best-effort.
func New(cfg Config, path string, log *logger.Logger) *Batcher {
	b := &Batcher{
		cfg:    cfg,
		path:   path,
		log:    log,
		now:    time.Now,
		venues: make(map[string]*VenueState),
	}
	b.load()
	return b
}

func (b *Batcher) venue(key string) *VenueState {
	vs, ok := b.venues[key]
	if !ok {
		vs = &VenueState{CurrentBatchSize: b.clamp(b.cfg.Initial)}
		b.venues[key] = vs
	}
	return vs
}

func (b *Batcher) clamp(size int) int {
	if size < b.cfg.Min {
		return b.cfg.Min
	}
	if size > b.cfg.Max {
		return b.cfg.Max
	}
	return size
}

// Size returns the current batch size for a venue.
func (b *Batcher) Size(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.venue(key).CurrentBatchSize
}

// OnSuccess records a successful batch. Every IncreaseThreshold consecutive
// successes the size grows multiplicatively, bounded by Max.
func (b *Batcher) OnSuccess(key string) {
	b.mu.Lock()
	vs := b.venue(key)
	vs.SuccessStreak++
	vs.FailureStreak = 0
	vs.TotalSuccesses++
	if vs.SuccessStreak >= b.cfg.IncreaseThreshold {
		vs.CurrentBatchSize = b.clamp(int(math.Floor(float64(vs.CurrentBatchSize) * b.cfg.IncreaseRate)))
		vs.SuccessStreak = 0
	}
	b.mu.Unlock()
	b.persist()
}

// OnRateLimit records a 429. The size shrinks multiplicatively, bounded by
// Min, and the conservative-delay window opens.
func (b *Batcher) OnRateLimit(key string) {
	b.mu.Lock()
	vs := b.venue(key)
	vs.SuccessStreak = 0
	vs.FailureStreak++
	vs.TotalRateLimits++
	vs.LastRateLimitAtMs = b.now().UnixMilli()
	prev := vs.CurrentBatchSize
	vs.CurrentBatchSize = b.clamp(int(math.Floor(float64(vs.CurrentBatchSize) * b.cfg.DecreaseRate)))
	size := vs.CurrentBatchSize
	b.mu.Unlock()

	b.log.Warn("rate limit hit, shrinking batch size", "venue", key, "from", prev, "to", size)
	b.persist()
}

// RecommendedDelay returns the inter-batch delay: conservative while a
// recent rate limit is in effect, nominal otherwise.
func (b *Batcher) RecommendedDelay(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	vs := b.venue(key)
	if vs.LastRateLimitAtMs > 0 {
		since := b.now().Sub(time.UnixMilli(vs.LastRateLimitAtMs))
		if since < conservativeWindow {
			return b.cfg.ConservativeDelay
		}
	}
	return b.cfg.NominalDelay
}

// Snapshot returns a copy of all venue states for the operator API.
func (b *Batcher) Snapshot() map[string]VenueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]VenueState, len(b.venues))
	for k, vs := range b.venues {
		out[k] = *vs
	}
	return out
}

func (b *Batcher) load() {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		b.log.Warn("failed to read adaptive-batch state", "error", err.Error())
		return
	}
	var raw map[string]*VenueState
	if err := json.Unmarshal(data, &raw); err != nil {
		b.log.Warn("discarding unreadable adaptive-batch state", "error", err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, vs := range raw {
		vs.CurrentBatchSize = b.clamp(vs.CurrentBatchSize)
		b.venues[k] = vs
	}
}

func (b *Batcher) persist() {
	b.mu.Lock()
	data, err := json.MarshalIndent(b.venues, "", "  ")
	b.mu.Unlock()
	if err != nil {
		b.log.Warn("failed to marshal adaptive-batch state", "error", err.Error())
		return
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		b.log.Warn("failed to persist adaptive-batch state", "error", err.Error())
	}
}
