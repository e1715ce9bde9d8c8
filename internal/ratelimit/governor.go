// Package ratelimit implements the per-venue request gate. The marketplace
// enforces inter-request intervals that dwarf typical latencies (Retry-After
// values around 900s have been observed), so learned intervals are persisted
// across restarts to keep a fresh process from being immediately throttled.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/venuesync/venuesync/pkg/logger"
)

// VenueKey identifies one rate-limit domain. Different credentials against
// the same venue are limited independently.
type VenueKey struct {
	BaseURL string
	VenueID string
	User    string
}

func (k VenueKey) String() string {
	return k.BaseURL + "|" + k.VenueID + "|" + k.User
}

// Config parametrizes the governor.
type Config struct {
	MinInterval time.Duration
	Learning    bool
	LearnedCap  time.Duration
	Buffer      time.Duration
	Jitter      time.Duration
	PostSuccess bool
}

// Governor serializes outbound requests per venue and enforces
// max(configured, learned) inter-request intervals plus explicit
// Retry-After deadlines. It is process-local; cross-process sharing of the
// persistence file is undefined.
type Governor struct {
	cfg  Config
	path string
	log  *logger.Logger
	now  func() time.Time

	mu     sync.Mutex
	venues map[string]*venueState
	// persisted shadows the durable fields per venue. A venue sleeping in
	// Wait holds its own mutex for the whole gate delay, so persistence
	// must never take venue mutexes; it reads this map under g.mu only.
	persisted map[string]persistedVenue
}

type venueState struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	nextAllowedAt time.Time
	learnedMin    time.Duration
}

type persistedVenue struct {
	NextAllowedAtMs      int64 `json:"nextAllowedAtMs"`
	LearnedMinIntervalMs int64 `json:"learnedMinIntervalMs"`
}

// New creates a governor persisting learned state to path. Prior learned
// intervals are loaded best-effort; a missing or corrupt file starts clean.
func New(cfg Config, path string, log *logger.Logger) *Governor {
	g := &Governor{
		cfg:       cfg,
		path:      path,
		log:       log,
		now:       time.Now,
		venues:    make(map[string]*venueState),
		persisted: make(map[string]persistedVenue),
	}
	g.load()
	return g
}

func (g *Governor) interval(vs *venueState) time.Duration {
	if vs.learnedMin > g.cfg.MinInterval {
		return vs.learnedMin
	}
	return g.cfg.MinInterval
}

func (g *Governor) venue(key VenueKey) *venueState {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs, ok := g.venues[key.String()]
	if !ok {
		vs = &venueState{}
		vs.limiter = rate.NewLimiter(limitFor(g.cfg.MinInterval), 1)
		g.venues[key.String()] = vs
	}
	return vs
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Wait blocks until a request to the venue may cross the network. Calls for
// the same venue are serialized so the gate is authoritative.
func (g *Governor) Wait(ctx context.Context, key VenueKey) error {
	vs := g.venue(key)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if d := vs.nextAllowedAt.Sub(g.now()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// The token limiter enforces the steady max(configured, learned) floor.
	return vs.limiter.Wait(ctx)
}

// OnRateLimited records an explicit back-off request from the venue.
// retryAfter must already be parsed; non-positive values are ignored.
func (g *Governor) OnRateLimited(key VenueKey, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	vs := g.venue(key)
	vs.mu.Lock()

	delay := retryAfter + g.cfg.Buffer
	if g.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(g.cfg.Jitter)))
	}
	next := g.now().Add(delay)
	if next.After(vs.nextAllowedAt) {
		vs.nextAllowedAt = next
	}

	if g.cfg.Learning {
		learned := vs.learnedMin
		if retryAfter > learned {
			learned = retryAfter
		}
		if learned > g.cfg.LearnedCap {
			learned = g.cfg.LearnedCap
		}
		if learned != vs.learnedMin {
			vs.learnedMin = learned
			vs.limiter.SetLimit(limitFor(g.interval(vs)))
		}
	}
	deadline := vs.nextAllowedAt
	learnedMin := vs.learnedMin
	vs.mu.Unlock()

	g.mu.Lock()
	g.persisted[key.String()] = persistedVenue{
		NextAllowedAtMs:      deadline.UnixMilli(),
		LearnedMinIntervalMs: learnedMin.Milliseconds(),
	}
	g.mu.Unlock()

	g.log.Warn("venue rate limited, backing off",
		"venue", key.VenueID, "retry_after", retryAfter.String(), "learned_min", learnedMin.String())
	g.persist()
}

// OnSuccess pushes the next-allowed deadline forward by the steady interval
// when post-success enforcement is on. Not persisted; success is frequent.
func (g *Governor) OnSuccess(key VenueKey) {
	if !g.cfg.PostSuccess {
		return
	}
	vs := g.venue(key)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	next := g.now().Add(g.interval(vs))
	if next.After(vs.nextAllowedAt) {
		vs.nextAllowedAt = next
	}
}

// NextAllowedAt reports the current gate deadline for a venue.
func (g *Governor) NextAllowedAt(key VenueKey) time.Time {
	vs := g.venue(key)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.nextAllowedAt
}

// LearnedInterval reports the learned minimum interval for a venue.
func (g *Governor) LearnedInterval(key VenueKey) time.Duration {
	vs := g.venue(key)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.learnedMin
}

func (g *Governor) load() {
	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		g.log.Warn("failed to read rate-limit state", "error", err.Error())
		return
	}
	var raw map[string]persistedVenue
	if err := json.Unmarshal(data, &raw); err != nil {
		g.log.Warn("discarding unreadable rate-limit state", "error", err.Error())
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, pv := range raw {
		vs := &venueState{
			nextAllowedAt: time.UnixMilli(pv.NextAllowedAtMs),
			learnedMin:    time.Duration(pv.LearnedMinIntervalMs) * time.Millisecond,
		}
		vs.limiter = rate.NewLimiter(limitFor(g.interval(vs)), 1)
		g.venues[k] = vs
		g.persisted[k] = pv
	}
}

func (g *Governor) persist() {
	g.mu.Lock()
	raw := make(map[string]persistedVenue, len(g.persisted))
	for k, pv := range g.persisted {
		raw[k] = pv
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		g.log.Warn("failed to marshal rate-limit state", "error", err.Error())
		return
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		g.log.Warn("failed to persist rate-limit state", "error", err.Error())
	}
}
