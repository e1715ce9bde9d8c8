// Package breaker implements a three-state circuit breaker per external
// dependency: closed under normal operation, open to shed load while the
// dependency is sustained-unhealthy, half-open to probe recovery.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/venuesync/venuesync/pkg/logger"
)

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// OpenError is returned when a call is rejected because the breaker is open.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Config parametrizes one breaker.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// Ignore classifies errors that must not feed the state machine.
	// Rate-limit responses are expected load-shedding, not dependency
	// failure, so the marketplace wiring ignores them here.
	Ignore func(error) bool
}

// SoTConfig is the breaker preset for the upstream ERP.
func SoTConfig() Config {
	return Config{Name: "sot", FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

// MarketplaceConfig is the breaker preset for the marketplace. The
// threshold is higher because 429s are expected there and are not counted
// as failures (they are retried and eventually succeed).
func MarketplaceConfig() Config {
	return Config{Name: "marketplace", FailureThreshold: 10, SuccessThreshold: 3, Timeout: 120 * time.Second}
}

// Breaker guards one dependency. The open→half-open transition happens
// lazily when state is consulted after the timeout has elapsed.
type Breaker struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker.
func New(cfg Config, log *logger.Logger) *Breaker {
	return &Breaker{cfg: cfg, log: log, now: time.Now, state: Closed}
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, applying the lazy open→half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.successes = 0
		b.log.Info("circuit breaker half-open, probing", "breaker", b.cfg.Name)
	}
	return b.state
}

// Execute runs op unless the breaker is open. Failures and successes feed
// the state machine.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.currentState() == Open {
		b.mu.Unlock()
		return &OpenError{Name: b.cfg.Name}
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if b.cfg.Ignore == nil || !b.cfg.Ignore(err) {
			b.onFailure()
		}
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onFailure() {
	switch b.currentState() {
	case HalfOpen:
		// A single probe failure reopens.
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.log.Error("circuit breaker opened", "breaker", b.cfg.Name, "timeout", b.cfg.Timeout.String())
}

func (b *Breaker) onSuccess() {
	switch b.currentState() {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.log.Info("circuit breaker closed", "breaker", b.cfg.Name)
		}
	case Closed:
		b.failures = 0
	}
}

// Reset forces the breaker closed. Exposed to operators only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

// Snapshot is the operator-facing view of one breaker.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"consecutive_failures"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	FailureThreshold int       `json:"failure_threshold"`
}

// Snapshot returns the current breaker status.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:             b.cfg.Name,
		State:            b.currentState(),
		Failures:         b.failures,
		FailureThreshold: b.cfg.FailureThreshold,
	}
	if s.State != Closed {
		s.OpenedAt = b.openedAt
	}
	return s
}
