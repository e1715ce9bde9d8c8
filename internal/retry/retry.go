// Package retry provides the exponential-backoff retry wrapper used around
// external calls. Errors carrying an explicit Retry-After override the
// computed sleep for that attempt; the exponential schedule still advances
// so a later attempt without Retry-After does not restart from the initial
// delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryAfterCarrier is implemented by errors that carry an explicit
// server-requested back-off (HTTP 429 with a Retry-After header).
type RetryAfterCarrier interface {
	RetryAfter() time.Duration
}

// Policy parametrizes a retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	// Retriable classifies an error; a false return stops immediately.
	// A nil classifier retries everything.
	Retriable func(error) bool
	// OnRetry is invoked before each sleep with the attempt number
	// (1-based), the error and the delay about to be slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// AuthPolicy retries authentication a fixed small number of times.
func AuthPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		Factor:       1,
		MaxDelay:     2 * time.Second,
	}
}

// MarketplacePolicy retries marketplace calls aggressively; the classifier
// is supplied by the adapter (network, 5xx and 429 are retriable there).
func MarketplacePolicy(retriable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  8,
		InitialDelay: 2 * time.Second,
		Factor:       2,
		MaxDelay:     5 * time.Minute,
		Retriable:    retriable,
	}
}

// Do runs op under the policy. The returned error is the last attempt's
// error, wrapped with the attempt count when retries were exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		sleep := delay
		var carrier RetryAfterCarrier
		if errors.As(err, &carrier) {
			if ra := carrier.RetryAfter(); ra > 0 {
				// Server-requested back-off plus a one-second margin.
				sleep = ra + time.Second
			}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		// Advance the exponential schedule regardless of any override.
		if p.Factor > 1 {
			delay = time.Duration(float64(delay) * p.Factor)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
