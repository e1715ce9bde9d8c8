// Package marketplace is the HTTP adapter for the downstream venue API.
// Writes go through two PATCH endpoints (item metadata, then inventory
// levels); a 409 on a batch means the change was already applied and is
// treated as success at this boundary.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

// MaxBatchItems is the hard ceiling the marketplace imposes on payload size.
const MaxBatchItems = 200

// RateLimitError is a 429 response. Delay carries the parsed Retry-After.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("marketplace rate limited, retry after %s", e.Delay)
}

// RetryAfter implements the retry package's carrier interface.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Delay }

// ServerError is a retriable 5xx response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("marketplace server error %d", e.StatusCode)
}

// TerminalError is a non-retriable 4xx response (other than 409 and 429).
type TerminalError struct {
	StatusCode int
	Body       string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("marketplace rejected request with status %d: %s", e.StatusCode, e.Body)
}

// IsRetriable classifies marketplace errors for the retry policy:
// network-level failures, 5xx and 429 are retriable; everything else is
// terminal.
func IsRetriable(err error) bool {
	var terminal *TerminalError
	return !errors.As(err, &terminal)
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date. Returns zero when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Config holds marketplace connection settings shared by all stores.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the marketplace venue API with per-store basic auth.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

// New creates a marketplace client.
func New(cfg Config, log *logger.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// BaseURL returns the effective base URL for a store, honoring the
// per-store override.
func (c *Client) BaseURL(store model.Store) string {
	if store.BaseURL != "" {
		return store.BaseURL
	}
	return c.cfg.BaseURL
}

// UpdateItems pushes one batch of item metadata updates.
func (c *Client) UpdateItems(ctx context.Context, store model.Store, items []model.ItemUpdate) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxBatchItems {
		return fmt.Errorf("items batch of %d exceeds payload ceiling %d", len(items), MaxBatchItems)
	}
	path := fmt.Sprintf("/venues/%s/items", store.VenueID)
	return c.patch(ctx, store, path, map[string]interface{}{"data": items})
}

// UpdateInventory pushes one batch of inventory level updates.
func (c *Client) UpdateInventory(ctx context.Context, store model.Store, updates []model.InventoryUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) > MaxBatchItems {
		return fmt.Errorf("inventory batch of %d exceeds payload ceiling %d", len(updates), MaxBatchItems)
	}
	path := fmt.Sprintf("/venues/%s/items/inventory", store.VenueID)
	return c.patch(ctx, store, path, map[string]interface{}{"data": updates})
}

func (c *Client) patch(ctx context.Context, store model.Store, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.BaseURL(store)+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(store.Login, store.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already applied; the batch is an idempotent duplicate.
		c.log.Info("marketplace reported duplicate batch, treating as success",
			"venue", store.VenueID, "path", path)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Delay: ParseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TerminalError{StatusCode: resp.StatusCode, Body: string(b)}
	}
}

// ListItems fetches the venue's existing items, best effort. The second
// return value is false when the endpoint is not supported (404/405).
// The payload array may appear under one of several keys.
func (c *Client) ListItems(ctx context.Context, store model.Store) ([]model.ListedItem, bool, error) {
	path := fmt.Sprintf("/venues/%s/items", store.VenueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(store)+path, nil)
	if err != nil {
		return nil, false, err
	}
	req.SetBasicAuth(store.Login, store.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, true, fmt.Errorf("marketplace item listing failed with status %d: %s", resp.StatusCode, string(b))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	items, err := decodeItemListing(data)
	if err != nil {
		return nil, true, err
	}
	return items, true, nil
}

// decodeItemListing accepts either a bare array or an object with the
// array under one of the known keys.
func decodeItemListing(data []byte) ([]model.ListedItem, error) {
	var direct []model.ListedItem
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("marketplace item listing unreadable: %w", err)
	}
	for _, key := range []string{"data", "items", "results"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		var items []model.ListedItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("marketplace item listing key %q unreadable: %w", key, err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("marketplace item listing has no recognizable payload key")
}
