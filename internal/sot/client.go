// Package sot is the HTTP adapter for the upstream source-of-truth ERP.
// It exposes inventory snapshots and product detail reads; the engine
// treats an empty inventory or a short detail response as a hard error to
// avoid mass-disabling a live catalog from a partial view.
package sot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/internal/retry"
	"github.com/venuesync/venuesync/pkg/logger"
)

// ErrEmptyInventory is returned when the ERP reports zero inventory rows.
// Propagating an empty snapshot would disable the whole catalog, so the
// run aborts instead.
var ErrEmptyInventory = errors.New("sot returned empty inventory")

// PartialDetailsError is returned when the ERP returns fewer product
// records than requested. Operating on a partial view could mass-disable
// valid SKUs.
type PartialDetailsError struct {
	Requested int
	Returned  int
}

func (e *PartialDetailsError) Error() string {
	return fmt.Sprintf("sot returned %d of %d requested product details", e.Returned, e.Requested)
}

// Config holds the ERP connection settings.
type Config struct {
	BaseURL   string
	Login     string
	Password  string
	Timeout   time.Duration
	ChunkSize int
}

// Client talks to the ERP. Authentication is token-based; a 401 triggers
// one re-authentication before the call fails.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
	auth retry.Policy

	mu    sync.Mutex
	token string
}

// New creates an ERP client.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > 1000 {
		cfg.ChunkSize = 1000
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		auth: retry.AuthPolicy(),
	}
}

// Authenticate obtains a bearer token, retrying per the auth policy.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.auth.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{
			"login":    c.cfg.Login,
			"password": c.cfg.Password,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/auth", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("sot auth request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sot auth failed with status %d: %s", resp.StatusCode, string(b))
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("sot auth response unreadable: %w", err)
		}
		if out.Token == "" {
			return errors.New("sot auth returned empty token")
		}

		c.mu.Lock()
		c.token = out.Token
		c.mu.Unlock()
		return nil
	})
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// get performs an authenticated GET, re-authenticating once on 401.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.authedCall(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.authedCall(ctx, http.MethodPost, path, data, out)
}

func (c *Client) authedCall(ctx context.Context, method, path string, body []byte, out interface{}) error {
	reauthed := false
	for {
		if c.bearer() == "" {
			if err := c.Authenticate(ctx); err != nil {
				return err
			}
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.bearer())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("sot request failed: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()
			reauthed = true
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			c.log.Info("sot token rejected, re-authenticating")
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sot %s %s failed with status %d: %s", method, path, resp.StatusCode, string(b))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("sot response unreadable: %w", err)
		}
		return nil
	}
}

// Inventory fetches the full inventory snapshot for a store. An empty
// snapshot is a hard error by contract.
func (c *Client) Inventory(ctx context.Context, storeID int) ([]model.InventoryRecord, error) {
	var recs []model.InventoryRecord
	if err := c.get(ctx, "/api/inventory?store_id="+strconv.Itoa(storeID), &recs); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrEmptyInventory
	}
	return recs, nil
}

// Products fetches product details for the given ids, chunked at the
// ERP-side limit. A short response for any chunk aborts the whole read.
func (c *Client) Products(ctx context.Context, ids []int) ([]model.ProductDetail, error) {
	out := make([]model.ProductDetail, 0, len(ids))
	for start := 0; start < len(ids); start += c.cfg.ChunkSize {
		end := start + c.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var details []model.ProductDetail
		if err := c.post(ctx, "/api/products", map[string][]int{"ids": chunk}, &details); err != nil {
			return nil, err
		}
		if len(details) < len(chunk) {
			return nil, &PartialDetailsError{Requested: len(chunk), Returned: len(details)}
		}
		out = append(out, details...)
	}
	return out, nil
}
