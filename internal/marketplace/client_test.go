package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

func fptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool    { return &b }

func newTestClient(t *testing.T, handler http.Handler) (*Client, model.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, logger.Nop())
	store := model.Store{ID: 1, VenueID: "venue-1", Login: "mk-user", Password: "mk-pass"}
	return c, store
}

func TestUpdateInventorySendsBatch(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotBody map[string][]model.InventoryUpdate
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	c, store := newTestClient(t, handler)
	err := c.UpdateInventory(context.Background(), store, []model.InventoryUpdate{
		{SKU: "A", Inventory: 5},
		{SKU: "B", Inventory: 0},
	})
	require.NoError(t, err)
	require.Equal(t, "/venues/venue-1/items/inventory", gotPath)
	require.Equal(t, "mk-user", gotUser)
	require.Equal(t, "mk-pass", gotPass)
	require.Len(t, gotBody["data"], 2)
}

func TestUpdateItemsPath(t *testing.T) {
	var gotPath, gotMethod string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	c, store := newTestClient(t, handler)
	err := c.UpdateItems(context.Background(), store, []model.ItemUpdate{
		{SKU: "A", Price: fptr(9.99), Enabled: boolPtr(true)},
	})
	require.NoError(t, err)
	require.Equal(t, "/venues/venue-1/items", gotPath)
	require.Equal(t, http.MethodPatch, gotMethod)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an empty batch")
	})
	c, store := newTestClient(t, handler)
	require.NoError(t, c.UpdateItems(context.Background(), store, nil))
	require.NoError(t, c.UpdateInventory(context.Background(), store, nil))
}

func TestBatchCeilingRejectedLocally(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("oversized batch must not reach the wire")
	})
	c, store := newTestClient(t, handler)

	big := make([]model.InventoryUpdate, MaxBatchItems+1)
	err := c.UpdateInventory(context.Background(), store, big)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds payload ceiling")
}

func TestConflictTreatedAsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	c, store := newTestClient(t, handler)
	err := c.UpdateInventory(context.Background(), store, []model.InventoryUpdate{{SKU: "A"}})
	require.NoError(t, err)
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, store := newTestClient(t, handler)
	err := c.UpdateInventory(context.Background(), store, []model.InventoryUpdate{{SKU: "A"}})

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Second, rl.Delay)
	require.True(t, IsRetriable(err))
}

func TestServerErrorIsRetriable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c, store := newTestClient(t, handler)
	err := c.UpdateInventory(context.Background(), store, []model.InventoryUpdate{{SKU: "A"}})

	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.True(t, IsRetriable(err))
}

func TestTerminalErrorCapturesBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"unknown sku"}`))
	})
	c, store := newTestClient(t, handler)
	err := c.UpdateInventory(context.Background(), store, []model.InventoryUpdate{{SKU: "A"}})

	var te *TerminalError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusUnprocessableEntity, te.StatusCode)
	require.Contains(t, te.Body, "unknown sku")
	require.False(t, IsRetriable(err))
}

func TestIsRetriableNetworkError(t *testing.T) {
	require.True(t, IsRetriable(errors.New("connection refused")))
}

func TestBaseURLOverride(t *testing.T) {
	c := New(Config{BaseURL: "https://global.example.com"}, logger.Nop())
	require.Equal(t, "https://global.example.com", c.BaseURL(model.Store{ID: 1}))
	require.Equal(t, "https://other.example.com",
		c.BaseURL(model.Store{ID: 2, BaseURL: "https://other.example.com"}))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	require.Equal(t, 45*time.Second, ParseRetryAfter("45"))
	require.Zero(t, ParseRetryAfter(""))
	require.Zero(t, ParseRetryAfter("-3"))
	require.Zero(t, ParseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	require.Greater(t, d, 80*time.Second)
	require.LessOrEqual(t, d, 90*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	require.Zero(t, ParseRetryAfter(past))
}

func TestListItemsBareArray(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`[{"sku":"A","quantity":3},{"sku":"B","quantity":0}]`))
	})
	c, store := newTestClient(t, handler)
	items, supported, err := c.ListItems(context.Background(), store)
	require.NoError(t, err)
	require.True(t, supported)
	require.Len(t, items, 2)
	require.Equal(t, "A", items[0].SKU)
}

func TestListItemsWrappedKeys(t *testing.T) {
	for _, key := range []string{"data", "items", "results"} {
		t.Run(key, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"` + key + `":[{"sku":"A"}]}`))
			})
			c, store := newTestClient(t, handler)
			items, supported, err := c.ListItems(context.Background(), store)
			require.NoError(t, err)
			require.True(t, supported)
			require.Len(t, items, 1)
		})
	}
}

func TestListItemsUnsupported(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusMethodNotAllowed} {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		c, store := newTestClient(t, handler)
		items, supported, err := c.ListItems(context.Background(), store)
		require.NoError(t, err)
		require.False(t, supported)
		require.Nil(t, items)
	}
}

func TestListItemsUnrecognizedPayload(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":[]}`))
	})
	c, store := newTestClient(t, handler)
	_, supported, err := c.ListItems(context.Background(), store)
	require.True(t, supported)
	require.Error(t, err)
}
