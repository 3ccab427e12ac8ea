package stock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wavepoint-erp/wavepoint/internal/observability"
)

func TestGetStock(t *testing.T) {
	itemID, locationID := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/stock/"+itemID.String()+"/"+locationID.String(), r.URL.Path)
		_ = json.NewEncoder(w).Encode(stockResponse{ItemID: itemID, LocationID: locationID, Qty: decimal.RequireFromString("12.5")})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, nil)
	qty, err := client.GetStock(context.Background(), itemID, locationID)
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.RequireFromString("12.5")))
}

func TestUpdateStockSendsAbsoluteQty(t *testing.T) {
	itemID, locationID := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var req updateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(stockResponse{ItemID: itemID, LocationID: locationID, Qty: req.Qty})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, nil)
	confirmed, err := client.UpdateStock(context.Background(), itemID, locationID, decimal.RequireFromString("40"))
	require.NoError(t, err)
	require.True(t, confirmed.Equal(decimal.RequireFromString("40")))
}

func TestClientRecordsCallDurations(t *testing.T) {
	itemID, locationID := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stockResponse{ItemID: itemID, LocationID: locationID, Qty: decimal.Zero})
	}))
	defer srv.Close()

	metrics := observability.NewMetrics()
	client := NewClient(srv.URL, time.Second, metrics)
	_, err := client.GetStock(context.Background(), itemID, locationID)
	require.NoError(t, err)
	_, err = client.UpdateStock(context.Background(), itemID, locationID, decimal.RequireFromString("3"))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	require.Contains(t, body, `wavepoint_stock_call_duration_seconds_count{op="get"} 1`)
	require.Contains(t, body, `wavepoint_stock_call_duration_seconds_count{op="update"} 1`)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, nil)
	_, err := client.GetStock(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}
