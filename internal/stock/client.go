package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/observability"
)

// Client wraps interactions with the external stock system API. The stock
// system owns on-hand quantities; this service only reads and sets them
// while posting receipts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observability.Metrics
}

// NewClient constructs a new client. metrics may be nil.
func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: metrics,
	}
}

type stockResponse struct {
	ItemID     uuid.UUID       `json:"item_id"`
	LocationID uuid.UUID       `json:"location_id"`
	Qty        decimal.Decimal `json:"qty"`
}

type updateRequest struct {
	Qty decimal.Decimal `json:"qty"`
}

// Ping checks if the remote stock system is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("stock system returned status %d", resp.StatusCode)
	}
	return nil
}

// GetStock fetches the current on-hand quantity for one item at one
// location.
func (c *Client) GetStock(ctx context.Context, itemID, locationID uuid.UUID) (decimal.Decimal, error) {
	defer c.metrics.ObserveStockCall("get", time.Now())
	url := fmt.Sprintf("%s/stock/%s/%s", c.baseURL, itemID, locationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var payload stockResponse
	if err := c.do(req, &payload); err != nil {
		return decimal.Zero, err
	}
	return payload.Qty, nil
}

// UpdateStock sets the absolute on-hand quantity and returns the quantity
// the stock system confirmed. Sending an absolute value keeps retries of
// the same request idempotent.
func (c *Client) UpdateStock(ctx context.Context, itemID, locationID uuid.UUID, newQty decimal.Decimal) (decimal.Decimal, error) {
	defer c.metrics.ObserveStockCall("update", time.Now())
	body, err := json.Marshal(updateRequest{Qty: newQty})
	if err != nil {
		return decimal.Zero, err
	}
	url := fmt.Sprintf("%s/stock/%s/%s", c.baseURL, itemID, locationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	var payload stockResponse
	if err := c.do(req, &payload); err != nil {
		return decimal.Zero, err
	}
	return payload.Qty, nil
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stock system returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
