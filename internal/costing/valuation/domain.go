package valuation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/costing/ledger"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// Row is the current valuation of one (item, location) key.
type Row struct {
	ItemID     uuid.UUID       `json:"item_id"`
	LocationID uuid.UUID       `json:"location_id"`
	QtyOnHand  decimal.Decimal `json:"qty_on_hand"`
	WAC        decimal.Decimal `json:"wac"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// Report is the valuation of every key in scope, with a grand total.
type Report struct {
	Rows       []Row           `json:"rows"`
	TotalValue decimal.Decimal `json:"total_value"`
	AsOf       time.Time       `json:"as_of"`
}

// HistoryQuery selects ledger events for the history view.
type HistoryQuery struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Types      []ledger.EventType
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// HistoryEntry is one ledger event with its point-in-time snapshot.
type HistoryEntry struct {
	EventID           uuid.UUID        `json:"event_id"`
	Type              ledger.EventType `json:"type"`
	ItemID            uuid.UUID        `json:"item_id"`
	LocationID        uuid.UUID        `json:"location_id"`
	QtyDelta          decimal.Decimal  `json:"qty_delta"`
	UnitCost          decimal.Decimal  `json:"unit_cost"`
	LandedCostPerUnit decimal.Decimal  `json:"landed_cost_per_unit"`
	ValueDelta        decimal.Decimal  `json:"value_delta"`
	Currency          string           `json:"currency"`
	WACAtEvent        decimal.Decimal  `json:"wac_at_event"`
	QtyOnHandAtEvent  decimal.Decimal  `json:"qty_on_hand_at_event"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

// HistorySummary totals the page's deltas.
type HistorySummary struct {
	NetQtyDelta   decimal.Decimal `json:"net_qty_delta"`
	NetValueDelta decimal.Decimal `json:"net_value_delta"`
}

// HistoryPage is one page of ledger history.
type HistoryPage struct {
	Entries    []HistoryEntry    `json:"entries"`
	Summary    HistorySummary    `json:"summary"`
	Pagination shared.Pagination `json:"pagination"`
}
