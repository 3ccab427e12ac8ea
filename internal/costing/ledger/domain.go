package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// EventType enumerates supported cost layer events.
type EventType string

const (
	// EventGoodsReceipt records an inbound receipt line at its unit cost.
	EventGoodsReceipt EventType = "GOODS_RECEIPT"
	// EventGoodsReceiptReversal mirrors a previously posted receipt line.
	EventGoodsReceiptReversal EventType = "GOODS_RECEIPT_REVERSAL"
	// EventLandedCostAdjustment records a landed cost applied to an already
	// posted receipt. The posting coordinator only folds landed costs that
	// are allocated before posting into the receipt events' per-unit share;
	// this type is reserved for callers adjusting costs after the fact and
	// is accepted by Append like any other event.
	EventLandedCostAdjustment EventType = "LANDED_COST_ADJUSTMENT"
)

// NegativeWACPolicy controls the weighted average cost when a reversal drives
// the on-hand quantity below zero.
type NegativeWACPolicy string

const (
	// PolicyFreezeWAC keeps the last positive WAC as a best-effort marker.
	PolicyFreezeWAC NegativeWACPolicy = "freeze"
	// PolicyResetWAC resets the WAC to zero once quantity turns negative.
	PolicyResetWAC NegativeWACPolicy = "reset"
)

// AggregateKey identifies one costing aggregate.
type AggregateKey struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
}

// Aggregate holds the latest snapshot for one (tenant, item, location) key.
type Aggregate struct {
	Key       AggregateKey
	QtyOnHand decimal.Decimal
	WAC       decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// CostLayerEvent is one immutable ledger entry. Events are never updated or
// deleted; corrections are appended as new events.
type CostLayerEvent struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	Type              EventType
	ItemID            uuid.UUID
	LocationID        uuid.UUID
	QtyDelta          decimal.Decimal
	UnitCost          decimal.Decimal
	LandedCostPerUnit decimal.Decimal
	Currency          string
	SourceLineID      uuid.UUID
	WACAtEvent        decimal.Decimal
	QtyOnHandAtEvent  decimal.Decimal
	CreatedBy         int64
	OccurredAt        time.Time
}

// AppendInput describes a request to append one cost layer event.
type AppendInput struct {
	TenantID          uuid.UUID
	ItemID            uuid.UUID
	LocationID        uuid.UUID
	Type              EventType
	QtyDelta          decimal.Decimal
	UnitCost          decimal.Decimal
	LandedCostPerUnit decimal.Decimal
	Currency          string
	SourceLineID      uuid.UUID
	ActorID           int64
}

// EventFilter selects events for history queries.
type EventFilter struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Types      []EventType
	From       time.Time
	To         time.Time
}

// ErrInvalidQuantity indicates a zero quantity delta.
var ErrInvalidQuantity = errors.New("ledger: quantity delta must be non zero")

// ErrConcurrentModification triggered when the aggregate read turned stale
// before the append committed. The caller may retry. It wraps the shared
// sentinel so cross-package callers can match either.
var ErrConcurrentModification = fmt.Errorf("ledger: %w", shared.ErrConcurrentModification)
