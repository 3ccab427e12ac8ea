package landedcost

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Method enumerates supported allocation methods.
type Method string

const (
	// MethodByValue weights lines by qty * unit cost.
	MethodByValue Method = "BY_VALUE"
	// MethodByQuantity weights lines by qty alone.
	MethodByQuantity Method = "BY_QUANTITY"
)

// LandedCost is a shared cost (freight, duty) attached to a goods receipt.
// IsAllocated flips false to true exactly once, never back.
type LandedCost struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	ReceiptID   uuid.UUID
	Description string
	Amount      decimal.Decimal
	Currency    string
	Method      Method
	IsAllocated bool
	CreatedAt   time.Time
}

// Allocation is one derived row per (landed cost, receipt line) pair,
// immutable once written. The amounts for one landed cost sum exactly to
// its total.
type Allocation struct {
	ID           uuid.UUID
	LandedCostID uuid.UUID
	LineID       uuid.UUID
	Amount       decimal.Decimal
}

// Line carries the receipt line fields the allocator needs. Quantities are
// as received, unit costs before landed costs.
type Line struct {
	ID       uuid.UUID
	LineNo   int
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// CreateInput describes a landed cost to attach to a receipt.
type CreateInput struct {
	TenantID    uuid.UUID `validate:"required"`
	ReceiptID   uuid.UUID `validate:"required"`
	Description string    `validate:"max=255"`
	Amount      decimal.Decimal
	Currency    string `validate:"required,len=3"`
	Method      Method `validate:"required,oneof=BY_VALUE BY_QUANTITY"`
}

var (
	// ErrNoLinesToAllocate indicates the receipt has no lines.
	ErrNoLinesToAllocate = errors.New("landedcost: receipt has no lines to allocate")
	// ErrAlreadyAllocated indicates a second allocation attempt; allocation
	// is write-once.
	ErrAlreadyAllocated = errors.New("landedcost: already allocated")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("landedcost: amount must be positive")
)
