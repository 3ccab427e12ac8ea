package posting

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// ReceiptStatus enumerates the goods receipt lifecycle.
type ReceiptStatus string

const (
	// StatusDraft is the initial, still editable state.
	StatusDraft ReceiptStatus = "DRAFT"
	// StatusPosted means every line was confirmed against the stock system.
	StatusPosted ReceiptStatus = "POSTED"
	// StatusReversed means a mirror receipt superseded this one.
	StatusReversed ReceiptStatus = "REVERSED"
)

// GoodsReceipt is the header of one receiving transaction against a purchase
// order. A POSTED receipt has zero or one reversal; a REVERSED receipt can
// never be reversed again.
type GoodsReceipt struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Number     string
	POID       uuid.UUID
	LocationID uuid.UUID
	Status     ReceiptStatus
	// ReversalOf and ReversedBy form the 1:1 mirror link. Nil when unset.
	ReversalOf uuid.UUID
	ReversedBy uuid.UUID
	Reason     string
	CreatedBy  int64
	CreatedAt  time.Time
	PostedAt   time.Time
}

// GoodsReceiptLine is one received item. Quantity is negative on reversal
// lines. Owned exclusively by its receipt.
type GoodsReceiptLine struct {
	ID        uuid.UUID
	ReceiptID uuid.UUID
	ItemID    uuid.UUID
	LineNo    int
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	Currency  string
	POLineID  uuid.UUID
}

// CreateDraftInput describes a draft receipt creation request.
type CreateDraftInput struct {
	TenantID   uuid.UUID `validate:"required"`
	POID       uuid.UUID `validate:"required"`
	LocationID uuid.UUID `validate:"required"`
	Number     string    `validate:"max=64"`
	ActorID    int64
}

var (
	// ErrPreconditionFailed occurs when post/reverse targets a receipt in
	// the wrong state, with no lines, or with zero-cost lines. It wraps the
	// shared sentinel so cross-package callers can match either.
	ErrPreconditionFailed = fmt.Errorf("posting: %w", shared.ErrPreconditionFailed)
	// ErrAlreadyReversed occurs on a second reversal attempt.
	ErrAlreadyReversed = errors.New("posting: receipt already reversed")
	// ErrExternalSystem wraps stock system failures; the line identifier is
	// attached by the coordinator.
	ErrExternalSystem = errors.New("posting: external stock system failure")
)
