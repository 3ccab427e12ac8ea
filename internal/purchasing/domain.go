package purchasing

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// POLine is one line of a purchase order as seen by receiving. The
// purchase order itself is owned elsewhere; this module only tracks how
// much of each line has been received.
type POLine struct {
	ID           uuid.UUID
	POID         uuid.UUID
	ItemID       uuid.UUID
	LineNo       int
	Currency     string
	UnitPrice    decimal.Decimal
	QtyOrdered   decimal.Decimal
	QtyReceived  decimal.Decimal
	QtyRemaining decimal.Decimal
}

// ErrLineNotFound indicates the purchase order line does not exist.
var ErrLineNotFound = errors.New("purchasing: po line not found")
