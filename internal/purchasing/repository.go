package purchasing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads and updates purchase order lines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OutstandingLines returns the PO's lines that still have quantity to
// receive, ordered by line number.
func (r *Repository) OutstandingLines(ctx context.Context, poID uuid.UUID) ([]POLine, error) {
	if r == nil {
		return nil, errors.New("purchasing repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, po_id, item_id, line_no, currency, unit_price, qty_ordered, qty_received
		FROM purchase_order_lines
		WHERE po_id=$1 AND qty_received < qty_ordered
		ORDER BY line_no`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.ItemID, &line.LineNo, &line.Currency, &line.UnitPrice, &line.QtyOrdered, &line.QtyReceived); err != nil {
			return nil, err
		}
		line.QtyRemaining = line.QtyOrdered.Sub(line.QtyReceived)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ApplyReceipt moves received quantity on a line inside the caller's
// transaction. Posting passes positive quantities, reversals negative ones;
// received quantity never drops below zero.
func ApplyReceipt(ctx context.Context, tx pgx.Tx, poLineID uuid.UUID, qty decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchase_order_lines
		SET qty_received = GREATEST(qty_received + $2, 0)
		WHERE id=$1`, poLineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}
