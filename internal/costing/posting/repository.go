package posting

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/platform/db"
	"github.com/wavepoint-erp/wavepoint/internal/purchasing"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// Repository persists goods receipts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertReceipt(ctx context.Context, receipt GoodsReceipt) error
	InsertLine(ctx context.Context, line GoodsReceiptLine) error
	UpdateStatus(ctx context.Context, receiptID uuid.UUID, status ReceiptStatus, postedAt time.Time) error
	LinkReversal(ctx context.Context, originalID, mirrorID uuid.UUID) error
	ApplyReceipt(ctx context.Context, poLineID uuid.UUID, qty decimal.Decimal) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("posting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetReceipt loads a receipt header and its lines ordered by line number.
func (r *Repository) GetReceipt(ctx context.Context, id uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error) {
	if r == nil {
		return GoodsReceipt{}, nil, errors.New("posting repository not initialised")
	}
	receipt, err := r.scanReceipt(ctx, `
		SELECT id, tenant_id, number, po_id, location_id, status, reversal_of, reversed_by, reason, created_by, created_at, posted_at
		FROM goods_receipts WHERE id=$1`, id)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	lines, err := r.listLines(ctx, receipt.ID)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	return receipt, lines, nil
}

// GetReversalOf loads the mirror receipt created for an original, if any.
func (r *Repository) GetReversalOf(ctx context.Context, originalID uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error) {
	if r == nil {
		return GoodsReceipt{}, nil, errors.New("posting repository not initialised")
	}
	receipt, err := r.scanReceipt(ctx, `
		SELECT id, tenant_id, number, po_id, location_id, status, reversal_of, reversed_by, reason, created_by, created_at, posted_at
		FROM goods_receipts WHERE reversal_of=$1`, originalID)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	lines, err := r.listLines(ctx, receipt.ID)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	return receipt, lines, nil
}

func (r *Repository) scanReceipt(ctx context.Context, query string, arg any) (GoodsReceipt, error) {
	var receipt GoodsReceipt
	var status string
	var reversalOf, reversedBy uuid.NullUUID
	var reason sql.NullString
	var postedAt sql.NullTime
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&receipt.ID, &receipt.TenantID, &receipt.Number, &receipt.POID, &receipt.LocationID,
		&status, &reversalOf, &reversedBy, &reason, &receipt.CreatedBy, &receipt.CreatedAt, &postedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceipt{}, shared.ErrNotFound
		}
		return GoodsReceipt{}, err
	}
	receipt.Status = ReceiptStatus(status)
	if reversalOf.Valid {
		receipt.ReversalOf = reversalOf.UUID
	}
	if reversedBy.Valid {
		receipt.ReversedBy = reversedBy.UUID
	}
	if reason.Valid {
		receipt.Reason = reason.String
	}
	if postedAt.Valid {
		receipt.PostedAt = postedAt.Time
	}
	return receipt, nil
}

func (r *Repository) listLines(ctx context.Context, receiptID uuid.UUID) ([]GoodsReceiptLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, receipt_id, item_id, line_no, qty, unit_cost, currency, po_line_id
		FROM goods_receipt_lines WHERE receipt_id=$1 ORDER BY line_no`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []GoodsReceiptLine
	for rows.Next() {
		var line GoodsReceiptLine
		var poLineID uuid.NullUUID
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.ItemID, &line.LineNo, &line.Qty, &line.UnitCost, &line.Currency, &poLineID); err != nil {
			return nil, err
		}
		if poLineID.Valid {
			line.POLineID = poLineID.UUID
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) InsertReceipt(ctx context.Context, receipt GoodsReceipt) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO goods_receipts (id, tenant_id, number, po_id, location_id, status, reversal_of, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		receipt.ID, receipt.TenantID, receipt.Number, receipt.POID, receipt.LocationID,
		string(receipt.Status), nullableUUID(receipt.ReversalOf), receipt.Reason, receipt.CreatedBy, receipt.CreatedAt,
	)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line GoodsReceiptLine) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO goods_receipt_lines (id, receipt_id, item_id, line_no, qty, unit_cost, currency, po_line_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		line.ID, line.ReceiptID, line.ItemID, line.LineNo, line.Qty, line.UnitCost, line.Currency, nullableUUID(line.POLineID),
	)
	return err
}

func (r *txRepository) UpdateStatus(ctx context.Context, receiptID uuid.UUID, status ReceiptStatus, postedAt time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE goods_receipts SET status=$2, posted_at=$3 WHERE id=$1`,
		receiptID, string(status), postedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) LinkReversal(ctx context.Context, originalID, mirrorID uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE goods_receipts SET reversed_by=$2 WHERE id=$1 AND reversed_by IS NULL`,
		originalID, mirrorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

// ApplyReceipt moves received quantity on a purchase order line inside the
// same transaction as the receipt's status change.
func (r *txRepository) ApplyReceipt(ctx context.Context, poLineID uuid.UUID, qty decimal.Decimal) error {
	return purchasing.ApplyReceipt(ctx, r.tx, poLineID, qty)
}

func nullableUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
