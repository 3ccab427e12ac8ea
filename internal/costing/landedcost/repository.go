package landedcost

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wavepoint-erp/wavepoint/internal/platform/db"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// Repository persists landed costs and allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertLandedCost(ctx context.Context, lc LandedCost) error
	MarkAllocated(ctx context.Context, id uuid.UUID) error
	InsertAllocation(ctx context.Context, alloc Allocation) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("landedcost repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetLandedCost loads one landed cost.
func (r *Repository) GetLandedCost(ctx context.Context, id uuid.UUID) (LandedCost, error) {
	var lc LandedCost
	var method string
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, receipt_id, description, amount, currency, method, is_allocated, created_at
		FROM landed_costs WHERE id=$1`, id).
		Scan(&lc.ID, &lc.TenantID, &lc.ReceiptID, &lc.Description, &lc.Amount, &lc.Currency, &method, &lc.IsAllocated, &lc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LandedCost{}, shared.ErrNotFound
		}
		return LandedCost{}, err
	}
	lc.Method = Method(method)
	return lc, nil
}

// ListUnallocatedByReceipt returns landed costs still pending allocation.
func (r *Repository) ListUnallocatedByReceipt(ctx context.Context, receiptID uuid.UUID) ([]LandedCost, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, receipt_id, description, amount, currency, method, is_allocated, created_at
		FROM landed_costs WHERE receipt_id=$1 AND is_allocated=false ORDER BY created_at, id`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var costs []LandedCost
	for rows.Next() {
		var lc LandedCost
		var method string
		if err := rows.Scan(&lc.ID, &lc.TenantID, &lc.ReceiptID, &lc.Description, &lc.Amount, &lc.Currency, &method, &lc.IsAllocated, &lc.CreatedAt); err != nil {
			return nil, err
		}
		lc.Method = Method(method)
		costs = append(costs, lc)
	}
	return costs, rows.Err()
}

// ListReceiptLines returns the receipt's lines in line number order.
func (r *Repository) ListReceiptLines(ctx context.Context, receiptID uuid.UUID) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, line_no, qty, unit_cost
		FROM goods_receipt_lines WHERE receipt_id=$1 ORDER BY line_no`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.LineNo, &line.Qty, &line.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListAllocationsByReceipt returns every allocation row for a receipt.
func (r *Repository) ListAllocationsByReceipt(ctx context.Context, receiptID uuid.UUID) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.landed_cost_id, a.line_id, a.amount
		FROM landed_cost_allocations a
		JOIN landed_costs lc ON lc.id = a.landed_cost_id
		WHERE lc.receipt_id=$1 ORDER BY a.line_id, a.id`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocations []Allocation
	for rows.Next() {
		var alloc Allocation
		if err := rows.Scan(&alloc.ID, &alloc.LandedCostID, &alloc.LineID, &alloc.Amount); err != nil {
			return nil, err
		}
		allocations = append(allocations, alloc)
	}
	return allocations, rows.Err()
}

func (r *txRepository) InsertLandedCost(ctx context.Context, lc LandedCost) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO landed_costs (id, tenant_id, receipt_id, description, amount, currency, method, is_allocated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8)`,
		lc.ID, lc.TenantID, lc.ReceiptID, lc.Description, lc.Amount, lc.Currency, string(lc.Method), lc.CreatedAt)
	return err
}

// MarkAllocated flips is_allocated exactly once; losing a race surfaces
// ErrAlreadyAllocated.
func (r *txRepository) MarkAllocated(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `UPDATE landed_costs SET is_allocated=true WHERE id=$1 AND is_allocated=false`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyAllocated
	}
	return nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, alloc Allocation) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO landed_cost_allocations (id, landed_cost_id, line_id, amount)
		VALUES ($1,$2,$3,$4)`,
		alloc.ID, alloc.LandedCostID, alloc.LineID, alloc.Amount)
	return err
}
