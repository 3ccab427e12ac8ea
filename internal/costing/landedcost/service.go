package landedcost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLandedCost(ctx context.Context, id uuid.UUID) (LandedCost, error)
	ListUnallocatedByReceipt(ctx context.Context, receiptID uuid.UUID) ([]LandedCost, error)
	ListReceiptLines(ctx context.Context, receiptID uuid.UUID) ([]Line, error)
	ListAllocationsByReceipt(ctx context.Context, receiptID uuid.UUID) ([]Allocation, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups allocation settings.
type ServiceConfig struct {
	// Scale is the rounding scale for all but the last line's share.
	Scale int32
}

// Service distributes shared costs across receipt lines.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	validate *validator.Validate
	scale    int32
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	scale := cfg.Scale
	if scale <= 0 {
		scale = 4
	}
	return &Service{repo: repo, audit: audit, validate: validator.New(), scale: scale}
}

// Create attaches a new, not yet allocated landed cost to a receipt.
func (s *Service) Create(ctx context.Context, input CreateInput) (LandedCost, error) {
	if err := s.validate.Struct(input); err != nil {
		return LandedCost{}, fmt.Errorf("landedcost: invalid input: %w", err)
	}
	if input.Amount.Sign() <= 0 {
		return LandedCost{}, ErrInvalidAmount
	}
	lc := LandedCost{
		ID:          uuid.New(),
		TenantID:    input.TenantID,
		ReceiptID:   input.ReceiptID,
		Description: input.Description,
		Amount:      input.Amount,
		Currency:    input.Currency,
		Method:      input.Method,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertLandedCost(ctx, lc)
	})
	if err != nil {
		return LandedCost{}, err
	}
	return lc, nil
}

// Preview computes allocations without persisting anything.
func (s *Service) Preview(lc LandedCost, lines []Line) ([]Allocation, error) {
	return s.compute(lc, lines)
}

// Allocate distributes the landed cost across its receipt's lines and flips
// IsAllocated. Write-once: a second call fails with ErrAlreadyAllocated.
func (s *Service) Allocate(ctx context.Context, landedCostID uuid.UUID) ([]Allocation, error) {
	lc, err := s.repo.GetLandedCost(ctx, landedCostID)
	if err != nil {
		return nil, err
	}
	if lc.IsAllocated {
		return nil, ErrAlreadyAllocated
	}
	lines, err := s.repo.ListReceiptLines(ctx, lc.ReceiptID)
	if err != nil {
		return nil, err
	}
	allocations, err := s.compute(lc, lines)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkAllocated(ctx, lc.ID); err != nil {
			return err
		}
		for _, alloc := range allocations {
			if err := tx.InsertAllocation(ctx, alloc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   "landedcost:ALLOCATE",
			Entity:   "landed_cost",
			EntityID: lc.ID.String(),
			Meta: map[string]any{
				"receipt_id": lc.ReceiptID.String(),
				"amount":     lc.Amount.String(),
				"method":     string(lc.Method),
			},
		})
	}
	return allocations, nil
}

// AllocateAllForReceipt allocates every pending landed cost on a receipt.
// Used by the posting coordinator before the line loop starts.
func (s *Service) AllocateAllForReceipt(ctx context.Context, receiptID uuid.UUID) error {
	pending, err := s.repo.ListUnallocatedByReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	for _, lc := range pending {
		if _, err := s.Allocate(ctx, lc.ID); err != nil {
			// Another coordinator call may have won the race for this cost.
			if errors.Is(err, ErrAlreadyAllocated) {
				continue
			}
			return err
		}
	}
	return nil
}

// PerUnitShares returns, per line, the landed cost per unit derived from all
// allocations on the receipt: totalAllocatedForLine / qtyReceived.
func (s *Service) PerUnitShares(ctx context.Context, receiptID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	allocations, err := s.repo.ListAllocationsByReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListReceiptLines(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	totals := make(map[uuid.UUID]decimal.Decimal, len(lines))
	for _, alloc := range allocations {
		totals[alloc.LineID] = totals[alloc.LineID].Add(alloc.Amount)
	}
	shares := make(map[uuid.UUID]decimal.Decimal, len(lines))
	for _, line := range lines {
		total, ok := totals[line.ID]
		if !ok || line.Qty.IsZero() {
			shares[line.ID] = decimal.Zero
			continue
		}
		shares[line.ID] = total.Div(line.Qty)
	}
	return shares, nil
}

// compute distributes lc.Amount over the lines. All but the last line round
// to the configured scale; the last line takes the exact remainder so the
// shares always sum to the amount. Line order is stable by line number.
func (s *Service) compute(lc LandedCost, lines []Line) ([]Allocation, error) {
	if len(lines) == 0 {
		return nil, ErrNoLinesToAllocate
	}
	ordered := make([]Line, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LineNo < ordered[j].LineNo })

	weights := make([]decimal.Decimal, len(ordered))
	totalWeight := decimal.Zero
	for i, line := range ordered {
		switch lc.Method {
		case MethodByQuantity:
			weights[i] = line.Qty
		default:
			weights[i] = line.Qty.Mul(line.UnitCost)
		}
		totalWeight = totalWeight.Add(weights[i])
	}

	allocations := make([]Allocation, 0, len(ordered))
	allocated := decimal.Zero
	even := decimal.NewFromInt(int64(len(ordered)))
	for i, line := range ordered {
		var share decimal.Decimal
		if i == len(ordered)-1 {
			share = lc.Amount.Sub(allocated)
		} else if totalWeight.IsZero() {
			share = lc.Amount.Div(even).Round(s.scale)
		} else {
			share = lc.Amount.Mul(weights[i]).Div(totalWeight).Round(s.scale)
		}
		allocated = allocated.Add(share)
		allocations = append(allocations, Allocation{
			ID:           uuid.New(),
			LandedCostID: lc.ID,
			LineID:       line.ID,
			Amount:       share,
		})
	}
	return allocations, nil
}
