package posting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/costing/ledger"
	"github.com/wavepoint-erp/wavepoint/internal/observability"
	"github.com/wavepoint-erp/wavepoint/internal/purchasing"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReceipt(ctx context.Context, id uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error)
	GetReversalOf(ctx context.Context, originalID uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error)
}

// StockPort is the external stock system. It is the single source of truth
// for on-hand quantity; the ledger's snapshots are costing data only.
type StockPort interface {
	GetStock(ctx context.Context, itemID, locationID uuid.UUID) (decimal.Decimal, error)
	UpdateStock(ctx context.Context, itemID, locationID uuid.UUID, newQty decimal.Decimal) (decimal.Decimal, error)
}

// LedgerPort appends cost layer events.
type LedgerPort interface {
	Append(ctx context.Context, input ledger.AppendInput) (ledger.CostLayerEvent, error)
}

// AllocatorPort triggers landed cost allocation before posting.
type AllocatorPort interface {
	AllocateAllForReceipt(ctx context.Context, receiptID uuid.UUID) error
	PerUnitShares(ctx context.Context, receiptID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
}

// PurchasingPort exposes the purchase order collaborator. Received-quantity
// updates run through TxRepository instead so they commit atomically with
// the receipt's status flip.
type PurchasingPort interface {
	OutstandingLines(ctx context.Context, poID uuid.UUID) ([]purchasing.POLine, error)
}

// IdempotencyPort persists per-line posting state.
type IdempotencyPort interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkPending(ctx context.Context, rec IdempotencyRecord) error
	MarkSuccess(ctx context.Context, key string, resultQty decimal.Decimal) error
	MarkFailed(ctx context.Context, rec IdempotencyRecord, message string) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups coordinator settings.
type ServiceConfig struct {
	// StockTimeout bounds each external stock call.
	StockTimeout time.Duration
	// LedgerTimeout bounds each ledger append.
	LedgerTimeout time.Duration
	// Metrics counts processed lines per outcome. Optional.
	Metrics *observability.Metrics
}

// Service orchestrates posting and reversing goods receipts. Lines within
// one call run strictly sequentially: the ledger's WAC recomputation for a
// key must observe a monotonically ordered view of prior events.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	ledger      LedgerPort
	allocator   AllocatorPort
	purchasing  PurchasingPort
	idempotency IdempotencyPort
	audit       AuditPort
	validate    *validator.Validate
	cfg         ServiceConfig
}

// NewService constructs the posting coordinator.
func NewService(repo RepositoryPort, stock StockPort, ledgerPort LedgerPort, allocator AllocatorPort, po PurchasingPort, idem IdempotencyPort, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.StockTimeout <= 0 {
		cfg.StockTimeout = 10 * time.Second
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 10 * time.Second
	}
	return &Service{
		repo:        repo,
		stock:       stock,
		ledger:      ledgerPort,
		allocator:   allocator,
		purchasing:  po,
		idempotency: idem,
		audit:       audit,
		validate:    validator.New(),
		cfg:         cfg,
	}
}

// CreateDraft creates a DRAFT receipt pre-populated from the purchase
// order's outstanding lines.
func (s *Service) CreateDraft(ctx context.Context, input CreateDraftInput) (GoodsReceipt, []GoodsReceiptLine, error) {
	if err := s.validate.Struct(input); err != nil {
		return GoodsReceipt{}, nil, fmt.Errorf("posting: invalid input: %w", err)
	}
	ctx = shared.ContextWithTenant(ctx, input.TenantID)
	outstanding, err := s.purchasing.OutstandingLines(ctx, input.POID)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	if len(outstanding) == 0 {
		return GoodsReceipt{}, nil, fmt.Errorf("%w: purchase order has no outstanding lines", ErrPreconditionFailed)
	}
	now := time.Now().UTC()
	receipt := GoodsReceipt{
		ID:         uuid.New(),
		TenantID:   input.TenantID,
		Number:     input.Number,
		POID:       input.POID,
		LocationID: input.LocationID,
		Status:     StatusDraft,
		CreatedBy:  input.ActorID,
		CreatedAt:  now,
	}
	if receipt.Number == "" {
		receipt.Number = fmt.Sprintf("GR-%d", now.UnixNano())
	}
	lines := make([]GoodsReceiptLine, 0, len(outstanding))
	for i, po := range outstanding {
		lines = append(lines, GoodsReceiptLine{
			ID:        uuid.New(),
			ReceiptID: receipt.ID,
			ItemID:    po.ItemID,
			LineNo:    i + 1,
			Qty:       po.QtyRemaining,
			UnitCost:  po.UnitPrice,
			Currency:  po.Currency,
			POLineID:  po.ID,
		})
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		for _, line := range lines {
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	s.recordAudit(ctx, input.ActorID, "RECEIPT_DRAFT", receipt.ID, map[string]any{"number": receipt.Number, "po_id": input.POID.String()})
	return receipt, lines, nil
}

// Post confirms every line of a DRAFT receipt against the external stock
// system and appends the matching cost layer events. A failed line aborts
// the call but keeps prior lines' effects; re-posting resumes from the
// first unresolved line.
func (s *Service) Post(ctx context.Context, receiptID uuid.UUID) error {
	receipt, lines, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	ctx = shared.ContextWithTenant(ctx, receipt.TenantID)
	if receipt.Status != StatusDraft {
		return fmt.Errorf("%w: receipt %s is %s, want DRAFT", ErrPreconditionFailed, receipt.Number, receipt.Status)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: receipt %s has no lines", ErrPreconditionFailed, receipt.Number)
	}
	for _, line := range lines {
		if line.UnitCost.IsZero() {
			return fmt.Errorf("%w: line %d has zero unit cost", ErrPreconditionFailed, line.LineNo)
		}
	}

	if s.allocator != nil {
		if err := s.allocator.AllocateAllForReceipt(ctx, receipt.ID); err != nil {
			return err
		}
	}
	shares, err := s.landedShares(ctx, receipt.ID)
	if err != nil {
		return err
	}

	if err := s.processLines(ctx, receipt, lines, ledger.EventGoodsReceipt, shares, false); err != nil {
		return err
	}

	// The status flip and the PO received-quantity updates commit together:
	// a POSTED receipt whose PO bookkeeping is missing has no retry path,
	// the DRAFT precondition would reject it.
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, receipt.ID, StatusPosted, time.Now().UTC()); err != nil {
			return err
		}
		for _, line := range lines {
			if line.POLineID == uuid.Nil {
				continue
			}
			if err := tx.ApplyReceipt(ctx, line.POLineID, line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, receipt.CreatedBy, "RECEIPT_POST", receipt.ID, map[string]any{"number": receipt.Number})
	return nil
}

// Reverse creates and posts a mirror receipt with negated quantities. The
// original becomes REVERSED and can never be reversed again. Negative
// on-hand quantities are permitted; the stock system arbitrates them.
func (s *Service) Reverse(ctx context.Context, receiptID uuid.UUID, reason string) (GoodsReceipt, error) {
	receipt, lines, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	ctx = shared.ContextWithTenant(ctx, receipt.TenantID)
	if receipt.Status == StatusReversed || receipt.ReversedBy != uuid.Nil {
		return GoodsReceipt{}, ErrAlreadyReversed
	}
	if receipt.Status != StatusPosted {
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s is %s, want POSTED", ErrPreconditionFailed, receipt.Number, receipt.Status)
	}

	// Reuse an existing mirror so a retried reversal keeps its idempotency
	// keys stable.
	mirror, mirrorLines, err := s.repo.GetReversalOf(ctx, receipt.ID)
	if errors.Is(err, shared.ErrNotFound) {
		mirror, mirrorLines, err = s.createMirror(ctx, receipt, lines, reason)
	}
	if err != nil {
		return GoodsReceipt{}, err
	}

	shares, err := s.landedShares(ctx, receipt.ID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	// Mirror lines preserve line numbers, so the original's landed cost
	// shares transfer by line number.
	sharesByNo := make(map[int]decimal.Decimal, len(lines))
	for _, line := range lines {
		sharesByNo[line.LineNo] = shares[line.ID]
	}
	mirrorShares := make(map[uuid.UUID]decimal.Decimal, len(mirrorLines))
	for _, line := range mirrorLines {
		mirrorShares[line.ID] = sharesByNo[line.LineNo]
	}

	if err := s.processLines(ctx, mirror, mirrorLines, ledger.EventGoodsReceiptReversal, mirrorShares, true); err != nil {
		return GoodsReceipt{}, err
	}

	now := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, mirror.ID, StatusPosted, now); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, receipt.ID, StatusReversed, receipt.PostedAt); err != nil {
			return err
		}
		if err := tx.LinkReversal(ctx, receipt.ID, mirror.ID); err != nil {
			return err
		}
		for _, line := range mirrorLines {
			if line.POLineID == uuid.Nil {
				continue
			}
			if err := tx.ApplyReceipt(ctx, line.POLineID, line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	mirror.Status = StatusPosted
	s.recordAudit(ctx, receipt.CreatedBy, "RECEIPT_REVERSE", receipt.ID, map[string]any{
		"number": receipt.Number, "reversal_id": mirror.ID.String(), "reason": reason,
	})
	return mirror, nil
}

func (s *Service) createMirror(ctx context.Context, original GoodsReceipt, lines []GoodsReceiptLine, reason string) (GoodsReceipt, []GoodsReceiptLine, error) {
	now := time.Now().UTC()
	mirror := GoodsReceipt{
		ID:         uuid.New(),
		TenantID:   original.TenantID,
		Number:     fmt.Sprintf("%s-REV", original.Number),
		POID:       original.POID,
		LocationID: original.LocationID,
		Status:     StatusDraft,
		ReversalOf: original.ID,
		Reason:     reason,
		CreatedBy:  original.CreatedBy,
		CreatedAt:  now,
	}
	mirrorLines := make([]GoodsReceiptLine, 0, len(lines))
	for _, line := range lines {
		mirrorLines = append(mirrorLines, GoodsReceiptLine{
			ID:        uuid.New(),
			ReceiptID: mirror.ID,
			ItemID:    line.ItemID,
			LineNo:    line.LineNo,
			Qty:       line.Qty.Neg(),
			UnitCost:  line.UnitCost,
			Currency:  line.Currency,
			POLineID:  line.POLineID,
		})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertReceipt(ctx, mirror); err != nil {
			return err
		}
		for _, line := range mirrorLines {
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	return mirror, mirrorLines, nil
}

// processLines runs the sequential per-line protocol: idempotency check,
// stock update, ledger append. A SUCCESS record skips its line entirely.
func (s *Service) processLines(ctx context.Context, receipt GoodsReceipt, lines []GoodsReceiptLine, eventType ledger.EventType, shares map[uuid.UUID]decimal.Decimal, reversal bool) error {
	ordered := make([]GoodsReceiptLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LineNo < ordered[j].LineNo })

	for _, line := range ordered {
		key := PostingKey(receipt.ID, line.ID)
		if reversal {
			key = ReversalKey(receipt.ID, line.ID)
		}
		if err := s.processLine(ctx, key, receipt, line, eventType, shares[line.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) processLine(ctx context.Context, key string, receipt GoodsReceipt, line GoodsReceiptLine, eventType ledger.EventType, landedPerUnit decimal.Decimal) error {
	rec, err := s.idempotency.Get(ctx, key)
	switch {
	case err == nil && rec.State == StateSuccess:
		// Already resolved on a prior attempt.
		return nil
	case err != nil && !errors.Is(err, ErrRecordNotFound):
		return err
	}

	record := IdempotencyRecord{Key: key, ReceiptID: receipt.ID, LineID: line.ID}

	// A prior attempt may have applied the stock update before failing.
	// Re-sending its recorded absolute target keeps the retry idempotent.
	// A record without a target failed before any update was sent, so it
	// reads current stock like a first attempt.
	var target decimal.Decimal
	if err == nil && rec.TargetQty.Valid {
		target = rec.TargetQty.Decimal
	} else {
		stockCtx, cancel := context.WithTimeout(ctx, s.cfg.StockTimeout)
		current, err := s.stock.GetStock(stockCtx, line.ItemID, receipt.LocationID)
		cancel()
		if err != nil {
			return s.failLine(ctx, record, line, err)
		}
		target = current.Add(line.Qty)
	}
	record.TargetQty = decimal.NewNullDecimal(target)

	if err := s.idempotency.MarkPending(ctx, record); err != nil {
		return err
	}

	stockCtx, cancel := context.WithTimeout(ctx, s.cfg.StockTimeout)
	confirmed, err := s.stock.UpdateStock(stockCtx, line.ItemID, receipt.LocationID, target)
	cancel()
	if err != nil {
		return s.failLine(ctx, record, line, err)
	}

	ledgerCtx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	_, err = s.ledger.Append(ledgerCtx, ledger.AppendInput{
		TenantID:          receipt.TenantID,
		ItemID:            line.ItemID,
		LocationID:        receipt.LocationID,
		Type:              eventType,
		QtyDelta:          line.Qty,
		UnitCost:          line.UnitCost,
		LandedCostPerUnit: landedPerUnit,
		Currency:          line.Currency,
		SourceLineID:      line.ID,
		ActorID:           receipt.CreatedBy,
	})
	cancel()
	if err != nil {
		return s.failLine(ctx, record, line, err)
	}

	s.cfg.Metrics.ObservePostingLine(nil)
	return s.idempotency.MarkSuccess(ctx, key, confirmed)
}

func (s *Service) failLine(ctx context.Context, rec IdempotencyRecord, line GoodsReceiptLine, cause error) error {
	_ = s.idempotency.MarkFailed(ctx, rec, cause.Error())
	s.cfg.Metrics.ObservePostingLine(cause)
	if errors.Is(cause, ledger.ErrInvalidQuantity) || errors.Is(cause, ledger.ErrConcurrentModification) {
		return fmt.Errorf("posting: line %d: %w", line.LineNo, cause)
	}
	return fmt.Errorf("%w: line %d: %v", ErrExternalSystem, line.LineNo, cause)
}

func (s *Service) landedShares(ctx context.Context, receiptID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	if s.allocator == nil {
		return map[uuid.UUID]decimal.Decimal{}, nil
	}
	return s.allocator.PerUnitShares(ctx, receiptID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "goods_receipt", EntityID: entityID.String(), Meta: meta})
}
