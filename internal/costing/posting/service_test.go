package posting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wavepoint-erp/wavepoint/internal/costing/ledger"
	"github.com/wavepoint-erp/wavepoint/internal/observability"
	"github.com/wavepoint-erp/wavepoint/internal/purchasing"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

type memoryRepo struct {
	receipts map[uuid.UUID]GoodsReceipt
	lines    map[uuid.UUID][]GoodsReceiptLine
	applied  map[uuid.UUID]decimal.Decimal
	applyErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		receipts: make(map[uuid.UUID]GoodsReceipt),
		lines:    make(map[uuid.UUID][]GoodsReceiptLine),
		applied:  make(map[uuid.UUID]decimal.Decimal),
	}
}

// WithTx restores the pre-callback state on error, mirroring a rollback.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	receipts := make(map[uuid.UUID]GoodsReceipt, len(r.receipts))
	for k, v := range r.receipts {
		receipts[k] = v
	}
	lines := make(map[uuid.UUID][]GoodsReceiptLine, len(r.lines))
	for k, v := range r.lines {
		lines[k] = v
	}
	applied := make(map[uuid.UUID]decimal.Decimal, len(r.applied))
	for k, v := range r.applied {
		applied[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.receipts, r.lines, r.applied = receipts, lines, applied
		return err
	}
	return nil
}

func (r *memoryRepo) GetReceipt(ctx context.Context, id uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error) {
	receipt, ok := r.receipts[id]
	if !ok {
		return GoodsReceipt{}, nil, shared.ErrNotFound
	}
	return receipt, r.lines[id], nil
}

func (r *memoryRepo) GetReversalOf(ctx context.Context, originalID uuid.UUID) (GoodsReceipt, []GoodsReceiptLine, error) {
	for _, receipt := range r.receipts {
		if receipt.ReversalOf == originalID {
			return receipt, r.lines[receipt.ID], nil
		}
	}
	return GoodsReceipt{}, nil, shared.ErrNotFound
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) InsertReceipt(ctx context.Context, receipt GoodsReceipt) error {
	tx.repo.receipts[receipt.ID] = receipt
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line GoodsReceiptLine) error {
	tx.repo.lines[line.ReceiptID] = append(tx.repo.lines[line.ReceiptID], line)
	return nil
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, receiptID uuid.UUID, status ReceiptStatus, postedAt time.Time) error {
	receipt, ok := tx.repo.receipts[receiptID]
	if !ok {
		return shared.ErrNotFound
	}
	receipt.Status = status
	receipt.PostedAt = postedAt
	tx.repo.receipts[receiptID] = receipt
	return nil
}

func (tx *memoryTx) LinkReversal(ctx context.Context, originalID, mirrorID uuid.UUID) error {
	receipt, ok := tx.repo.receipts[originalID]
	if !ok {
		return shared.ErrNotFound
	}
	if receipt.ReversedBy != uuid.Nil {
		return ErrAlreadyReversed
	}
	receipt.ReversedBy = mirrorID
	tx.repo.receipts[originalID] = receipt
	return nil
}

func (tx *memoryTx) ApplyReceipt(ctx context.Context, poLineID uuid.UUID, qty decimal.Decimal) error {
	if tx.repo.applyErr != nil {
		return tx.repo.applyErr
	}
	tx.repo.applied[poLineID] = tx.repo.applied[poLineID].Add(qty)
	return nil
}

type stockKey struct {
	itemID     uuid.UUID
	locationID uuid.UUID
}

// fakeStock simulates the external stock system, optionally failing the
// n-th UpdateStock call. failAfterApply applies the quantity before
// reporting failure, modelling a lost response.
type fakeStock struct {
	qty            map[stockKey]decimal.Decimal
	updateCalls    int
	failOnCall     int
	failAfterApply bool
	getErr         error
}

func newFakeStock() *fakeStock {
	return &fakeStock{qty: make(map[stockKey]decimal.Decimal)}
}

func (s *fakeStock) GetStock(ctx context.Context, itemID, locationID uuid.UUID) (decimal.Decimal, error) {
	if s.getErr != nil {
		return decimal.Zero, s.getErr
	}
	return s.qty[stockKey{itemID, locationID}], nil
}

func (s *fakeStock) UpdateStock(ctx context.Context, itemID, locationID uuid.UUID, newQty decimal.Decimal) (decimal.Decimal, error) {
	s.updateCalls++
	if s.failOnCall > 0 && s.updateCalls == s.failOnCall {
		if s.failAfterApply {
			s.qty[stockKey{itemID, locationID}] = newQty
		}
		return decimal.Zero, errors.New("stock api: 503")
	}
	s.qty[stockKey{itemID, locationID}] = newQty
	return newQty, nil
}

type fakeLedger struct {
	appends []ledger.AppendInput
	failOn  int
}

func (l *fakeLedger) Append(ctx context.Context, input ledger.AppendInput) (ledger.CostLayerEvent, error) {
	if l.failOn > 0 && len(l.appends)+1 == l.failOn {
		return ledger.CostLayerEvent{}, errors.New("ledger unavailable")
	}
	l.appends = append(l.appends, input)
	return ledger.CostLayerEvent{ID: uuid.New()}, nil
}

type fakeAllocator struct {
	shares map[uuid.UUID]decimal.Decimal
}

func (a *fakeAllocator) AllocateAllForReceipt(ctx context.Context, receiptID uuid.UUID) error {
	return nil
}

func (a *fakeAllocator) PerUnitShares(ctx context.Context, receiptID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	if a.shares == nil {
		return map[uuid.UUID]decimal.Decimal{}, nil
	}
	return a.shares, nil
}

type fakePurchasing struct {
	outstanding []purchasing.POLine
}

func newFakePurchasing(lines ...purchasing.POLine) *fakePurchasing {
	return &fakePurchasing{outstanding: lines}
}

func (p *fakePurchasing) OutstandingLines(ctx context.Context, poID uuid.UUID) ([]purchasing.POLine, error) {
	return p.outstanding, nil
}

type memoryIdempotency struct {
	records map[string]IdempotencyRecord
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{records: make(map[string]IdempotencyRecord)}
}

func (m *memoryIdempotency) Get(ctx context.Context, key string) (IdempotencyRecord, error) {
	rec, ok := m.records[key]
	if !ok {
		return IdempotencyRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memoryIdempotency) MarkPending(ctx context.Context, rec IdempotencyRecord) error {
	if existing, ok := m.records[rec.Key]; ok && existing.State == StateSuccess {
		return nil
	}
	rec.State = StatePending
	rec.UpdatedAt = time.Now()
	m.records[rec.Key] = rec
	return nil
}

func (m *memoryIdempotency) MarkSuccess(ctx context.Context, key string, resultQty decimal.Decimal) error {
	rec := m.records[key]
	rec.Key = key
	rec.State = StateSuccess
	rec.ResultQty = decimal.NewNullDecimal(resultQty)
	m.records[key] = rec
	return nil
}

// MarkFailed upserts like the SQL store: a line failing before MarkPending
// still gets a FAILED record, and an existing row keeps its target.
func (m *memoryIdempotency) MarkFailed(ctx context.Context, rec IdempotencyRecord, message string) error {
	existing, ok := m.records[rec.Key]
	if ok && existing.State == StateSuccess {
		return nil
	}
	if !ok {
		existing = rec
	}
	existing.Key = rec.Key
	existing.State = StateFailed
	existing.ErrMessage = message
	existing.UpdatedAt = time.Now()
	m.records[rec.Key] = existing
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	svc   *Service
	repo  *memoryRepo
	stock *fakeStock
	ldgr  *fakeLedger
	po    *fakePurchasing
	idem  *memoryIdempotency
}

func newFixture(t *testing.T, po *fakePurchasing) *fixture {
	t.Helper()
	f := &fixture{
		repo:  newMemoryRepo(),
		stock: newFakeStock(),
		ldgr:  &fakeLedger{},
		po:    po,
		idem:  newMemoryIdempotency(),
	}
	f.svc = NewService(f.repo, f.stock, f.ldgr, &fakeAllocator{}, f.po, f.idem, nil, ServiceConfig{})
	return f
}

func draftReceipt(t *testing.T, f *fixture, lines ...GoodsReceiptLine) GoodsReceipt {
	t.Helper()
	receipt := GoodsReceipt{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Number:     "GR-1001",
		POID:       uuid.New(),
		LocationID: uuid.New(),
		Status:     StatusDraft,
		CreatedBy:  7,
		CreatedAt:  time.Now(),
	}
	f.repo.receipts[receipt.ID] = receipt
	for i := range lines {
		lines[i].ReceiptID = receipt.ID
		if lines[i].ID == uuid.Nil {
			lines[i].ID = uuid.New()
		}
		if lines[i].LineNo == 0 {
			lines[i].LineNo = i + 1
		}
		if lines[i].Currency == "" {
			lines[i].Currency = "USD"
		}
	}
	f.repo.lines[receipt.ID] = lines
	return receipt
}

func TestPostTwoLines(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	poLine1, poLine2 := uuid.New(), uuid.New()
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("10"), UnitCost: dec("1.00"), POLineID: poLine1},
		GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("5"), UnitCost: dec("2.00"), POLineID: poLine2},
	)

	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))

	stored := f.repo.receipts[receipt.ID]
	require.Equal(t, StatusPosted, stored.Status)
	require.Len(t, f.ldgr.appends, 2)
	require.Equal(t, ledger.EventGoodsReceipt, f.ldgr.appends[0].Type)
	require.True(t, f.repo.applied[poLine1].Equal(dec("10")))
	require.True(t, f.repo.applied[poLine2].Equal(dec("5")))
	for _, line := range f.repo.lines[receipt.ID] {
		rec, err := f.idem.Get(context.Background(), PostingKey(receipt.ID, line.ID))
		require.NoError(t, err)
		require.Equal(t, StateSuccess, rec.State)
	}
}

func TestPostStockFailureLeavesDraftAndResumes(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	itemA, itemB := uuid.New(), uuid.New()
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: itemA, Qty: dec("10"), UnitCost: dec("1.00")},
		GoodsReceiptLine{ItemID: itemB, Qty: dec("5"), UnitCost: dec("2.00")},
	)

	f.stock.failOnCall = 2
	err := f.svc.Post(context.Background(), receipt.ID)
	require.ErrorIs(t, err, ErrExternalSystem)
	require.Contains(t, err.Error(), "line 2")

	// The first line's effects stand; the receipt stays DRAFT.
	require.Equal(t, StatusDraft, f.repo.receipts[receipt.ID].Status)
	require.Len(t, f.ldgr.appends, 1)
	lines := f.repo.lines[receipt.ID]
	rec, err := f.idem.Get(context.Background(), PostingKey(receipt.ID, lines[1].ID))
	require.NoError(t, err)
	require.Equal(t, StateFailed, rec.State)

	// Retry resumes from line 2 without touching line 1 again.
	f.stock.failOnCall = 0
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))
	require.Equal(t, StatusPosted, f.repo.receipts[receipt.ID].Status)
	require.Len(t, f.ldgr.appends, 2)
	require.True(t, f.stock.qty[stockKey{itemA, receipt.LocationID}].Equal(dec("10")))
	require.True(t, f.stock.qty[stockKey{itemB, receipt.LocationID}].Equal(dec("5")))
}

func TestPostRetryReusesRecordedTarget(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	item := uuid.New()
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: item, Qty: dec("10"), UnitCost: dec("1.00")},
	)

	// The stock system applies the update but the response is lost.
	f.stock.failOnCall = 1
	f.stock.failAfterApply = true
	err := f.svc.Post(context.Background(), receipt.ID)
	require.ErrorIs(t, err, ErrExternalSystem)
	require.True(t, f.stock.qty[stockKey{item, receipt.LocationID}].Equal(dec("10")))

	// The retry re-sends the recorded absolute target instead of reading
	// current stock and adding the delta again.
	f.stock.failOnCall = 0
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))
	require.True(t, f.stock.qty[stockKey{item, receipt.LocationID}].Equal(dec("10")))
	require.Len(t, f.ldgr.appends, 1)
}

func TestPostStockReadFailureRecordsFailure(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	item := uuid.New()
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: item, Qty: dec("10"), UnitCost: dec("1.00")},
	)

	// The stock read fails before any record went PENDING. The failure
	// still gets a FAILED record, without a target: no update was sent.
	f.stock.getErr = errors.New("stock api: 503")
	err := f.svc.Post(context.Background(), receipt.ID)
	require.ErrorIs(t, err, ErrExternalSystem)

	line := f.repo.lines[receipt.ID][0]
	rec, err := f.idem.Get(context.Background(), PostingKey(receipt.ID, line.ID))
	require.NoError(t, err)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.ErrMessage, "503")
	require.False(t, rec.TargetQty.Valid)

	// The retry reads current stock again instead of trusting the empty
	// target from the failed record.
	f.stock.getErr = nil
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))
	require.True(t, f.stock.qty[stockKey{item, receipt.LocationID}].Equal(dec("10")))
}

func TestPostPOUpdateFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	poLine := uuid.New()
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("10"), UnitCost: dec("1.00"), POLineID: poLine},
	)

	// The status flip and the PO update share one transaction: when the PO
	// update fails the receipt must stay DRAFT so the retry is accepted.
	f.repo.applyErr = errors.New("po line gone")
	require.Error(t, f.svc.Post(context.Background(), receipt.ID))
	require.Equal(t, StatusDraft, f.repo.receipts[receipt.ID].Status)
	require.True(t, f.repo.applied[poLine].IsZero())

	f.repo.applyErr = nil
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))
	require.Equal(t, StatusPosted, f.repo.receipts[receipt.ID].Status)
	require.True(t, f.repo.applied[poLine].Equal(dec("10")))
	// The line itself resolved on the first attempt and is not re-run.
	require.Len(t, f.ldgr.appends, 1)
	require.Equal(t, 1, f.stock.updateCalls)
}

func TestPostRejectsNonDraft(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("1"), UnitCost: dec("1.00")})
	stored := f.repo.receipts[receipt.ID]
	stored.Status = StatusPosted
	f.repo.receipts[receipt.ID] = stored

	err := f.svc.Post(context.Background(), receipt.ID)
	require.ErrorIs(t, err, ErrPreconditionFailed)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
}

func TestPostRecordsLineMetrics(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	metrics := observability.NewMetrics()
	f.svc.cfg.Metrics = metrics
	receipt := draftReceipt(t, f,
		GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("10"), UnitCost: dec("1.00")},
		GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("5"), UnitCost: dec("2.00")},
	)

	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rr.Body.String(), `wavepoint_posting_lines_total{outcome="ok"} 2`)
}

func TestPostRejectsZeroCostLine(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("1"), UnitCost: dec("0")})

	err := f.svc.Post(context.Background(), receipt.ID)
	require.ErrorIs(t, err, ErrPreconditionFailed)
	require.Zero(t, f.stock.updateCalls)
}

func TestPostAppliesLandedCostShares(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("10"), UnitCost: dec("1.00")})
	line := f.repo.lines[receipt.ID][0]
	f.svc.allocator = &fakeAllocator{shares: map[uuid.UUID]decimal.Decimal{line.ID: dec("0.25")}}

	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))
	require.Len(t, f.ldgr.appends, 1)
	require.True(t, f.ldgr.appends[0].LandedCostPerUnit.Equal(dec("0.25")))
}

func TestReverseCreatesMirrorAndLinks(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	poLine := uuid.New()
	item := uuid.New()
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: item, Qty: dec("10"), UnitCost: dec("1.50"), POLineID: poLine})
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))

	mirror, err := f.svc.Reverse(context.Background(), receipt.ID, "wrong location")
	require.NoError(t, err)
	require.Equal(t, StatusPosted, mirror.Status)
	require.Equal(t, receipt.ID, mirror.ReversalOf)
	require.Equal(t, fmt.Sprintf("%s-REV", receipt.Number), mirror.Number)

	original := f.repo.receipts[receipt.ID]
	require.Equal(t, StatusReversed, original.Status)
	require.Equal(t, mirror.ID, original.ReversedBy)

	mirrorLines := f.repo.lines[mirror.ID]
	require.Len(t, mirrorLines, 1)
	require.True(t, mirrorLines[0].Qty.Equal(dec("-10")))
	require.True(t, mirrorLines[0].UnitCost.Equal(dec("1.50")))

	require.Len(t, f.ldgr.appends, 2)
	require.Equal(t, ledger.EventGoodsReceiptReversal, f.ldgr.appends[1].Type)
	require.True(t, f.ldgr.appends[1].QtyDelta.Equal(dec("-10")))

	// On-hand back to zero, PO received quantity returned.
	require.True(t, f.stock.qty[stockKey{item, receipt.LocationID}].IsZero())
	require.True(t, f.repo.applied[poLine].IsZero())
}

func TestReverseTwiceFails(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("4"), UnitCost: dec("2.00")})
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))

	_, err := f.svc.Reverse(context.Background(), receipt.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Reverse(context.Background(), receipt.ID, "")
	require.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestReverseRetryReusesMirror(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	item := uuid.New()
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: item, Qty: dec("10"), UnitCost: dec("1.00")})
	require.NoError(t, f.svc.Post(context.Background(), receipt.ID))

	// First reversal attempt fails on the stock call after the mirror draft
	// was created.
	f.stock.failOnCall = f.stock.updateCalls + 1
	_, err := f.svc.Reverse(context.Background(), receipt.ID, "damaged")
	require.ErrorIs(t, err, ErrExternalSystem)

	var mirrorID uuid.UUID
	for id, r := range f.repo.receipts {
		if r.ReversalOf == receipt.ID {
			mirrorID = id
		}
	}
	require.NotEqual(t, uuid.Nil, mirrorID)

	// The retry reuses the same mirror and the same idempotency keys.
	f.stock.failOnCall = 0
	mirror, err := f.svc.Reverse(context.Background(), receipt.ID, "damaged")
	require.NoError(t, err)
	require.Equal(t, mirrorID, mirror.ID)
	require.True(t, f.stock.qty[stockKey{item, receipt.LocationID}].IsZero())
}

func TestReverseRequiresPosted(t *testing.T) {
	f := newFixture(t, newFakePurchasing())
	receipt := draftReceipt(t, f, GoodsReceiptLine{ItemID: uuid.New(), Qty: dec("1"), UnitCost: dec("1.00")})

	_, err := f.svc.Reverse(context.Background(), receipt.ID, "")
	require.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestCreateDraftFromOutstandingLines(t *testing.T) {
	poID := uuid.New()
	po := newFakePurchasing(
		purchasing.POLine{ID: uuid.New(), POID: poID, ItemID: uuid.New(), LineNo: 1, Currency: "USD", UnitPrice: dec("3.00"), QtyOrdered: dec("10"), QtyReceived: dec("4"), QtyRemaining: dec("6")},
		purchasing.POLine{ID: uuid.New(), POID: poID, ItemID: uuid.New(), LineNo: 2, Currency: "USD", UnitPrice: dec("1.25"), QtyOrdered: dec("8"), QtyRemaining: dec("8")},
	)
	f := newFixture(t, po)

	receipt, lines, err := f.svc.CreateDraft(context.Background(), CreateDraftInput{
		TenantID:   uuid.New(),
		POID:       poID,
		LocationID: uuid.New(),
		Number:     "GR-2001",
		ActorID:    3,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, receipt.Status)
	require.Len(t, lines, 2)
	require.True(t, lines[0].Qty.Equal(dec("6")))
	require.True(t, lines[0].UnitCost.Equal(dec("3.00")))
	require.True(t, lines[1].Qty.Equal(dec("8")))
	require.Len(t, f.repo.lines[receipt.ID], 2)
}

func TestCreateDraftRequiresOutstandingLines(t *testing.T) {
	f := newFixture(t, newFakePurchasing())

	_, _, err := f.svc.CreateDraft(context.Background(), CreateDraftInput{
		TenantID:   uuid.New(),
		POID:       uuid.New(),
		LocationID: uuid.New(),
	})
	require.ErrorIs(t, err, ErrPreconditionFailed)
}
