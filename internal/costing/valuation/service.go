package valuation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/wavepoint-erp/wavepoint/internal/costing/ledger"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// LedgerReader is the read side of the cost ledger. The ledger repository
// satisfies it directly.
type LedgerReader interface {
	ListEvents(ctx context.Context, filter ledger.EventFilter, page shared.Pagination) ([]ledger.CostLayerEvent, int, error)
	LatestSnapshots(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) ([]ledger.Aggregate, error)
}

// Service serves valuation and history views. It never writes to the
// ledger.
type Service struct {
	ledger LedgerReader
	cache  *Cache
	group  singleflight.Group
}

// NewService builds the valuation reader.
func NewService(reader LedgerReader, cache *Cache) *Service {
	return &Service{ledger: reader, cache: cache}
}

// CurrentValuation reports qty, WAC and total value per key from the latest
// snapshots. A nil locationID covers every location of the tenant. Results
// are cached under the current cache version; concurrent cache misses for
// one key collapse into a single snapshot scan.
func (s *Service) CurrentValuation(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) (Report, error) {
	key, err := s.cache.BuildKey(ctx, keyValuation(tenantID.String(), locationID.String())...)
	if err != nil {
		return Report{}, err
	}
	var report Report
	err = s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (interface{}, error) {
		value, err, _ := s.group.Do(key, func() (interface{}, error) {
			return s.buildReport(ctx, tenantID, locationID)
		})
		return value, err
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

func (s *Service) buildReport(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) (Report, error) {
	snapshots, err := s.ledger.LatestSnapshots(ctx, tenantID, locationID)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Rows:       make([]Row, 0, len(snapshots)),
		TotalValue: decimal.Zero,
		AsOf:       time.Now().UTC(),
	}
	for _, snap := range snapshots {
		value := snap.QtyOnHand.Mul(snap.WAC)
		report.Rows = append(report.Rows, Row{
			ItemID:     snap.Key.ItemID,
			LocationID: snap.Key.LocationID,
			QtyOnHand:  snap.QtyOnHand,
			WAC:        snap.WAC,
			TotalValue: value,
		})
		report.TotalValue = report.TotalValue.Add(value)
	}
	sort.Slice(report.Rows, func(i, j int) bool {
		if report.Rows[i].LocationID != report.Rows[j].LocationID {
			return report.Rows[i].LocationID.String() < report.Rows[j].LocationID.String()
		}
		return report.Rows[i].ItemID.String() < report.Rows[j].ItemID.String()
	})
	return report, nil
}

// History returns one page of ledger events, newest first, with per-page
// net deltas. History reads straight from the ledger; only valuations are
// cached.
func (s *Service) History(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	filter := ledger.EventFilter{
		TenantID:   query.TenantID,
		ItemID:     query.ItemID,
		LocationID: query.LocationID,
		Types:      query.Types,
		From:       query.From,
		To:         query.To,
	}
	events, total, err := s.ledger.ListEvents(ctx, filter, shared.NewPagination(query.Page, query.PerPage, 0))
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{
		Entries: make([]HistoryEntry, 0, len(events)),
		Summary: HistorySummary{NetQtyDelta: decimal.Zero, NetValueDelta: decimal.Zero},
	}
	for _, evt := range events {
		effective := evt.UnitCost.Add(evt.LandedCostPerUnit)
		valueDelta := evt.QtyDelta.Mul(effective)
		page.Entries = append(page.Entries, HistoryEntry{
			EventID:           evt.ID,
			Type:              evt.Type,
			ItemID:            evt.ItemID,
			LocationID:        evt.LocationID,
			QtyDelta:          evt.QtyDelta,
			UnitCost:          evt.UnitCost,
			LandedCostPerUnit: evt.LandedCostPerUnit,
			ValueDelta:        valueDelta,
			Currency:          evt.Currency,
			WACAtEvent:        evt.WACAtEvent,
			QtyOnHandAtEvent:  evt.QtyOnHandAtEvent,
			OccurredAt:        evt.OccurredAt,
		})
		page.Summary.NetQtyDelta = page.Summary.NetQtyDelta.Add(evt.QtyDelta)
		page.Summary.NetValueDelta = page.Summary.NetValueDelta.Add(valueDelta)
	}
	page.Pagination = shared.NewPagination(query.Page, query.PerPage, total)
	return page, nil
}

// HandleEventAppended invalidates the valuation cache after a ledger
// append. It satisfies the ledger's integration hook.
func (s *Service) HandleEventAppended(ctx context.Context, _ ledger.CostLayerEvent) error {
	return s.cache.Bump(ctx)
}
