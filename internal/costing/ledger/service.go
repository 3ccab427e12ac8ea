package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wavepoint-erp/wavepoint/internal/observability"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListEvents(ctx context.Context, filter EventFilter, page shared.Pagination) ([]CostLayerEvent, int, error)
	LatestSnapshots(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) ([]Aggregate, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IntegrationHandler receives ledger events after a successful append, e.g.
// to invalidate valuation caches.
type IntegrationHandler interface {
	HandleEventAppended(ctx context.Context, evt CostLayerEvent) error
}

// ServiceConfig groups costing policy settings.
type ServiceConfig struct {
	// Scale is the number of fractional digits kept on WAC snapshots.
	Scale int32
	// NegativeWACPolicy applies when a reversal drives quantity negative.
	NegativeWACPolicy NegativeWACPolicy
	// Metrics counts append attempts per event type and outcome. Optional.
	Metrics *observability.Metrics
}

// Service owns the append-only cost ledger and its WAC recomputation.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	integration IntegrationHandler
	metrics     *observability.Metrics
	scale       int32
	policy      NegativeWACPolicy
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	scale := cfg.Scale
	if scale <= 0 {
		scale = 4
	}
	policy := cfg.NegativeWACPolicy
	if policy == "" {
		policy = PolicyFreezeWAC
	}
	return &Service{repo: repo, audit: audit, integration: integration, metrics: cfg.Metrics, scale: scale, policy: policy}
}

// Append records one cost layer event and recomputes the weighted average
// cost for its (tenant, item, location) key. The event carries the resulting
// WAC and on-hand quantity as point-in-time snapshots.
func (s *Service) Append(ctx context.Context, input AppendInput) (CostLayerEvent, error) {
	if input.QtyDelta.IsZero() {
		return CostLayerEvent{}, ErrInvalidQuantity
	}
	if input.TenantID == uuid.Nil || input.ItemID == uuid.Nil || input.LocationID == uuid.Nil {
		return CostLayerEvent{}, errors.New("ledger: tenant, item and location required")
	}
	switch input.Type {
	case EventGoodsReceipt, EventGoodsReceiptReversal, EventLandedCostAdjustment:
	default:
		return CostLayerEvent{}, fmt.Errorf("ledger: unknown event type %q", input.Type)
	}
	if input.Currency == "" {
		return CostLayerEvent{}, errors.New("ledger: currency required")
	}

	now := time.Now().UTC()
	var event CostLayerEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		key := AggregateKey{TenantID: input.TenantID, ItemID: input.ItemID, LocationID: input.LocationID}
		agg, err := tx.GetAggregateForUpdate(ctx, key)
		if err != nil && !errors.Is(err, ErrAggregateNotFound) {
			return err
		}
		if errors.Is(err, ErrAggregateNotFound) {
			agg = Aggregate{Key: key, QtyOnHand: decimal.Zero, WAC: decimal.Zero}
		}

		newQty := agg.QtyOnHand.Add(input.QtyDelta)
		newWAC := s.recompute(agg, input, newQty)

		event = CostLayerEvent{
			ID:                uuid.New(),
			TenantID:          input.TenantID,
			Type:              input.Type,
			ItemID:            input.ItemID,
			LocationID:        input.LocationID,
			QtyDelta:          input.QtyDelta,
			UnitCost:          input.UnitCost,
			LandedCostPerUnit: input.LandedCostPerUnit,
			Currency:          input.Currency,
			SourceLineID:      input.SourceLineID,
			WACAtEvent:        newWAC,
			QtyOnHandAtEvent:  newQty,
			CreatedBy:         input.ActorID,
			OccurredAt:        now,
		}
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		next := Aggregate{Key: key, QtyOnHand: newQty, WAC: newWAC, Version: agg.Version + 1, UpdatedAt: now}
		return tx.StoreAggregate(ctx, next, agg.Version)
	})
	s.metrics.ObserveLedgerAppend(string(input.Type), err)
	if err != nil {
		return CostLayerEvent{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("ledger:%s", input.Type),
			Entity:   "cost_layer_event",
			EntityID: event.ID.String(),
			Meta: map[string]any{
				"tenant_id":   input.TenantID.String(),
				"item_id":     input.ItemID.String(),
				"location_id": input.LocationID.String(),
				"qty_delta":   input.QtyDelta.String(),
				"wac":         event.WACAtEvent.String(),
			},
		})
	}
	if s.integration != nil {
		// The event is already committed; a failed cache bump must not fail
		// the append. The cache TTL bounds the staleness window.
		_ = s.integration.HandleEventAppended(ctx, event)
	}
	return event, nil
}

// recompute derives the new WAC snapshot. Intermediate products stay at full
// precision; only the stored snapshot is rounded.
func (s *Service) recompute(agg Aggregate, input AppendInput, newQty decimal.Decimal) decimal.Decimal {
	effectiveUnitCost := input.UnitCost.Add(input.LandedCostPerUnit)
	switch {
	case newQty.IsZero():
		// Fully depleted. The next receipt starts a fresh cost basis.
		return decimal.Zero
	case newQty.Sign() > 0 && agg.QtyOnHand.Sign() >= 0:
		num := agg.QtyOnHand.Mul(agg.WAC).Add(input.QtyDelta.Mul(effectiveUnitCost))
		return num.Div(newQty).Round(s.scale)
	case newQty.Sign() > 0:
		// Recovering from a negative balance: the incoming cost is the only
		// trustworthy basis left.
		return effectiveUnitCost.Round(s.scale)
	default:
		// Reversal drove quantity negative. Allowed; WAC handling is policy.
		if s.policy == PolicyResetWAC {
			return decimal.Zero
		}
		return agg.WAC
	}
}

// Events lists ledger entries matching the filter, newest first, along with
// the total count for pagination.
func (s *Service) Events(ctx context.Context, filter EventFilter, page shared.Pagination) ([]CostLayerEvent, int, error) {
	if filter.TenantID == uuid.Nil {
		return nil, 0, errors.New("ledger: tenant required")
	}
	return s.repo.ListEvents(ctx, filter, page)
}

// Snapshots returns the latest aggregate per (item, location) key for one
// tenant, optionally filtered by location.
func (s *Service) Snapshots(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) ([]Aggregate, error) {
	if tenantID == uuid.Nil {
		return nil, errors.New("ledger: tenant required")
	}
	return s.repo.LatestSnapshots(ctx, tenantID, locationID)
}
