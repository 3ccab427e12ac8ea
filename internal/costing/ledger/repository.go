package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wavepoint-erp/wavepoint/internal/platform/db"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
)

// Repository persists the cost ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetAggregateForUpdate(ctx context.Context, key AggregateKey) (Aggregate, error)
	InsertEvent(ctx context.Context, event CostLayerEvent) error
	StoreAggregate(ctx context.Context, agg Aggregate, priorVersion int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrAggregateNotFound indicates no events exist yet for the key.
var ErrAggregateNotFound = errors.New("ledger: aggregate not found")

// WithTx executes the callback inside a serializable transaction. Two
// concurrent appends for the same key cannot both observe the same prior
// state; the loser surfaces ErrConcurrentModification.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapSerializationError(err)
}

func mapSerializationError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "55P03") {
		return ErrConcurrentModification
	}
	return err
}

func (r *txRepository) GetAggregateForUpdate(ctx context.Context, key AggregateKey) (Aggregate, error) {
	agg := Aggregate{Key: key}
	err := r.tx.QueryRow(ctx, `
		SELECT qty_on_hand, wac, version, updated_at
		FROM cost_aggregates
		WHERE tenant_id=$1 AND item_id=$2 AND location_id=$3
		FOR UPDATE`,
		key.TenantID, key.ItemID, key.LocationID,
	).Scan(&agg.QtyOnHand, &agg.WAC, &agg.Version, &agg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{Key: key}, ErrAggregateNotFound
		}
		return Aggregate{}, err
	}
	return agg, nil
}

func (r *txRepository) InsertEvent(ctx context.Context, event CostLayerEvent) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO cost_layer_events (
			id, tenant_id, event_type, item_id, location_id,
			qty_delta, unit_cost, landed_cost_per_unit, currency,
			source_line_id, wac_at_event, qty_on_hand_at_event,
			created_by, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		event.ID, event.TenantID, string(event.Type), event.ItemID, event.LocationID,
		event.QtyDelta, event.UnitCost, event.LandedCostPerUnit, event.Currency,
		nullableUUID(event.SourceLineID), event.WACAtEvent, event.QtyOnHandAtEvent,
		event.CreatedBy, event.OccurredAt,
	)
	return err
}

func (r *txRepository) StoreAggregate(ctx context.Context, agg Aggregate, priorVersion int64) error {
	if priorVersion == 0 {
		tag, err := r.tx.Exec(ctx, `
			INSERT INTO cost_aggregates (tenant_id, item_id, location_id, qty_on_hand, wac, version, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (tenant_id, item_id, location_id) DO NOTHING`,
			agg.Key.TenantID, agg.Key.ItemID, agg.Key.LocationID,
			agg.QtyOnHand, agg.WAC, agg.Version, agg.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConcurrentModification
		}
		return nil
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE cost_aggregates
		SET qty_on_hand=$4, wac=$5, version=$6, updated_at=$7
		WHERE tenant_id=$1 AND item_id=$2 AND location_id=$3 AND version=$8`,
		agg.Key.TenantID, agg.Key.ItemID, agg.Key.LocationID,
		agg.QtyOnHand, agg.WAC, agg.Version, agg.UpdatedAt, priorVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ListEvents returns events matching the filter ordered by occurred_at
// descending, plus the total match count.
func (r *Repository) ListEvents(ctx context.Context, filter EventFilter, page shared.Pagination) ([]CostLayerEvent, int, error) {
	if r == nil {
		return nil, 0, errors.New("ledger repository not initialised")
	}
	where, args := buildEventFilter(filter)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cost_layer_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`
		SELECT id, tenant_id, event_type, item_id, location_id,
			qty_delta, unit_cost, landed_cost_per_unit, currency,
			COALESCE(source_line_id, '00000000-0000-0000-0000-000000000000'),
			wac_at_event, qty_on_hand_at_event, created_by, occurred_at
		FROM cost_layer_events %s
		ORDER BY occurred_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []CostLayerEvent
	for rows.Next() {
		var e CostLayerEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.TenantID, &eventType, &e.ItemID, &e.LocationID,
			&e.QtyDelta, &e.UnitCost, &e.LandedCostPerUnit, &e.Currency,
			&e.SourceLineID, &e.WACAtEvent, &e.QtyOnHandAtEvent, &e.CreatedBy, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// LatestSnapshots returns the current aggregate per (item, location) key.
func (r *Repository) LatestSnapshots(ctx context.Context, tenantID uuid.UUID, locationID uuid.UUID) ([]Aggregate, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	query := `
		SELECT tenant_id, item_id, location_id, qty_on_hand, wac, version, updated_at
		FROM cost_aggregates
		WHERE tenant_id=$1`
	args := []any{tenantID}
	if locationID != uuid.Nil {
		query += ` AND location_id=$2`
		args = append(args, locationID)
	}
	query += ` ORDER BY item_id, location_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []Aggregate
	for rows.Next() {
		var agg Aggregate
		if err := rows.Scan(&agg.Key.TenantID, &agg.Key.ItemID, &agg.Key.LocationID,
			&agg.QtyOnHand, &agg.WAC, &agg.Version, &agg.UpdatedAt); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggs, nil
}

func buildEventFilter(filter EventFilter) (string, []any) {
	clauses := []string{"tenant_id=$1"}
	args := []any{filter.TenantID}
	if filter.ItemID != uuid.Nil {
		args = append(args, filter.ItemID)
		clauses = append(clauses, fmt.Sprintf("item_id=$%d", len(args)))
	}
	if filter.LocationID != uuid.Nil {
		args = append(args, filter.LocationID)
		clauses = append(clauses, fmt.Sprintf("location_id=$%d", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		clauses = append(clauses, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
