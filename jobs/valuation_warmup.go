package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wavepoint-erp/wavepoint/internal/costing/valuation"
)

// ValuationWarmer refreshes valuation caches for every known tenant so the
// first reader after an invalidation does not pay the scan.
type ValuationWarmer struct {
	pool      *pgxpool.Pool
	valuation *valuation.Service
	logger    *slog.Logger
}

// NewValuationWarmer constructs the warmup job.
func NewValuationWarmer(pool *pgxpool.Pool, svc *valuation.Service, logger *slog.Logger) *ValuationWarmer {
	return &ValuationWarmer{pool: pool, valuation: svc, logger: logger}
}

// Handle processes TaskValuationWarmup tasks.
func (w *ValuationWarmer) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ScheduledPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tenants, err := w.tenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if _, err := w.valuation.CurrentValuation(ctx, tenantID, uuid.Nil); err != nil {
			w.logger.Warn("valuation warmup failed",
				slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
			continue
		}
	}
	w.logger.Info("valuation warmup finished", slog.Int("tenants", len(tenants)))
	return nil
}

func (w *ValuationWarmer) tenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM cost_aggregates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
