package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wavepoint-erp/wavepoint/internal/costing/posting"
)

// IdempotencyCleaner prunes resolved posting records past the retention
// window. PENDING records are never removed; they may belong to a posting
// still awaiting retry.
type IdempotencyCleaner struct {
	store     *posting.IdempotencyStore
	retention time.Duration
	logger    *slog.Logger
}

// NewIdempotencyCleaner constructs the cleanup job.
func NewIdempotencyCleaner(store *posting.IdempotencyStore, retention time.Duration, logger *slog.Logger) *IdempotencyCleaner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &IdempotencyCleaner{store: store, retention: retention, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (c *IdempotencyCleaner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ScheduledPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	removed, err := c.store.Cleanup(ctx, c.retention)
	if err != nil {
		return err
	}
	c.logger.Info("idempotency cleanup finished", slog.Int64("removed", removed))
	return nil
}
