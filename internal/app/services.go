package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wavepoint-erp/wavepoint/internal/costing/landedcost"
	"github.com/wavepoint-erp/wavepoint/internal/costing/ledger"
	"github.com/wavepoint-erp/wavepoint/internal/costing/posting"
	"github.com/wavepoint-erp/wavepoint/internal/costing/valuation"
	"github.com/wavepoint-erp/wavepoint/internal/observability"
	"github.com/wavepoint-erp/wavepoint/internal/purchasing"
	"github.com/wavepoint-erp/wavepoint/internal/shared"
	"github.com/wavepoint-erp/wavepoint/internal/stock"
)

// Services is the wired costing engine. Embedders and the binaries build it
// once and call into the services directly; there is no HTTP API in front
// of them.
type Services struct {
	Ledger         *ledger.Service
	LandedCost     *landedcost.Service
	Posting        *posting.Service
	Valuation      *valuation.Service
	ValuationCache *valuation.Cache
	Idempotency    *posting.IdempotencyStore
	Stock          *stock.Client
	Purchasing     *purchasing.Repository
	Audit          *shared.AuditLogger
}

// BuildServices wires the costing engine from shared infrastructure. A nil
// redis client disables caching, a nil metrics disables domain counters;
// every service stays functional either way.
func BuildServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger, metrics *observability.Metrics) *Services {
	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	valuationCache := valuation.NewCache(redisClient, cfg.ValuationCacheTTL)
	valuationSvc := valuation.NewService(ledgerRepo, valuationCache)
	ledgerSvc := ledger.NewService(ledgerRepo, auditLogger, ledger.ServiceConfig{
		Scale:             cfg.CostingScale,
		NegativeWACPolicy: cfg.NegativeWACPolicy(),
		Metrics:           metrics,
	}, valuationSvc)

	landedCostRepo := landedcost.NewRepository(pool)
	landedCostSvc := landedcost.NewService(landedCostRepo, auditLogger, landedcost.ServiceConfig{
		Scale: cfg.CostingScale,
	})

	stockClient := stock.NewClient(cfg.StockAPIURL, cfg.StockAPITimeout, metrics)
	purchasingRepo := purchasing.NewRepository(pool)
	idempotencyStore := posting.NewIdempotencyStore(pool)
	postingRepo := posting.NewRepository(pool)
	postingSvc := posting.NewService(postingRepo, stockClient, ledgerSvc, landedCostSvc, purchasingRepo, idempotencyStore, auditLogger, posting.ServiceConfig{
		StockTimeout: cfg.StockAPITimeout,
		Metrics:      metrics,
	})

	logger.Info("costing services wired",
		slog.Int("scale", int(cfg.CostingScale)),
		slog.String("negative_wac_policy", cfg.CostingNegativeWACPolicy),
	)

	return &Services{
		Ledger:         ledgerSvc,
		LandedCost:     landedCostSvc,
		Posting:        postingSvc,
		Valuation:      valuationSvc,
		ValuationCache: valuationCache,
		Idempotency:    idempotencyStore,
		Stock:          stockClient,
		Purchasing:     purchasingRepo,
		Audit:          auditLogger,
	}
}
