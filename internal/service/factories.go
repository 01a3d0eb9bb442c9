// Package service wires the service graph in dependency order: the
// audit chain first, then the ledger and governor that chain receipts
// onto it, then the policy gate and the query orchestrator behind it.
package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domainprivacy "github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/infrastructure/cache"
	"github.com/yachaq/privacy-core/internal/infrastructure/config"
	"github.com/yachaq/privacy-core/internal/infrastructure/database"
	"github.com/yachaq/privacy-core/internal/infrastructure/odx"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
	consentsvc "github.com/yachaq/privacy-core/internal/service/consent"
	"github.com/yachaq/privacy-core/internal/service/policy"
	privacysvc "github.com/yachaq/privacy-core/internal/service/privacy"
	querysvc "github.com/yachaq/privacy-core/internal/service/query"
)

// Services is the fully wired service graph
type Services struct {
	Audit    auditsvc.Service
	Anchorer *auditsvc.Anchorer
	Consent  consentsvc.Service
	Privacy  privacysvc.Governor
	Policy   policy.Evaluator
	Query    querysvc.Service
	Sweeper  *querysvc.Sweeper
}

// Build constructs every service from the shared pool and redis client.
// The anchorer is started; callers own Close.
func Build(cfg *config.Config, pool *database.Pool, redis *cache.Client, logger *zap.Logger) *Services {
	contractRepo := database.NewContractRepository(pool)
	budgetRepo := database.NewBudgetRepository(pool)
	planRepo := database.NewPlanRepository(pool)
	capsuleRepo := database.NewCapsuleRepository(pool)
	nonceRepo := database.NewNonceRepository(pool)
	receiptRepo := database.NewReceiptRepository(pool)
	anchorRepo := database.NewAnchorRepository(pool)

	consentCache := cache.NewConsentCache(redis, cfg.Consent.CacheTTL, logger)
	nonceGuard := cache.NewNonceGuard(redis, 0)
	linkageStore := cache.NewLinkageStore(redis, cfg.Privacy.LinkageWindow, logger)
	anchorSink := cache.NewAnchorStream(redis, logger)

	anchorer := auditsvc.NewAnchorer(logger, receiptRepo, anchorRepo, anchorSink, cfg.Audit.AnchorBatchSize)
	chain := auditsvc.NewChain(logger, receiptRepo, anchorer)
	anchorer.Bind(chain)
	anchorer.Start()

	consentService := consentsvc.NewService(contractRepo, consentCache, chain, logger)

	governor := privacysvc.NewGovernor(budgetRepo, linkageStore, chain, privacysvc.Config{
		Cohort: domainprivacy.NewCohortPolicy(cfg.Privacy.KMin),
		Linkage: domainprivacy.NewLinkagePolicy(
			cfg.Privacy.LinkageWindow,
			cfg.Privacy.LinkageThreshold,
			cfg.Privacy.LinkageMaxSimilar,
		),
		ConsumeRetries: cfg.Privacy.ConsumeRetries,
	}, logger)

	exchange := odx.NewClient(odx.Config{
		DirectoryURL:   cfg.Device.DirectoryURL,
		RequestTimeout: cfg.Device.RequestTimeout,
	}, logger)
	settlements := cache.NewSettlementStream(redis, logger)

	costModel := domainprivacy.NewCostModel(cfg.Privacy.KMin)

	evaluator := policy.NewEvaluator(consentService, governor,
		deviceCohorts{exchange}, costModel, chain, logger)

	queryService := querysvc.NewService(querysvc.Deps{
		Plans:     planRepo,
		Capsules:  capsuleRepo,
		Nonces:    nonceRepo,
		Guard:     nonceGuard,
		Evaluator: evaluator,
		Auditor:   chain,
		Consent:   consentService,
		Devices:   exchange,
		Querier:   exchange,
		Ledger:    settlements,
	}, querysvc.Config{
		SigningKey:        []byte(cfg.Security.PlanSigningKey),
		RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.Security.RateLimit.BurstSize,
		CollectTimeout:    cfg.Device.CollectTimeout,
		CostModel:         costModel,
	}, logger)

	sweeper := querysvc.NewSweeper(planRepo, capsuleRepo, chain, querysvc.SweeperConfig{
		Interval:  cfg.Capsule.SweepInterval,
		BatchSize: cfg.Capsule.SweepBatch,
	}, logger)

	return &Services{
		Audit:    chain,
		Anchorer: anchorer,
		Consent:  consentService,
		Privacy:  governor,
		Policy:   evaluator,
		Query:    queryService,
		Sweeper:  sweeper,
	}
}

// Close drains the chain writers and stops the anchorer. The sweeper is
// stopped by whoever started it.
func (s *Services) Close() {
	s.Audit.Close()
	s.Anchorer.Stop()
}

// deviceCohorts adapts the device directory into the policy gate's
// cohort estimator: the anonymity check counts what the directory
// says, never what the requester claims.
type deviceCohorts struct {
	devices querysvc.DeviceDirectory
}

var _ policy.CohortEstimator = deviceCohorts{}

func (d deviceCohorts) EstimateCohort(ctx context.Context, contractID uuid.UUID, scope domainprivacy.FieldScope) (int, error) {
	return d.devices.EstimateCohort(ctx, querysvc.DeviceCriteria{
		ContractID: contractID,
		FieldScope: scope,
	})
}
