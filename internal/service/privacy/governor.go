package privacy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/metrics"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
)

// DefaultConsumeRetries bounds the CAS retry loop in ConsumeBudget.
const DefaultConsumeRetries = 5

// Config carries the governor's policy tunables
type Config struct {
	Cohort         privacy.CohortPolicy
	Linkage        privacy.LinkagePolicy
	ConsumeRetries int
}

type governor struct {
	budgets BudgetRepository
	history LinkageHistory
	auditor auditsvc.Service
	cfg     Config
	logger  *zap.Logger
}

var _ Governor = (*governor)(nil)

// NewGovernor creates the privacy governor
func NewGovernor(budgets BudgetRepository, history LinkageHistory, auditor auditsvc.Service, cfg Config, logger *zap.Logger) Governor {
	if cfg.ConsumeRetries <= 0 {
		cfg.ConsumeRetries = DefaultConsumeRetries
	}
	return &governor{
		budgets: budgets,
		history: history,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger,
	}
}

// AllocateBudget creates a draft budget for a subject and purpose
func (g *governor) AllocateBudget(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue, allocation values.RiskAmount) (*privacy.Budget, error) {
	budget, err := privacy.NewBudget(subjectID, purposeHash, allocation)
	if err != nil {
		return nil, err
	}
	if err := g.budgets.Insert(ctx, budget); err != nil {
		return nil, err
	}

	g.logger.Info("budget allocated",
		zap.String("budget_id", budget.ID.String()),
		zap.String("subject_id", subjectID.String()),
		zap.String("allocated", allocation.String()))
	return budget, nil
}

// LockBudget transitions a draft budget to locked and chains a
// budget.locked receipt.
func (g *governor) LockBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error) {
	budget, err := g.budgets.GetByID(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return nil, domainerrors.ErrBudgetNotFound
	}

	expectedVersion := budget.Version
	if err := budget.Lock(); err != nil {
		return nil, err
	}
	if err := g.budgets.UpdateCAS(ctx, budget, expectedVersion); err != nil {
		return nil, err
	}

	if _, err := g.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventBudgetLocked,
		ActorID:      budget.SubjectID.String(),
		ActorType:    "subject",
		ResourceID:   budget.ID.String(),
		ResourceType: "privacy_budget",
		Details: map[string]interface{}{
			"allocated":    budget.Allocated.String(),
			"purpose_hash": budget.PurposeHash.String(),
		},
		IdempotencyKey: "budget:locked:" + budget.ID.String(),
	}); err != nil {
		g.logger.Error("failed to chain budget.locked receipt",
			zap.String("budget_id", budget.ID.String()), zap.Error(err))
		return nil, err
	}

	return budget, nil
}

// GetBudget loads one budget
func (g *governor) GetBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error) {
	budget, err := g.budgets.GetByID(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return nil, domainerrors.ErrBudgetNotFound
	}
	return budget, nil
}

// ConsumeBudget decrements the budget by amount for queryID. The loop
// reloads and retries on CAS conflicts; the consumption record's
// unique (budget, query) pair makes the whole operation exactly-once
// even across retries that straddle a partial failure.
func (g *governor) ConsumeBudget(ctx context.Context, budgetID, queryID uuid.UUID, amount values.RiskAmount) (*privacy.ConsumptionRecord, error) {
	existing, err := g.budgets.GetConsumption(ctx, budgetID, queryID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.ConsumeRetries; attempt++ {
		budget, err := g.budgets.GetByID(ctx, budgetID)
		if err != nil {
			return nil, err
		}
		if budget == nil {
			return nil, domainerrors.ErrBudgetNotFound
		}

		expectedVersion := budget.Version
		if err := budget.Consume(amount); err != nil {
			return nil, err
		}

		if err := g.budgets.UpdateCAS(ctx, budget, expectedVersion); err != nil {
			if errors.Is(err, domainerrors.ErrConcurrentModification) {
				metrics.BudgetConsumeRetries.Inc()
				lastErr = err
				continue
			}
			return nil, err
		}

		record, err := privacy.NewConsumptionRecord(budgetID, queryID, amount)
		if err != nil {
			return nil, err
		}
		if err := g.budgets.InsertConsumption(ctx, record); err != nil {
			if domainerrors.IsType(err, domainerrors.ErrorTypeConflict) {
				// a concurrent call for the same query won between our
				// fast path and the CAS; return its record
				return g.budgets.GetConsumption(ctx, budgetID, queryID)
			}
			return nil, err
		}

		if _, err := g.auditor.Append(ctx, auditsvc.AppendRequest{
			EventType:    audit.EventBudgetConsumed,
			ActorID:      budget.SubjectID.String(),
			ActorType:    "system",
			ResourceID:   budget.ID.String(),
			ResourceType: "privacy_budget",
			Details: map[string]interface{}{
				"query_id":  queryID.String(),
				"amount":    amount.String(),
				"remaining": budget.Remaining().String(),
			},
			IdempotencyKey: "budget:consumed:" + budgetID.String() + ":" + queryID.String(),
		}); err != nil {
			g.logger.Error("failed to chain budget.consumed receipt",
				zap.String("budget_id", budgetID.String()), zap.Error(err))
			return nil, err
		}

		return record, nil
	}

	g.logger.Warn("budget consume exhausted CAS retries",
		zap.String("budget_id", budgetID.String()),
		zap.Int("attempts", g.cfg.ConsumeRetries))
	return nil, lastErr
}

// CheckCohort enforces the k-anonymity threshold
func (g *governor) CheckCohort(ctx context.Context, cohortSize int) error {
	return g.cfg.Cohort.Check(cohortSize)
}

// CheckLinkage evaluates scope against the requester's recent history
// and records the query. A blocked check still records the attempt, so
// retrying does not reset the window.
func (g *governor) CheckLinkage(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope) (*LinkageCheck, error) {
	now := time.Now().UTC()

	history, err := g.history.History(ctx, requesterID, now)
	if err != nil {
		return nil, err
	}

	similar := g.cfg.Linkage.CountSimilar(scope, history)
	check := &LinkageCheck{SimilarCount: similar, Blocked: g.cfg.Linkage.Exceeded(similar)}

	if err := g.history.Record(ctx, requesterID, scope, now); err != nil {
		return nil, err
	}

	if check.Blocked {
		g.logger.Warn("linkage risk blocked",
			zap.String("requester_id", requesterID.String()),
			zap.Int("similar_count", similar))
		return check, domainerrors.ErrLinkageRisk.WithDetails(map[string]interface{}{
			"requester_id":  requesterID.String(),
			"similar_count": similar,
			"max_similar":   g.cfg.Linkage.MaxSimilarQueries,
		})
	}
	return check, nil
}
