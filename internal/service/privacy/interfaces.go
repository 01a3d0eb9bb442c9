package privacy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// BudgetRepository persists privacy risk budgets. UpdateCAS must match
// only the row still at expectedVersion and return
// ErrConcurrentModification when it loses.
type BudgetRepository interface {
	Insert(ctx context.Context, b *privacy.Budget) error
	UpdateCAS(ctx context.Context, b *privacy.Budget, expectedVersion int) error
	GetByID(ctx context.Context, id uuid.UUID) (*privacy.Budget, error)
	FindBySubjectPurpose(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue) (*privacy.Budget, error)
	InsertConsumption(ctx context.Context, rec *privacy.ConsumptionRecord) error
	GetConsumption(ctx context.Context, budgetID, queryID uuid.UUID) (*privacy.ConsumptionRecord, error)
}

// LinkageHistory tracks each requester's recent query field scopes
type LinkageHistory interface {
	Record(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope, at time.Time) error
	History(ctx context.Context, requesterID uuid.UUID, now time.Time) ([]privacy.FieldScope, error)
}

// LinkageCheck is the outcome of a linkage risk evaluation
type LinkageCheck struct {
	SimilarCount int  `json:"similar_count"`
	Blocked      bool `json:"blocked"`
}

// Governor enforces the privacy risk budget and the anonymity
// policies. Consumption is exactly-once per (budget, query) pair.
type Governor interface {
	AllocateBudget(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue, allocation values.RiskAmount) (*privacy.Budget, error)
	LockBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error)
	GetBudget(ctx context.Context, budgetID uuid.UUID) (*privacy.Budget, error)
	// ConsumeBudget atomically decrements the budget by amount on behalf
	// of queryID. Re-consuming for the same query is a no-op returning
	// the original record.
	ConsumeBudget(ctx context.Context, budgetID, queryID uuid.UUID, amount values.RiskAmount) (*privacy.ConsumptionRecord, error)
	// CheckCohort returns nil when the cohort meets the k-anonymity
	// threshold.
	CheckCohort(ctx context.Context, cohortSize int) error
	// CheckLinkage evaluates scope against the requester's recent query
	// history and records it. Returns ErrLinkageRisk when blocked.
	CheckLinkage(ctx context.Context, requesterID uuid.UUID, scope privacy.FieldScope) (*LinkageCheck, error)
}
