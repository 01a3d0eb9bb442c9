package privacy

import (
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// BudgetStatus is the lifecycle state of a privacy risk budget. The
// set is closed and transitions are one way:
// draft -> locked -> exhausted.
type BudgetStatus string

const (
	BudgetStatusDraft     BudgetStatus = "draft"
	BudgetStatusLocked    BudgetStatus = "locked"
	BudgetStatusExhausted BudgetStatus = "exhausted"
)

// IsValid reports whether s is a known status
func (s BudgetStatus) IsValid() bool {
	switch s {
	case BudgetStatusDraft, BudgetStatusLocked, BudgetStatusExhausted:
		return true
	}
	return false
}

func (s BudgetStatus) String() string {
	return string(s)
}

// Budget is a privacy risk budget for one data subject and purpose.
// Consumption only happens while locked, is all-or-nothing, and is
// made exactly-once by the repository's compare-and-swap on Version.
type Budget struct {
	ID          uuid.UUID         `json:"id"`
	SubjectID   uuid.UUID         `json:"subject_id"`
	PurposeHash values.HashValue  `json:"purpose_hash"`
	Allocated   values.RiskAmount `json:"allocated"`
	Consumed    values.RiskAmount `json:"consumed"`
	Status      BudgetStatus      `json:"status"`
	Version     int               `json:"version"`
	LockedAt    *time.Time        `json:"locked_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewBudget creates a draft budget with the given allocation
func NewBudget(subjectID uuid.UUID, purposeHash values.HashValue, allocated values.RiskAmount) (*Budget, error) {
	if subjectID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_SUBJECT_ID", "subject ID is required")
	}
	if purposeHash.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_PURPOSE_HASH", "purpose hash is required")
	}
	if !allocated.IsPositive() {
		return nil, errors.NewValidationError("INVALID_ALLOCATION",
			"budget allocation must be positive")
	}

	now := time.Now().UTC()
	return &Budget{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		PurposeHash: purposeHash,
		Allocated:   allocated,
		Consumed:    values.ZeroRiskAmount(),
		Status:      BudgetStatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Remaining returns allocated minus consumed
func (b *Budget) Remaining() values.RiskAmount {
	remaining, err := b.Allocated.Sub(b.Consumed)
	if err != nil {
		// consumed can never exceed allocated; treat as exhausted
		return values.ZeroRiskAmount()
	}
	return remaining
}

// Lock transitions a draft budget to locked, making it consumable.
// Only draft budgets can be locked.
func (b *Budget) Lock() error {
	switch b.Status {
	case BudgetStatusLocked:
		return errors.NewConflictError("budget is already locked")
	case BudgetStatusExhausted:
		return errors.NewBusinessError("BUDGET_EXHAUSTED_LOCK",
			"exhausted budget cannot be locked")
	}

	now := time.Now().UTC()
	b.Status = BudgetStatusLocked
	b.LockedAt = &now
	b.Version++
	b.UpdatedAt = now
	return nil
}

// Consume decrements the budget by amount. The decrement is
// all-or-nothing: when amount exceeds the remaining allocation the
// budget is left untouched and ErrBudgetExhausted is returned. A
// consume that lands exactly on zero transitions the budget to
// exhausted.
func (b *Budget) Consume(amount values.RiskAmount) error {
	if b.Status == BudgetStatusDraft {
		return errors.ErrBudgetNotLocked
	}
	if b.Status == BudgetStatusExhausted {
		return errors.ErrBudgetExhausted.WithDetails(map[string]interface{}{
			"budget_id": b.ID.String(),
			"remaining": "0",
		})
	}
	if !amount.IsPositive() {
		return errors.NewValidationError("INVALID_CONSUME_AMOUNT",
			"consume amount must be positive")
	}

	remaining, err := b.Remaining().Sub(amount)
	if err != nil {
		return errors.ErrBudgetExhausted.WithDetails(map[string]interface{}{
			"budget_id": b.ID.String(),
			"remaining": b.Remaining().String(),
			"requested": amount.String(),
		})
	}

	b.Consumed = b.Consumed.Add(amount)
	if remaining.IsZero() {
		b.Status = BudgetStatusExhausted
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// ConsumptionRecord logs a single successful budget consumption. The
// (BudgetID, QueryID) pair is unique, which is what makes consumption
// exactly-once across CAS retries.
type ConsumptionRecord struct {
	ID       uuid.UUID         `json:"id"`
	BudgetID uuid.UUID         `json:"budget_id"`
	QueryID  uuid.UUID         `json:"query_id"`
	Amount   values.RiskAmount `json:"amount"`
	At       time.Time         `json:"at"`
}

// NewConsumptionRecord builds the log entry for a consumption
func NewConsumptionRecord(budgetID, queryID uuid.UUID, amount values.RiskAmount) (*ConsumptionRecord, error) {
	if budgetID == uuid.Nil || queryID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_CONSUMPTION_RECORD",
			"budget ID and query ID are required")
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_CONSUME_AMOUNT",
			"consume amount must be positive")
	}

	return &ConsumptionRecord{
		ID:       uuid.New(),
		BudgetID: budgetID,
		QueryID:  queryID,
		Amount:   amount,
		At:       time.Now().UTC(),
	}, nil
}
