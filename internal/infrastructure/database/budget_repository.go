package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// BudgetRepository persists privacy risk budgets. Every mutation is a
// compare-and-swap on the version column, which makes budget
// consumption exactly-once: a CAS that matches zero rows means a
// concurrent consumer won and the caller must reload and retry.
type BudgetRepository struct {
	pool *Pool
}

// NewBudgetRepository creates the repository
func NewBudgetRepository(pool *Pool) *BudgetRepository {
	return &BudgetRepository{pool: pool}
}

const budgetColumns = `id, subject_id, purpose_hash, allocated, consumed, status, version,
	locked_at, created_at, updated_at`

// Insert persists a freshly allocated budget
func (r *BudgetRepository) Insert(ctx context.Context, b *privacy.Budget) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO privacy_budgets (`+budgetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.SubjectID, b.PurposeHash, b.Allocated, b.Consumed,
		b.Status.String(), b.Version, b.LockedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError(
				"budget already exists for subject and purpose").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert budget").WithCause(err)
	}
	return nil
}

// UpdateCAS writes the budget's mutable state, matching only the row
// still at the version the budget was loaded with. Returns
// ErrConcurrentModification when the CAS loses.
func (r *BudgetRepository) UpdateCAS(ctx context.Context, b *privacy.Budget, expectedVersion int) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE privacy_budgets SET
			consumed = $1, status = $2, version = $3, locked_at = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		b.Consumed, b.Status.String(), b.Version, b.LockedAt, b.UpdatedAt,
		b.ID, expectedVersion)
	if err != nil {
		return domainerrors.NewInternalError("failed to update budget").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrConcurrentModification
	}
	return nil
}

// GetByID loads one budget, or nil when absent
func (r *BudgetRepository) GetByID(ctx context.Context, id uuid.UUID) (*privacy.Budget, error) {
	return r.getOne(ctx, `SELECT `+budgetColumns+` FROM privacy_budgets WHERE id = $1`, id)
}

// FindBySubjectPurpose returns the budget for a subject and purpose,
// or nil when none was allocated.
func (r *BudgetRepository) FindBySubjectPurpose(ctx context.Context, subjectID uuid.UUID, purposeHash values.HashValue) (*privacy.Budget, error) {
	return r.getOne(ctx, `
		SELECT `+budgetColumns+`
		FROM privacy_budgets
		WHERE subject_id = $1 AND purpose_hash = $2`, subjectID, purposeHash)
}

// InsertConsumption logs one successful consumption. The unique
// (budget_id, query_id) constraint makes re-application of the same
// query a conflict, which the governor treats as already-consumed.
func (r *BudgetRepository) InsertConsumption(ctx context.Context, rec *privacy.ConsumptionRecord) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO budget_consumptions (id, budget_id, query_id, amount, consumed_at)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.BudgetID, rec.QueryID, rec.Amount, rec.At)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError(
				"query already consumed from this budget").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert consumption record").WithCause(err)
	}
	return nil
}

// GetConsumption returns the consumption record for a budget and
// query, or nil when the query never consumed.
func (r *BudgetRepository) GetConsumption(ctx context.Context, budgetID, queryID uuid.UUID) (*privacy.ConsumptionRecord, error) {
	row := r.pool.Pgx().QueryRow(ctx, `
		SELECT id, budget_id, query_id, amount, consumed_at
		FROM budget_consumptions
		WHERE budget_id = $1 AND query_id = $2`, budgetID, queryID)

	var rec privacy.ConsumptionRecord
	err := row.Scan(&rec.ID, &rec.BudgetID, &rec.QueryID, &rec.Amount, &rec.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load consumption record").WithCause(err)
	}
	return &rec, nil
}

func (r *BudgetRepository) getOne(ctx context.Context, query string, args ...interface{}) (*privacy.Budget, error) {
	row := r.pool.Pgx().QueryRow(ctx, query, args...)

	var (
		b      privacy.Budget
		status string
	)
	err := row.Scan(&b.ID, &b.SubjectID, &b.PurposeHash, &b.Allocated, &b.Consumed,
		&status, &b.Version, &b.LockedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load budget").WithCause(err)
	}
	b.Status = privacy.BudgetStatus(status)
	return &b, nil
}
