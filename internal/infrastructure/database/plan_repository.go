package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yachaq/privacy-core/internal/domain/capsule"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
)

// PlanRepository persists signed query plans
type PlanRepository struct {
	pool *Pool
}

// NewPlanRepository creates the repository
func NewPlanRepository(pool *Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

const planColumns = `id, request_id, contract_id, requester_id, field_scope, purpose_hash,
	transforms, export_mode, cost_estimate, nonce, status, expires_at, signature, created_at, updated_at`

// Insert persists a freshly created plan
func (r *PlanRepository) Insert(ctx context.Context, p *capsule.QueryPlan) error {
	transforms, err := json.Marshal(p.Transforms)
	if err != nil {
		return domainerrors.NewInternalError("failed to encode transforms").WithCause(err)
	}

	_, err = r.pool.Pgx().Exec(ctx, `
		INSERT INTO query_plans (`+planColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.RequestID, p.ContractID, p.RequesterID, p.FieldScope.Canonical(),
		p.PurposeHash, transforms, string(p.Export), p.CostEstimate, p.Nonce, p.Status.String(),
		p.ExpiresAt, p.Signature, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("plan nonce already registered").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert query plan").WithCause(err)
	}
	return nil
}

// Update writes the plan's mutable state (status and signature)
func (r *PlanRepository) Update(ctx context.Context, p *capsule.QueryPlan) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE query_plans SET status = $1, signature = $2, updated_at = $3
		WHERE id = $4`,
		p.Status.String(), p.Signature, p.UpdatedAt, p.ID)
	if err != nil {
		return domainerrors.NewInternalError("failed to update query plan").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.NewNotFoundError("query plan")
	}
	return nil
}

// GetByID loads one plan, or nil when absent
func (r *PlanRepository) GetByID(ctx context.Context, id uuid.UUID) (*capsule.QueryPlan, error) {
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+planColumns+` FROM query_plans WHERE id = $1`, id)

	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load query plan").WithCause(err)
	}
	return p, nil
}

// ListStale returns non-terminal plans whose expiry has passed, for
// the sweeper to expire.
func (r *PlanRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]*capsule.QueryPlan, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+planColumns+`
		FROM query_plans
		WHERE status IN ('pending','signed','dispatched') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to list stale plans").WithCause(err)
	}
	defer rows.Close()

	var plans []*capsule.QueryPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, domainerrors.NewInternalError("failed to scan query plan").WithCause(err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.NewInternalError("failed to read query plans").WithCause(err)
	}
	return plans, nil
}

func scanPlan(row pgx.Row) (*capsule.QueryPlan, error) {
	var (
		p          capsule.QueryPlan
		scope      string
		transforms []byte
		export     string
		status     string
	)
	err := row.Scan(&p.ID, &p.RequestID, &p.ContractID, &p.RequesterID, &scope,
		&p.PurposeHash, &transforms, &export, &p.CostEstimate, &p.Nonce, &status,
		&p.ExpiresAt, &p.Signature, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.FieldScope = privacy.ParseFieldScope(scope)
	if len(transforms) > 0 {
		if err := json.Unmarshal(transforms, &p.Transforms); err != nil {
			return nil, err
		}
	}
	p.Export = privacy.ExportMode(export)
	p.Status = capsule.PlanStatus(status)
	return &p, nil
}
