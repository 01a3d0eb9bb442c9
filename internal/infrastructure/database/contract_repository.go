package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yachaq/privacy-core/internal/domain/consent"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// ContractRepository persists consent contracts with optimistic
// locking on the version column.
type ContractRepository struct {
	pool *Pool
}

// NewContractRepository creates the repository
func NewContractRepository(pool *Pool) *ContractRepository {
	return &ContractRepository{pool: pool}
}

const contractColumns = `id, subject_id, requester_id, scope, scope_hash, purpose_hash,
	       directives, valid_from, valid_until, compensation_amount, compensation_unit,
	       status, version, revoked_at, revocation_reason, created_at, updated_at`

// Save inserts or updates a contract. Updates are compare-and-swap on
// version: a concurrent writer makes the update match zero rows, which
// surfaces as a conflict.
func (r *ContractRepository) Save(ctx context.Context, c *consent.Contract) error {
	if c.Version == 1 {
		return r.insert(ctx, c)
	}
	return r.update(ctx, c)
}

func (r *ContractRepository) insert(ctx context.Context, c *consent.Contract) error {
	directives, err := marshalDirectives(c.Directives)
	if err != nil {
		return err
	}

	_, err = r.pool.Pgx().Exec(ctx, `
		INSERT INTO consent_contracts (
			id, subject_id, requester_id, scope, scope_hash, purpose_hash,
			directives, valid_from, valid_until, compensation_amount, compensation_unit,
			status, version, revoked_at, revocation_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.SubjectID, c.RequesterID, c.Scope.Canonical(), c.ScopeHash, c.PurposeHash,
		directives, c.ValidFrom, c.ValidUntil, c.Compensation.Amount, c.Compensation.Unit,
		c.Status.String(), c.Version, c.RevokedAt, nullableString(c.RevocationReason),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domainerrors.NewInternalError("failed to insert contract").WithCause(err)
	}
	return nil
}

func (r *ContractRepository) update(ctx context.Context, c *consent.Contract) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE consent_contracts SET
			status = $1, version = $2, revoked_at = $3,
			revocation_reason = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		c.Status.String(), c.Version, c.RevokedAt,
		nullableString(c.RevocationReason), c.UpdatedAt,
		c.ID, c.Version-1)
	if err != nil {
		return domainerrors.NewInternalError("failed to update contract").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.NewConflictError("contract was modified concurrently")
	}
	return nil
}

// GetByID loads one contract
func (r *ContractRepository) GetByID(ctx context.Context, id uuid.UUID) (*consent.Contract, error) {
	row := r.pool.Pgx().QueryRow(ctx, `
		SELECT `+contractColumns+`
		FROM consent_contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load contract").WithCause(err)
	}
	return c, nil
}

// FindActive returns the active contract for a subject, requester and
// purpose at the given instant, or nil when none exists.
func (r *ContractRepository) FindActive(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue, at time.Time) (*consent.Contract, error) {
	row := r.pool.Pgx().QueryRow(ctx, `
		SELECT `+contractColumns+`
		FROM consent_contracts
		WHERE subject_id = $1 AND requester_id = $2 AND purpose_hash = $3
		  AND status = 'active' AND valid_from <= $4 AND valid_until > $4
		ORDER BY created_at DESC
		LIMIT 1`,
		subjectID, requesterID, purposeHash, at)

	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to find active contract").WithCause(err)
	}
	return c, nil
}

// ListBySubject returns every contract a subject has granted, newest
// first.
func (r *ContractRepository) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+contractColumns+`
		FROM consent_contracts
		WHERE subject_id = $1
		ORDER BY created_at DESC`, subjectID)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to list contracts").WithCause(err)
	}
	defer rows.Close()

	contracts := make([]*consent.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, domainerrors.NewInternalError("failed to scan contract").WithCause(err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.NewInternalError("failed to list contracts").WithCause(err)
	}
	return contracts, nil
}

func scanContract(row pgx.Row) (*consent.Contract, error) {
	var (
		c          consent.Contract
		scope      string
		directives []byte
		status     string
		reason     *string
	)
	err := row.Scan(&c.ID, &c.SubjectID, &c.RequesterID, &scope, &c.ScopeHash, &c.PurposeHash,
		&directives, &c.ValidFrom, &c.ValidUntil, &c.Compensation.Amount, &c.Compensation.Unit,
		&status, &c.Version, &c.RevokedAt, &reason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Scope = privacy.ParseFieldScope(scope)
	if len(directives) > 0 {
		if err := json.Unmarshal(directives, &c.Directives); err != nil {
			return nil, err
		}
	}
	c.Status = consent.Status(status)
	if reason != nil {
		c.RevocationReason = *reason
	}
	return &c, nil
}

func marshalDirectives(directives []consent.Directive) ([]byte, error) {
	if directives == nil {
		directives = []consent.Directive{}
	}
	out, err := json.Marshal(directives)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to encode directives").WithCause(err)
	}
	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
