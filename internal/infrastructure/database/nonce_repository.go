package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yachaq/privacy-core/internal/domain/capsule"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// NonceRepository is the durable nonce registry. The Redis guard
// rejects replays fast; this table is the source of truth and makes
// the active -> used transition atomic with a conditional update.
type NonceRepository struct {
	pool *Pool
}

// NewNonceRepository creates the repository
func NewNonceRepository(pool *Pool) *NonceRepository {
	return &NonceRepository{pool: pool}
}

// Register records a freshly issued nonce as active. Registering the
// same value twice is a conflict.
func (r *NonceRepository) Register(ctx context.Context, rec *capsule.NonceRecord) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO nonce_registry (value, status, issued_at, used_at, used_by)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.Value, string(rec.Status), rec.IssuedAt, rec.UsedAt, rec.UsedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("nonce already registered").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to register nonce").WithCause(err)
	}
	return nil
}

// Use atomically consumes an active nonce for queryID. The conditional
// update matches only the active row, so exactly one caller wins; a
// loser gets ErrNonceReused carrying the original consumer.
func (r *NonceRepository) Use(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE nonce_registry
		SET status = 'used', used_at = now(), used_by = $1
		WHERE value = $2 AND status = 'active'`,
		queryID, nonce)
	if err != nil {
		return domainerrors.NewInternalError("failed to use nonce").WithCause(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	rec, err := r.Get(ctx, nonce)
	if err != nil {
		return err
	}
	if rec == nil {
		return domainerrors.NewNotFoundError("nonce")
	}

	details := map[string]interface{}{"nonce": nonce.String()}
	if rec.UsedBy != nil {
		details["used_by"] = rec.UsedBy.String()
	}
	return domainerrors.ErrNonceReused.WithDetails(details)
}

// Get loads one nonce record, or nil when absent
func (r *NonceRepository) Get(ctx context.Context, nonce values.Nonce) (*capsule.NonceRecord, error) {
	row := r.pool.Pgx().QueryRow(ctx, `
		SELECT value, status, issued_at, used_at, used_by
		FROM nonce_registry WHERE value = $1`, nonce)

	var (
		rec    capsule.NonceRecord
		status string
	)
	err := row.Scan(&rec.Value, &status, &rec.IssuedAt, &rec.UsedAt, &rec.UsedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load nonce").WithCause(err)
	}
	rec.Status = capsule.NonceStatus(status)
	return &rec, nil
}
