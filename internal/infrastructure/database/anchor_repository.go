package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
)

// AnchorRepository stores Merkle anchors
type AnchorRepository struct {
	pool *Pool
}

// NewAnchorRepository creates the repository
func NewAnchorRepository(pool *Pool) *AnchorRepository {
	return &AnchorRepository{pool: pool}
}

const anchorColumns = `id, shard, root, first_sequence, last_sequence, leaf_count, external_ref, anchored_at`

// Insert persists one anchor
func (r *AnchorRepository) Insert(ctx context.Context, anchor *audit.Anchor) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO audit_anchors (`+anchorColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		anchor.ID, anchor.Shard, anchor.Root, anchor.FirstSequence, anchor.LastSequence,
		anchor.LeafCount, nullableString(anchor.ExternalRef), anchor.AnchoredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("anchor range already exists").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert anchor").WithCause(err)
	}
	return nil
}

// Latest returns the highest-range anchor of a shard, or nil
func (r *AnchorRepository) Latest(ctx context.Context, shard string) (*audit.Anchor, error) {
	return r.getOne(ctx, `
		SELECT `+anchorColumns+`
		FROM audit_anchors
		WHERE shard = $1
		ORDER BY last_sequence DESC
		LIMIT 1`, shard)
}

// GetByID loads one anchor, or nil when absent
func (r *AnchorRepository) GetByID(ctx context.Context, id uuid.UUID) (*audit.Anchor, error) {
	return r.getOne(ctx, `SELECT `+anchorColumns+` FROM audit_anchors WHERE id = $1`, id)
}

// FindCovering returns the anchor whose sequence range contains seq
func (r *AnchorRepository) FindCovering(ctx context.Context, shard string, seq uint64) (*audit.Anchor, error) {
	return r.getOne(ctx, `
		SELECT `+anchorColumns+`
		FROM audit_anchors
		WHERE shard = $1 AND first_sequence <= $2 AND last_sequence >= $2
		LIMIT 1`, shard, seq)
}

func (r *AnchorRepository) getOne(ctx context.Context, query string, args ...interface{}) (*audit.Anchor, error) {
	row := r.pool.Pgx().QueryRow(ctx, query, args...)

	var (
		anchor audit.Anchor
		ref    *string
	)
	err := row.Scan(&anchor.ID, &anchor.Shard, &anchor.Root,
		&anchor.FirstSequence, &anchor.LastSequence, &anchor.LeafCount,
		&ref, &anchor.AnchoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load anchor").WithCause(err)
	}
	if ref != nil {
		anchor.ExternalRef = *ref
	}
	return &anchor, nil
}
