package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// pgUniqueViolation is the Postgres error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ReceiptRepository stores sealed audit receipts. The table carries
// unique constraints on (shard, sequence_number) and on the
// idempotency key, so a racing duplicate insert fails here rather than
// corrupting the chain.
type ReceiptRepository struct {
	pool *Pool
}

// NewReceiptRepository creates the repository
func NewReceiptRepository(pool *Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

const receiptColumns = `id, shard, sequence_number, event_type, timestamp, timestamp_nano,
	actor_id, actor_type, resource_id, resource_type,
	details_hash, previous_hash, hash, idempotency_key`

// Insert persists one sealed receipt
func (r *ReceiptRepository) Insert(ctx context.Context, receipt *audit.Receipt) error {
	if !receipt.IsSealed() {
		return domainerrors.NewValidationError("UNSEALED_RECEIPT",
			"only sealed receipts can be persisted")
	}

	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO audit_receipts (`+receiptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		receipt.ID, receipt.Shard, receipt.SequenceNumber, receipt.EventType.String(),
		receipt.Timestamp, receipt.TimestampNano,
		receipt.ActorID, receipt.ActorType, receipt.ResourceID, receipt.ResourceType,
		receipt.DetailsHash, receipt.PreviousHash, receipt.Hash, receipt.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError(
				"receipt sequence or idempotency key already exists").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert receipt").WithCause(err)
	}
	return nil
}

// GetByID loads one receipt, or nil when absent
func (r *ReceiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*audit.Receipt, error) {
	return r.getOne(ctx, `SELECT `+receiptColumns+` FROM audit_receipts WHERE id = $1`, id)
}

// GetByIdempotencyKey loads the receipt a key already produced, or nil
func (r *ReceiptRepository) GetByIdempotencyKey(ctx context.Context, key string) (*audit.Receipt, error) {
	return r.getOne(ctx,
		`SELECT `+receiptColumns+` FROM audit_receipts WHERE idempotency_key = $1`, key)
}

// Tail returns the highest-sequence receipt of a shard, or nil for an
// empty shard.
func (r *ReceiptRepository) Tail(ctx context.Context, shard string) (*audit.Receipt, error) {
	return r.getOne(ctx, `
		SELECT `+receiptColumns+`
		FROM audit_receipts
		WHERE shard = $1
		ORDER BY sequence_number DESC
		LIMIT 1`, shard)
}

// ListRange returns receipts with from <= sequence <= to in order
func (r *ReceiptRepository) ListRange(ctx context.Context, shard string, from, to values.SequenceNumber) ([]*audit.Receipt, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+receiptColumns+`
		FROM audit_receipts
		WHERE shard = $1 AND sequence_number BETWEEN $2 AND $3
		ORDER BY sequence_number`, shard, from, to)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to list receipts").WithCause(err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ListUnanchored returns up to limit receipts past afterSeq, in order
func (r *ReceiptRepository) ListUnanchored(ctx context.Context, shard string, afterSeq uint64, limit int) ([]*audit.Receipt, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+receiptColumns+`
		FROM audit_receipts
		WHERE shard = $1 AND sequence_number > $2
		ORDER BY sequence_number
		LIMIT $3`, shard, afterSeq, limit)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to list unanchored receipts").WithCause(err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func (r *ReceiptRepository) getOne(ctx context.Context, query string, args ...interface{}) (*audit.Receipt, error) {
	row := r.pool.Pgx().QueryRow(ctx, query, args...)
	receipt, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load receipt").WithCause(err)
	}
	return receipt, nil
}

func scanReceipt(row pgx.Row) (*audit.Receipt, error) {
	var (
		receipt   audit.Receipt
		eventType string
	)
	err := row.Scan(&receipt.ID, &receipt.Shard, &receipt.SequenceNumber, &eventType,
		&receipt.Timestamp, &receipt.TimestampNano,
		&receipt.ActorID, &receipt.ActorType, &receipt.ResourceID, &receipt.ResourceType,
		&receipt.DetailsHash, &receipt.PreviousHash, &receipt.Hash, &receipt.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	receipt.EventType = audit.EventType(eventType)
	receipt.Reseal()
	return &receipt, nil
}

func scanReceipts(rows pgx.Rows) ([]*audit.Receipt, error) {
	var receipts []*audit.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, domainerrors.NewInternalError("failed to scan receipt").WithCause(err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.NewInternalError("failed to read receipts").WithCause(err)
	}
	return receipts, nil
}
