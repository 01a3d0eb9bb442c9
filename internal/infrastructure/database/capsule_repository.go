package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yachaq/privacy-core/internal/domain/capsule"
	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// CapsuleRepository persists time capsules. Payload bytes live in the
// row; shredding zeroes them and drops the key reference, so a deleted
// capsule row is provably unreadable.
type CapsuleRepository struct {
	pool *Pool
}

// NewCapsuleRepository creates the repository
func NewCapsuleRepository(pool *Pool) *CapsuleRepository {
	return &CapsuleRepository{pool: pool}
}

const capsuleColumns = `id, request_id, contract_id, field_manifest_hash, encrypted_payload,
	encryption_key_id, nonce, ttl_seconds, expires_at, status,
	created_at, delivered_at, deleted_at, deletion_receipt_id`

// Insert persists a freshly created capsule
func (r *CapsuleRepository) Insert(ctx context.Context, c *capsule.TimeCapsule) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO time_capsules (`+capsuleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.RequestID, c.ContractID, c.FieldManifestHash, c.EncryptedPayload,
		nullableString(c.EncryptionKeyID), c.Nonce, int64(c.TTL.Duration().Seconds()),
		c.ExpiresAt, c.Status.String(),
		c.CreatedAt, c.DeliveredAt, c.DeletedAt, c.DeletionReceiptID)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("capsule nonce already registered").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert capsule").WithCause(err)
	}
	return nil
}

// Update writes the capsule's mutable state. Shredded capsules write a
// NULL payload and key so no ciphertext survives the update.
func (r *CapsuleRepository) Update(ctx context.Context, c *capsule.TimeCapsule) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE time_capsules SET
			encrypted_payload = $1, encryption_key_id = $2, status = $3,
			delivered_at = $4, deleted_at = $5, deletion_receipt_id = $6
		WHERE id = $7`,
		c.EncryptedPayload, nullableString(c.EncryptionKeyID), c.Status.String(),
		c.DeliveredAt, c.DeletedAt, c.DeletionReceiptID, c.ID)
	if err != nil {
		return domainerrors.NewInternalError("failed to update capsule").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrCapsuleNotFound
	}
	return nil
}

// GetByID loads one capsule, or nil when absent
func (r *CapsuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*capsule.TimeCapsule, error) {
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+capsuleColumns+` FROM time_capsules WHERE id = $1`, id)

	c, err := scanCapsule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load capsule").WithCause(err)
	}
	return c, nil
}

// ListExpired returns live capsules whose TTL passed at or before now
func (r *CapsuleRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error) {
	return r.list(ctx, `
		SELECT `+capsuleColumns+`
		FROM time_capsules
		WHERE status IN ('created','delivered') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

// ListPendingDeletion returns expired capsules not yet shredded
func (r *CapsuleRepository) ListPendingDeletion(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error) {
	return r.list(ctx, `
		SELECT `+capsuleColumns+`
		FROM time_capsules
		WHERE status = 'expired' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

// InsertDeletionCertificate persists the proof of crypto-shredding
func (r *CapsuleRepository) InsertDeletionCertificate(ctx context.Context, cert *capsule.DeletionCertificate) error {
	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO deletion_certificates (id, capsule_id, key_id_destroyed, payload_hash, receipt_id, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		cert.ID, cert.CapsuleID, cert.KeyIDDestroyed, cert.PayloadHash,
		cert.ReceiptID, cert.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("capsule already certified deleted").WithCause(err)
		}
		return domainerrors.NewInternalError("failed to insert deletion certificate").WithCause(err)
	}
	return nil
}

// GetDeletionCertificate returns the certificate for a capsule, or nil
func (r *CapsuleRepository) GetDeletionCertificate(ctx context.Context, capsuleID uuid.UUID) (*capsule.DeletionCertificate, error) {
	row := r.pool.Pgx().QueryRow(ctx, `
		SELECT id, capsule_id, key_id_destroyed, payload_hash, receipt_id, deleted_at
		FROM deletion_certificates WHERE capsule_id = $1`, capsuleID)

	var cert capsule.DeletionCertificate
	err := row.Scan(&cert.ID, &cert.CapsuleID, &cert.KeyIDDestroyed,
		&cert.PayloadHash, &cert.ReceiptID, &cert.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load deletion certificate").WithCause(err)
	}
	return &cert, nil
}

func (r *CapsuleRepository) list(ctx context.Context, query string, args ...interface{}) ([]*capsule.TimeCapsule, error) {
	rows, err := r.pool.Pgx().Query(ctx, query, args...)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to list capsules").WithCause(err)
	}
	defer rows.Close()

	var capsules []*capsule.TimeCapsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, domainerrors.NewInternalError("failed to scan capsule").WithCause(err)
		}
		capsules = append(capsules, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.NewInternalError("failed to read capsules").WithCause(err)
	}
	return capsules, nil
}

func scanCapsule(row pgx.Row) (*capsule.TimeCapsule, error) {
	var (
		c          capsule.TimeCapsule
		keyID      *string
		ttlSeconds int64
		status     string
	)
	err := row.Scan(&c.ID, &c.RequestID, &c.ContractID, &c.FieldManifestHash,
		&c.EncryptedPayload, &keyID, &c.Nonce, &ttlSeconds, &c.ExpiresAt, &status,
		&c.CreatedAt, &c.DeliveredAt, &c.DeletedAt, &c.DeletionReceiptID)
	if err != nil {
		return nil, err
	}
	if keyID != nil {
		c.EncryptionKeyID = *keyID
	}
	ttl, err := values.NewCapsuleTTL(time.Duration(ttlSeconds) * time.Second)
	if err != nil {
		return nil, err
	}
	c.TTL = ttl
	c.Status = capsule.CapsuleStatus(status)
	return &c, nil
}
