package capsule

import (
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// DeletionCertificate proves a capsule was crypto-shredded: it records
// the destroyed key, a hash of the payload taken before shredding and
// the audit receipt the deletion was chained under.
type DeletionCertificate struct {
	ID             uuid.UUID        `json:"id"`
	CapsuleID      uuid.UUID        `json:"capsule_id"`
	KeyIDDestroyed string           `json:"key_id_destroyed"`
	PayloadHash    values.HashValue `json:"payload_hash"`
	ReceiptID      uuid.UUID        `json:"receipt_id"`
	DeletedAt      time.Time        `json:"deleted_at"`
}

// NewDeletionCertificate builds the certificate for a shredded capsule.
// The payload hash must be computed before Shred zeroes the payload.
func NewDeletionCertificate(capsuleID uuid.UUID, keyID string, payloadHash values.HashValue, receiptID uuid.UUID) (*DeletionCertificate, error) {
	if capsuleID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_CAPSULE_ID", "capsule ID is required")
	}
	if keyID == "" {
		return nil, errors.NewValidationError("MISSING_KEY_ID",
			"destroyed key ID is required")
	}
	if payloadHash.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_PAYLOAD_HASH",
			"pre-shred payload hash is required")
	}
	if receiptID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_RECEIPT_ID",
			"audit receipt ID is required")
	}

	return &DeletionCertificate{
		ID:             uuid.New(),
		CapsuleID:      capsuleID,
		KeyIDDestroyed: keyID,
		PayloadHash:    payloadHash,
		ReceiptID:      receiptID,
		DeletedAt:      time.Now().UTC(),
	}, nil
}
