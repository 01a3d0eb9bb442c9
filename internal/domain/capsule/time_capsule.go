package capsule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// CapsuleStatus is the lifecycle state of a time capsule
type CapsuleStatus string

const (
	CapsuleStatusCreated   CapsuleStatus = "created"
	CapsuleStatusDelivered CapsuleStatus = "delivered"
	CapsuleStatusExpired   CapsuleStatus = "expired"
	CapsuleStatusDeleted   CapsuleStatus = "deleted"
)

// IsValid reports whether s is a known status
func (s CapsuleStatus) IsValid() bool {
	switch s {
	case CapsuleStatusCreated, CapsuleStatusDelivered, CapsuleStatusExpired, CapsuleStatusDeleted:
		return true
	}
	return false
}

func (s CapsuleStatus) String() string {
	return string(s)
}

// TimeCapsule is the encrypted, time-limited container query results
// are delivered in. Every capsule carries a mandatory TTL; once the TTL
// passes the capsule must be crypto-shredded and deleted within one
// hour, leaving only a deletion certificate behind.
type TimeCapsule struct {
	ID                uuid.UUID         `json:"id"`
	RequestID         uuid.UUID         `json:"request_id"`
	ContractID        uuid.UUID         `json:"contract_id"`
	FieldManifestHash values.HashValue  `json:"field_manifest_hash"`
	EncryptedPayload  []byte            `json:"-"`
	EncryptionKeyID   string            `json:"encryption_key_id"`
	Nonce             values.Nonce      `json:"nonce"`
	TTL               values.CapsuleTTL `json:"ttl"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Status            CapsuleStatus     `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
	DeletionReceiptID *uuid.UUID        `json:"deletion_receipt_id,omitempty"`
}

// NewTimeCapsule creates a capsule. The TTL is mandatory; callers
// cannot create a capsule that lives forever.
func NewTimeCapsule(requestID, contractID uuid.UUID, manifestHash values.HashValue, payload []byte, keyID string, nonce values.Nonce, ttl values.CapsuleTTL) (*TimeCapsule, error) {
	if requestID == uuid.Nil || contractID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_CAPSULE_IDS",
			"request and contract IDs are required")
	}
	if manifestHash.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_MANIFEST_HASH",
			"field manifest hash is required")
	}
	if len(payload) == 0 {
		return nil, errors.NewValidationError("EMPTY_PAYLOAD",
			"capsule payload cannot be empty")
	}
	if keyID == "" {
		return nil, errors.NewValidationError("MISSING_KEY_ID",
			"encryption key ID is required")
	}
	if nonce.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_NONCE", "capsule nonce is required")
	}
	if ttl.IsZero() {
		return nil, errors.NewValidationError("TTL_INVALID",
			"capsule TTL is mandatory")
	}

	now := time.Now().UTC()
	return &TimeCapsule{
		ID:                uuid.New(),
		RequestID:         requestID,
		ContractID:        contractID,
		FieldManifestHash: manifestHash,
		EncryptedPayload:  payload,
		EncryptionKeyID:   keyID,
		Nonce:             nonce,
		TTL:               ttl,
		ExpiresAt:         ttl.Deadline(now),
		Status:            CapsuleStatusCreated,
		CreatedAt:         now,
	}, nil
}

// IsExpired reports whether the TTL has passed
func (c *TimeCapsule) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ShouldBeDeleted reports whether the deletion grace has also passed,
// meaning the sweeper is late if the capsule still exists.
func (c *TimeCapsule) ShouldBeDeleted(now time.Time) bool {
	return now.After(c.ExpiresAt.Add(values.DeletionGrace))
}

// MarkDelivered records delivery of a created capsule
func (c *TimeCapsule) MarkDelivered() error {
	if c.Status != CapsuleStatusCreated {
		return errors.NewConflictError(
			fmt.Sprintf("cannot deliver capsule in status %s", c.Status))
	}
	now := time.Now().UTC()
	c.Status = CapsuleStatusDelivered
	c.DeliveredAt = &now
	return nil
}

// MarkExpired transitions a live capsule to expired
func (c *TimeCapsule) MarkExpired() error {
	switch c.Status {
	case CapsuleStatusExpired, CapsuleStatusDeleted:
		return errors.NewConflictError(
			fmt.Sprintf("cannot expire capsule in status %s", c.Status))
	}
	c.Status = CapsuleStatusExpired
	return nil
}

// Shred crypto-shreds the capsule: the payload is zeroed, the key
// reference dropped and the capsule marked deleted. The deletion
// receipt ID links the capsule to its certificate in the audit chain.
func (c *TimeCapsule) Shred(deletionReceiptID uuid.UUID) error {
	if c.Status == CapsuleStatusDeleted {
		return errors.NewConflictError("capsule is already deleted")
	}
	if deletionReceiptID == uuid.Nil {
		return errors.NewValidationError("MISSING_DELETION_RECEIPT",
			"deletion receipt ID is required")
	}

	for i := range c.EncryptedPayload {
		c.EncryptedPayload[i] = 0
	}
	c.EncryptedPayload = nil
	c.EncryptionKeyID = ""

	now := time.Now().UTC()
	c.Status = CapsuleStatusDeleted
	c.DeletedAt = &now
	c.DeletionReceiptID = &deletionReceiptID
	return nil
}
