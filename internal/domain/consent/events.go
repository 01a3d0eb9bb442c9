package consent

import (
	"time"

	"github.com/google/uuid"
)

// Domain events emitted by the consent ledger. The revoked event is
// also published to enforcement-point caches so revocation propagates
// inside the 60 second bound.

type ContractCreatedEvent struct {
	ContractID  uuid.UUID `json:"contract_id"`
	SubjectID   uuid.UUID `json:"subject_id"`
	RequesterID uuid.UUID `json:"requester_id"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type ContractRevokedEvent struct {
	ContractID uuid.UUID `json:"contract_id"`
	SubjectID  uuid.UUID `json:"subject_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ContractExpiredEvent struct {
	ContractID uuid.UUID `json:"contract_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewContractCreatedEvent builds the creation event for a contract
func NewContractCreatedEvent(c *Contract) ContractCreatedEvent {
	return ContractCreatedEvent{
		ContractID:  c.ID,
		SubjectID:   c.SubjectID,
		RequesterID: c.RequesterID,
		ValidFrom:   c.ValidFrom,
		ValidUntil:  c.ValidUntil,
		OccurredAt:  time.Now().UTC(),
	}
}

// NewContractRevokedEvent builds the revocation event for a contract
func NewContractRevokedEvent(c *Contract) ContractRevokedEvent {
	occurred := time.Now().UTC()
	if c.RevokedAt != nil {
		occurred = *c.RevokedAt
	}
	return ContractRevokedEvent{
		ContractID: c.ID,
		SubjectID:  c.SubjectID,
		Reason:     c.RevocationReason,
		OccurredAt: occurred,
	}
}
