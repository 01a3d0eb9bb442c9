package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// EventType classifies a receipt. The set is closed; appends with an
// unknown type are rejected.
type EventType string

const (
	EventConsentGranted  EventType = "consent.granted"
	EventConsentRevoked  EventType = "consent.revoked"
	EventConsentExpired  EventType = "consent.expired"
	EventBudgetLocked    EventType = "budget.locked"
	EventBudgetConsumed  EventType = "budget.consumed"
	EventPolicyDecision  EventType = "policy.decision"
	EventQuerySigned     EventType = "query.signed"
	EventQueryDispatched EventType = "query.dispatched"
	EventQueryCollected  EventType = "query.collected"
	EventCapsuleCreated  EventType = "capsule.created"
	EventCapsuleDelivered EventType = "capsule.delivered"
	EventCapsuleDeleted  EventType = "capsule.deleted"
	EventNonceReplay     EventType = "nonce.replay"
	EventAnchorCreated   EventType = "anchor.created"
	EventSettlementDue   EventType = "settlement.due"
)

// GenesisHash is the previous-hash sentinel of the first receipt in a
// shard.
const GenesisHash = "GENESIS"

// validEventTypes is the closed set of receipt types
var validEventTypes = map[EventType]bool{
	EventConsentGranted: true, EventConsentRevoked: true, EventConsentExpired: true,
	EventBudgetLocked: true, EventBudgetConsumed: true,
	EventPolicyDecision: true,
	EventQuerySigned: true, EventQueryDispatched: true, EventQueryCollected: true,
	EventCapsuleCreated: true, EventCapsuleDelivered: true, EventCapsuleDeleted: true,
	EventNonceReplay: true, EventAnchorCreated: true, EventSettlementDue: true,
}

// IsValid reports whether t is a known event type
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

func (t EventType) String() string {
	return string(t)
}

// Receipt is an immutable, hash-chained audit record. Once Seal has
// computed the hash the receipt cannot be modified; verification
// recomputes the hash from a clone.
type Receipt struct {
	ID             uuid.UUID             `json:"id"`
	Shard          string                `json:"shard"`
	SequenceNumber values.SequenceNumber `json:"sequence_number"`
	EventType      EventType             `json:"event_type"`
	Timestamp      time.Time             `json:"timestamp"`
	TimestampNano  int64                 `json:"timestamp_nano"`

	ActorID      string `json:"actor_id"`
	ActorType    string `json:"actor_type"` // subject, requester, system
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`

	DetailsHash  values.HashValue `json:"details_hash"`
	PreviousHash string           `json:"previous_hash"`
	Hash         values.HashValue `json:"hash"`

	IdempotencyKey string `json:"idempotency_key"`

	// set after Seal; sealed receipts reject further hashing
	sealed bool
}

// NewReceipt creates an unsealed receipt. Shard, sequence and previous
// hash are assigned by the chain writer before sealing.
func NewReceipt(eventType EventType, actorID, actorType, resourceID, resourceType string, details map[string]interface{}, idempotencyKey string) (*Receipt, error) {
	if !eventType.IsValid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type %q", eventType))
	}
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR_ID", "actor ID is required")
	}
	if actorType == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR_TYPE", "actor type is required")
	}
	if resourceID == "" {
		return nil, errors.NewValidationError("MISSING_RESOURCE_ID", "resource ID is required")
	}
	if resourceType == "" {
		return nil, errors.NewValidationError("MISSING_RESOURCE_TYPE", "resource type is required")
	}
	if idempotencyKey == "" {
		return nil, errors.NewValidationError("MISSING_IDEMPOTENCY_KEY",
			"idempotency key is required")
	}

	detailsHash, err := hashDetails(details)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Receipt{
		ID:             uuid.New(),
		EventType:      eventType,
		Timestamp:      now,
		TimestampNano:  now.UnixNano(),
		ActorID:        actorID,
		ActorType:      actorType,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		DetailsHash:    detailsHash,
		IdempotencyKey: idempotencyKey,
	}, nil
}

// hashDetails produces the canonical hash of the details map. Keys are
// sorted so the hash is deterministic; nil details hash an empty
// object.
func hashDetails(details map[string]interface{}) (values.HashValue, error) {
	if details == nil {
		details = map[string]interface{}{}
	}

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(details[k])
		if err != nil {
			return values.HashValue{}, errors.NewInternalError(
				"failed to marshal receipt details").WithCause(err)
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')

	return values.ComputeHashValueFromString(b.String())
}

// canonical returns the pipe-joined string the receipt hash covers.
// Field order is fixed; changing it breaks every existing chain.
func (r *Receipt) canonical() string {
	return strings.Join([]string{
		string(r.EventType),
		fmt.Sprintf("%d", r.TimestampNano),
		r.ActorID,
		r.ActorType,
		r.ResourceID,
		r.ResourceType,
		r.DetailsHash.String(),
		r.PreviousHash,
	}, "|")
}

// Seal assigns the receipt its place in the chain and computes its
// hash. Sealing is one way: a sealed receipt rejects further sealing.
func (r *Receipt) Seal(shard string, seq values.SequenceNumber, previousHash string) error {
	if r.sealed {
		return errors.NewBusinessError("RECEIPT_SEALED",
			"cannot reseal an immutable receipt")
	}
	if shard == "" {
		return errors.NewValidationError("MISSING_SHARD", "shard is required")
	}
	if seq.IsZero() {
		return errors.NewValidationError("INVALID_SEQUENCE",
			"sequence number is required")
	}
	if previousHash == "" {
		return errors.NewValidationError("MISSING_PREVIOUS_HASH",
			"previous hash is required (use GENESIS for the first receipt)")
	}
	if seq.Uint64() == 1 && previousHash != GenesisHash {
		return errors.NewValidationError("INVALID_GENESIS",
			"first receipt of a shard must chain from GENESIS")
	}

	r.Shard = shard
	r.SequenceNumber = seq
	r.PreviousHash = previousHash

	sum := sha256.Sum256([]byte(r.canonical()))
	hash, err := values.NewHashValue(hex.EncodeToString(sum[:]))
	if err != nil {
		return err
	}

	r.Hash = hash
	r.sealed = true
	return nil
}

// IsSealed reports whether the receipt is immutable
func (r *Receipt) IsSealed() bool {
	return r.sealed
}

// VerifyHash recomputes the hash over the receipt's current fields and
// compares it to the stored hash.
func (r *Receipt) VerifyHash() bool {
	if !r.sealed || r.Hash.IsEmpty() {
		return false
	}
	sum := sha256.Sum256([]byte(r.canonical()))
	return r.Hash.String() == hex.EncodeToString(sum[:])
}

// Validate checks the structural integrity of a sealed receipt
func (r *Receipt) Validate() error {
	if !r.EventType.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type %q", r.EventType))
	}
	if r.ActorID == "" || r.ResourceID == "" {
		return errors.NewValidationError("INCOMPLETE_RECEIPT",
			"receipt is missing actor or resource")
	}
	if r.sealed && r.Hash.IsEmpty() {
		return errors.NewValidationError("MISSING_HASH",
			"sealed receipt must carry its hash")
	}
	return nil
}

// Clone returns a mutable deep copy, used by verification to recompute
// hashes without touching the original.
func (r *Receipt) Clone() *Receipt {
	clone := *r
	clone.sealed = false
	return &clone
}

// Reseal marks a receipt loaded from storage as sealed without
// recomputing its hash. Repositories use it when hydrating rows.
func (r *Receipt) Reseal() {
	r.sealed = true
}
