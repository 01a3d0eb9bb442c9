package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// Anchor records the Merkle root of a batch of receipts that was
// committed to an external anchoring sink. ExternalRef is whatever
// handle the sink returned.
type Anchor struct {
	ID            uuid.UUID             `json:"id"`
	Shard         string                `json:"shard"`
	Root          values.HashValue      `json:"root"`
	FirstSequence values.SequenceNumber `json:"first_sequence"`
	LastSequence  values.SequenceNumber `json:"last_sequence"`
	LeafCount     int                   `json:"leaf_count"`
	ExternalRef   string                `json:"external_ref,omitempty"`
	AnchoredAt    time.Time             `json:"anchored_at"`
}

// NewAnchor creates an anchor for a verified receipt batch
func NewAnchor(shard string, root values.HashValue, first, last values.SequenceNumber, leafCount int) (*Anchor, error) {
	if shard == "" {
		return nil, errors.NewValidationError("MISSING_SHARD", "shard is required")
	}
	if root.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_ROOT", "merkle root is required")
	}
	if first.IsZero() || last.IsZero() {
		return nil, errors.NewValidationError("INVALID_ANCHOR_RANGE",
			"anchor sequence range is required")
	}
	if last.Uint64() < first.Uint64() {
		return nil, errors.NewValidationError("INVALID_ANCHOR_RANGE",
			"anchor range end precedes start")
	}
	if leafCount <= 0 {
		return nil, errors.NewValidationError("INVALID_LEAF_COUNT",
			"anchor must cover at least one receipt")
	}

	return &Anchor{
		ID:            uuid.New(),
		Shard:         shard,
		Root:          root,
		FirstSequence: first,
		LastSequence:  last,
		LeafCount:     leafCount,
		AnchoredAt:    time.Now().UTC(),
	}, nil
}
