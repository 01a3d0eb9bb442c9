package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// ReceiptRepository persists sealed receipts. Insert must enforce the
// (shard, sequence_number) and idempotency key uniqueness at the
// storage layer; the chain writer relies on both.
type ReceiptRepository interface {
	Insert(ctx context.Context, receipt *audit.Receipt) error
	GetByID(ctx context.Context, id uuid.UUID) (*audit.Receipt, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*audit.Receipt, error)
	// Tail returns the highest-sequence receipt of a shard, or nil for
	// an empty shard.
	Tail(ctx context.Context, shard string) (*audit.Receipt, error)
	ListRange(ctx context.Context, shard string, from, to values.SequenceNumber) ([]*audit.Receipt, error)
	// ListUnanchored returns up to limit receipts past the last
	// anchored sequence, in sequence order.
	ListUnanchored(ctx context.Context, shard string, afterSeq uint64, limit int) ([]*audit.Receipt, error)
}

// AnchorRepository persists Merkle anchors
type AnchorRepository interface {
	Insert(ctx context.Context, anchor *audit.Anchor) error
	Latest(ctx context.Context, shard string) (*audit.Anchor, error)
	GetByID(ctx context.Context, id uuid.UUID) (*audit.Anchor, error)
	// FindCovering returns the anchor whose sequence range contains seq
	FindCovering(ctx context.Context, shard string, seq uint64) (*audit.Anchor, error)
}

// AnchorSink is the external anchoring target. Commit returns an
// opaque reference to the committed root.
type AnchorSink interface {
	Commit(ctx context.Context, shard string, root values.HashValue) (string, error)
}

// AppendRequest describes one receipt to append to the chain
type AppendRequest struct {
	Shard          string
	EventType      audit.EventType
	ActorID        string
	ActorType      string
	ResourceID     string
	ResourceType   string
	Details        map[string]interface{}
	IdempotencyKey string
}

// Service is the audit chain API used by the rest of the system
type Service interface {
	Append(ctx context.Context, req AppendRequest) (*audit.Receipt, error)
	GetReceipt(ctx context.Context, id uuid.UUID) (*audit.Receipt, error)
	ListReceipts(ctx context.Context, shard string, from, to uint64) ([]*audit.Receipt, error)
	VerifyRange(ctx context.Context, shard string, from, to uint64) (*audit.ChainVerificationResult, error)
	Prove(ctx context.Context, receiptID uuid.UUID) (string, error)
	Close()
}
