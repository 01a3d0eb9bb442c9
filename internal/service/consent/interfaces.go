package consent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/consent"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// ContractRepository persists consent contracts
type ContractRepository interface {
	Save(ctx context.Context, c *consent.Contract) error
	GetByID(ctx context.Context, id uuid.UUID) (*consent.Contract, error)
	FindActive(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue, at time.Time) (*consent.Contract, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error)
}

// DecisionCache caches per-contract activity decisions at enforcement
// points. Entries must never outlive the revocation propagation bound.
type DecisionCache interface {
	GetActive(ctx context.Context, contractID uuid.UUID) (active bool, found bool, err error)
	SetActive(ctx context.Context, contractID uuid.UUID, active bool) error
	Invalidate(ctx context.Context, contractID uuid.UUID) error
}

// GrantRequest describes a new consent contract
type GrantRequest struct {
	SubjectID    uuid.UUID            `json:"subject_id" validate:"required"`
	RequesterID  uuid.UUID            `json:"requester_id" validate:"required"`
	Scope        []string             `json:"scope" validate:"required,min=1"`
	PurposeHash  values.HashValue     `json:"purpose_hash"`
	Directives   []consent.Directive  `json:"directives,omitempty"`
	ValidFrom    time.Time            `json:"valid_from"`
	ValidUntil   time.Time            `json:"valid_until"`
	Compensation consent.Compensation `json:"compensation"`
}

// Service is the consent ledger API. Every check is fail-closed: an
// error from storage or cache means no access.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*consent.Contract, error)
	Revoke(ctx context.Context, contractID uuid.UUID, actorID, reason string) (*consent.Contract, error)
	Get(ctx context.Context, contractID uuid.UUID) (*consent.Contract, error)
	ActiveContract(ctx context.Context, subjectID, requesterID uuid.UUID, purposeHash values.HashValue) (*consent.Contract, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*consent.Contract, error)
	// CheckActive reports whether the contract authorizes access right
	// now. Cache misses fall through to storage; any failure denies.
	CheckActive(ctx context.Context, contractID uuid.UUID) (bool, error)
	// EvaluateAccess checks that the contract is active and that every
	// requested field was granted. Any failure denies.
	EvaluateAccess(ctx context.Context, contractID uuid.UUID, requested privacy.FieldScope) error
}
