package query

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/capsule"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/service/policy"
)

// PlanRepository persists query plans
type PlanRepository interface {
	Insert(ctx context.Context, p *capsule.QueryPlan) error
	Update(ctx context.Context, p *capsule.QueryPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*capsule.QueryPlan, error)
	ListStale(ctx context.Context, now time.Time, limit int) ([]*capsule.QueryPlan, error)
}

// CapsuleRepository persists time capsules and deletion certificates
type CapsuleRepository interface {
	Insert(ctx context.Context, c *capsule.TimeCapsule) error
	Update(ctx context.Context, c *capsule.TimeCapsule) error
	GetByID(ctx context.Context, id uuid.UUID) (*capsule.TimeCapsule, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error)
	ListPendingDeletion(ctx context.Context, now time.Time, limit int) ([]*capsule.TimeCapsule, error)
	InsertDeletionCertificate(ctx context.Context, cert *capsule.DeletionCertificate) error
	GetDeletionCertificate(ctx context.Context, capsuleID uuid.UUID) (*capsule.DeletionCertificate, error)
}

// NonceRegistry is the durable single-use nonce store. Use must be
// atomic: exactly one caller wins, losers get ErrNonceReused.
type NonceRegistry interface {
	Register(ctx context.Context, rec *capsule.NonceRecord) error
	Use(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) error
	Get(ctx context.Context, nonce values.Nonce) (*capsule.NonceRecord, error)
}

// ReplayGuard is the fast-path replay rejector in front of the
// registry. A false from TryUse means the nonce was already claimed.
type ReplayGuard interface {
	TryUse(ctx context.Context, nonce values.Nonce, queryID uuid.UUID) (bool, error)
}

// PrepareRequest describes a query plan to create and sign. The cost
// estimate is computed from the declared transforms; callers never
// price their own queries.
type PrepareRequest struct {
	RequestID   uuid.UUID               `json:"request_id" validate:"required"`
	ContractID  uuid.UUID               `json:"contract_id" validate:"required"`
	RequesterID uuid.UUID               `json:"requester_id" validate:"required"`
	Fields      []string                `json:"fields" validate:"required,min=1"`
	PurposeHash values.HashValue        `json:"purpose_hash"`
	Transforms  []privacy.TransformSpec `json:"transforms" validate:"required,min=1"`
	Export      privacy.ExportMode      `json:"export"`
	Validity    time.Duration           `json:"validity"`
}

// DispatchRequest carries the runtime facts the policy gate needs
type DispatchRequest struct {
	PlanID      uuid.UUID           `json:"plan_id" validate:"required"`
	BudgetID    uuid.UUID           `json:"budget_id" validate:"required"`
	RiskSignals []policy.RiskSignal `json:"risk_signals,omitempty"`
}

// DispatchResult pairs the plan with the policy decision that gated it
type DispatchResult struct {
	Plan     *capsule.QueryPlan `json:"plan"`
	Decision policy.Decision    `json:"decision"`
}

// Service orchestrates the query lifecycle: signed plan, gated
// dispatch, device collection, capsule delivery and access.
type Service interface {
	PreparePlan(ctx context.Context, req PrepareRequest) (*capsule.QueryPlan, error)
	// Dispatch burns the plan's nonce, verifies its signature and runs
	// the policy gate. A replayed nonce is rejected and audited.
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
	// CollectResponses fans the dispatched plan out to the eligible
	// devices, honoring each device's consent directives, and gathers
	// answers until all reply or the timeout passes. Devices that miss
	// the deadline make the result partial, not failed.
	CollectResponses(ctx context.Context, planID uuid.UUID, timeout time.Duration) (*CollectionResult, error)
	// CompleteWithCapsule re-checks consent and seals the collected
	// responses into a TTL-bound capsule. Revocation between dispatch
	// and completion aborts the capsule.
	CompleteWithCapsule(ctx context.Context, planID uuid.UUID, collection *CollectionResult, keyID string, ttl values.CapsuleTTL) (*capsule.TimeCapsule, error)
	// DeliverCapsule marks the capsule delivered and posts the
	// subject's compensation to the settlement ledger.
	DeliverCapsule(ctx context.Context, capsuleID uuid.UUID) (*capsule.TimeCapsule, error)
	// AccessCapsule returns the encrypted payload while the TTL holds.
	// The capsule's single-use nonce must be presented and is burned on
	// first access.
	AccessCapsule(ctx context.Context, capsuleID uuid.UUID, nonce values.Nonce) ([]byte, error)
	GetPlan(ctx context.Context, planID uuid.UUID) (*capsule.QueryPlan, error)
	GetCapsule(ctx context.Context, capsuleID uuid.UUID) (*capsule.TimeCapsule, error)
}
