package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/privacy"
)

// Decision reason codes. Exactly one is attached to every decision.
const (
	ReasonAllow       = "ALLOW"
	ReasonDenyConsent = "DENY_CONSENT"
	ReasonDenyScope   = "DENY_SCOPE"
	ReasonDenyBudget  = "DENY_BUDGET"
	ReasonDenyCohort  = "DENY_COHORT"
	ReasonDenyLinkage = "DENY_LINKAGE"
	ReasonDenyRisk    = "DENY_RISK"
	ReasonDenyError   = "DENY_ERROR"
	ReasonDenyTimeout = "DENY_TIMEOUT"
	ReasonDenyPanic   = "DENY_PANIC"
)

// CohortEstimator answers how many distinct subjects a query over the
// given scope would draw from. The estimate is produced inside the
// pipeline; callers never supply their own cohort size.
type CohortEstimator interface {
	EstimateCohort(ctx context.Context, contractID uuid.UUID, scope privacy.FieldScope) (int, error)
}

// RiskSignal is an external risk assessment fed into evaluation.
// Signals tighten only: a denying signal can turn an allow into a
// deny, never the reverse.
type RiskSignal struct {
	Source string `json:"source"`
	Deny   bool   `json:"deny"`
	Reason string `json:"reason,omitempty"`
}

// EvaluateRequest describes one query to gate. The charged cost is
// computed inside the pipeline from the declared transforms and the
// estimated cohort, never taken from the caller.
type EvaluateRequest struct {
	QueryID     uuid.UUID               `json:"query_id" validate:"required"`
	ContractID  uuid.UUID               `json:"contract_id" validate:"required"`
	RequesterID uuid.UUID               `json:"requester_id" validate:"required"`
	BudgetID    uuid.UUID               `json:"budget_id" validate:"required"`
	FieldScope  privacy.FieldScope      `json:"field_scope"`
	Transforms  []privacy.TransformSpec `json:"transforms"`
	Export      privacy.ExportMode      `json:"export"`
	RiskSignals []RiskSignal            `json:"risk_signals,omitempty"`
}

// Decision is the outcome of a policy evaluation. Every decision is
// chained as a policy.decision receipt; an allow whose receipt cannot
// be chained is converted to a deny.
type Decision struct {
	QueryID     uuid.UUID  `json:"query_id"`
	Allowed     bool       `json:"allowed"`
	Reason      string     `json:"reason"`
	Detail      string     `json:"detail,omitempty"`
	ReceiptID   *uuid.UUID `json:"receipt_id,omitempty"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
}

// Evaluator is the fail-closed policy gate in front of every query.
// No code path returns an allow by accident: errors, timeouts and
// panics all map onto deny reasons.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) Decision
}
