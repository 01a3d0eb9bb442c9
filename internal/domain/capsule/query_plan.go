package capsule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// PlanStatus is the lifecycle state of a query plan. Transitions are
// one way; a plan that leaves pending never returns to it.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusSigned     PlanStatus = "signed"
	PlanStatusDispatched PlanStatus = "dispatched"
	PlanStatusExecuted   PlanStatus = "executed"
	PlanStatusExpired    PlanStatus = "expired"
	PlanStatusRejected   PlanStatus = "rejected"
)

// IsValid reports whether s is a known status
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusPending, PlanStatusSigned, PlanStatusDispatched,
		PlanStatusExecuted, PlanStatusExpired, PlanStatusRejected:
		return true
	}
	return false
}

func (s PlanStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the plan can transition no further
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusExecuted, PlanStatusExpired, PlanStatusRejected:
		return true
	}
	return false
}

// QueryPlan is a signed description of exactly what a query may touch:
// the contract it runs under, the fields it reads, the transforms it
// applies and the worst-case cost against the privacy budget. The
// signature covers the canonical payload so a plan cannot be altered
// between signing and dispatch.
type QueryPlan struct {
	ID           uuid.UUID               `json:"id"`
	RequestID    uuid.UUID               `json:"request_id"`
	ContractID   uuid.UUID               `json:"contract_id"`
	RequesterID  uuid.UUID               `json:"requester_id"`
	FieldScope   privacy.FieldScope      `json:"field_scope"`
	PurposeHash  values.HashValue        `json:"purpose_hash"`
	Transforms   []privacy.TransformSpec `json:"transforms"`
	Export       privacy.ExportMode      `json:"export"`
	CostEstimate values.RiskAmount       `json:"cost_estimate"`
	Nonce        values.Nonce            `json:"nonce"`
	Status       PlanStatus              `json:"status"`
	ExpiresAt    time.Time               `json:"expires_at"`
	Signature    values.Signature        `json:"signature,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// PlanParams carries everything needed to build a query plan
type PlanParams struct {
	RequestID    uuid.UUID
	ContractID   uuid.UUID
	RequesterID  uuid.UUID
	FieldScope   privacy.FieldScope
	PurposeHash  values.HashValue
	Transforms   []privacy.TransformSpec
	Export       privacy.ExportMode
	CostEstimate values.RiskAmount
	Nonce        values.Nonce
	ExpiresAt    time.Time
}

// NewQueryPlan creates a pending, unsigned query plan
func NewQueryPlan(params PlanParams) (*QueryPlan, error) {
	if params.RequestID == uuid.Nil || params.ContractID == uuid.Nil || params.RequesterID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_PLAN_IDS",
			"request, contract and requester IDs are required")
	}
	if len(params.FieldScope) == 0 {
		return nil, errors.NewValidationError("EMPTY_FIELD_SCOPE",
			"query plan must request at least one field")
	}
	if params.PurposeHash.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_PURPOSE_HASH", "purpose hash is required")
	}
	if len(params.Transforms) == 0 {
		return nil, errors.NewValidationError("MISSING_TRANSFORMS",
			"query plan must declare at least one transform")
	}
	for _, tf := range params.Transforms {
		if !tf.Type.IsValid() || !tf.Sensitivity.IsValid() {
			return nil, errors.NewValidationError("INVALID_TRANSFORM",
				fmt.Sprintf("unknown transform %s", tf.Canonical()))
		}
	}
	if !params.Export.IsValid() {
		return nil, errors.NewValidationError("INVALID_EXPORT_MODE",
			fmt.Sprintf("unknown export mode %q", params.Export))
	}
	if !params.CostEstimate.IsPositive() {
		return nil, errors.NewValidationError("INVALID_COST_ESTIMATE",
			"cost estimate must be positive")
	}
	if params.Nonce.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_NONCE", "plan nonce is required")
	}
	if !params.ExpiresAt.After(time.Now()) {
		return nil, errors.NewValidationError("INVALID_PLAN_EXPIRY",
			"plan expiry must be in the future")
	}

	now := time.Now().UTC()
	return &QueryPlan{
		ID:           uuid.New(),
		RequestID:    params.RequestID,
		ContractID:   params.ContractID,
		RequesterID:  params.RequesterID,
		FieldScope:   params.FieldScope,
		PurposeHash:  params.PurposeHash,
		Transforms:   params.Transforms,
		Export:       params.Export,
		CostEstimate: params.CostEstimate,
		Nonce:        params.Nonce,
		Status:       PlanStatusPending,
		ExpiresAt:    params.ExpiresAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CanonicalPayload returns the pipe-joined string the signature covers.
// Field order is fixed; any change to it invalidates existing
// signatures.
func (p *QueryPlan) CanonicalPayload() string {
	return strings.Join([]string{
		p.ID.String(),
		p.RequestID.String(),
		p.ContractID.String(),
		p.RequesterID.String(),
		p.FieldScope.Canonical(),
		p.PurposeHash.String(),
		privacy.TransformsCanonical(p.Transforms),
		string(p.Export),
		p.CostEstimate.String(),
		p.Nonce.String(),
		fmt.Sprintf("%d", p.ExpiresAt.Unix()),
	}, "|")
}

// Sign computes the plan signature and transitions pending -> signed
func (p *QueryPlan) Sign(key []byte) error {
	if p.Status != PlanStatusPending {
		return errors.NewConflictError(
			fmt.Sprintf("cannot sign plan in status %s", p.Status))
	}

	sig, err := values.ComputeSignature(key, p.CanonicalPayload())
	if err != nil {
		return err
	}

	p.Signature = sig
	p.Status = PlanStatusSigned
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// VerifySignature recomputes the signature over the current payload and
// compares constant time. Any mismatch means the plan was altered after
// signing.
func (p *QueryPlan) VerifySignature(key []byte) error {
	if p.Signature.IsEmpty() {
		return errors.ErrPlanSignatureInvalid.WithDetails(map[string]interface{}{
			"plan_id": p.ID.String(),
			"reason":  "unsigned",
		})
	}

	ok, err := p.Signature.Verify(key, p.CanonicalPayload())
	if err != nil {
		return errors.ErrPlanSignatureInvalid.WithCause(err)
	}
	if !ok {
		return errors.ErrPlanSignatureInvalid.WithDetails(map[string]interface{}{
			"plan_id": p.ID.String(),
		})
	}
	return nil
}

// MarkDispatched transitions signed -> dispatched
func (p *QueryPlan) MarkDispatched() error {
	return p.transition(PlanStatusSigned, PlanStatusDispatched)
}

// MarkExecuted transitions dispatched -> executed
func (p *QueryPlan) MarkExecuted() error {
	return p.transition(PlanStatusDispatched, PlanStatusExecuted)
}

// Reject moves a non-terminal plan to rejected
func (p *QueryPlan) Reject() error {
	if p.Status.IsTerminal() {
		return errors.NewConflictError(
			fmt.Sprintf("cannot reject plan in terminal status %s", p.Status))
	}
	p.Status = PlanStatusRejected
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ExpireIfPast moves a stale non-terminal plan to expired
func (p *QueryPlan) ExpireIfPast(now time.Time) bool {
	if p.Status.IsTerminal() {
		return false
	}
	if now.Before(p.ExpiresAt) {
		return false
	}
	p.Status = PlanStatusExpired
	p.UpdatedAt = now.UTC()
	return true
}

// IsExpired reports whether the plan is past its expiry
func (p *QueryPlan) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p *QueryPlan) transition(from, to PlanStatus) error {
	if p.Status != from {
		return errors.NewConflictError(
			fmt.Sprintf("invalid plan transition %s -> %s", p.Status, to))
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}
