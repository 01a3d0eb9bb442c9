package consent

import (
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// Status is the lifecycle state of a consent contract. The set is
// closed: a contract is exactly one of active, revoked or expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Compensation describes what the data subject is owed per fulfilled
// query under this contract.
type Compensation struct {
	Amount values.RiskAmount `json:"amount"`
	Unit   string            `json:"unit"`
}

// Contract is a versioned consent contract between a data subject and a
// requester. The granted field scope is stored both as the normalized
// field list, so enforcement can check that a query requests a subset
// of what was granted, and as a hash bound into signed plan payloads.
//
// Revocation is one way. Once revoked a contract never becomes active
// again, and all enforcement points must observe the revocation within
// 60 seconds.
type Contract struct {
	ID               uuid.UUID          `json:"id"`
	SubjectID        uuid.UUID          `json:"subject_id"`
	RequesterID      uuid.UUID          `json:"requester_id"`
	Scope            privacy.FieldScope `json:"scope"`
	ScopeHash        values.HashValue   `json:"scope_hash"`
	PurposeHash      values.HashValue   `json:"purpose_hash"`
	Directives       []Directive        `json:"directives,omitempty"`
	ValidFrom        time.Time          `json:"valid_from"`
	ValidUntil       time.Time          `json:"valid_until"`
	Compensation     Compensation       `json:"compensation"`
	Status           Status             `json:"status"`
	Version          int                `json:"version"`
	RevokedAt        *time.Time         `json:"revoked_at,omitempty"`
	RevocationReason string             `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NewContract creates a consent contract with validation. New contracts
// start active at version 1. The scope hash is derived from the
// canonical form of the granted fields.
func NewContract(subjectID, requesterID uuid.UUID, scope privacy.FieldScope, purposeHash values.HashValue, validFrom, validUntil time.Time, comp Compensation, directives []Directive) (*Contract, error) {
	if subjectID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_SUBJECT_ID", "subject ID is required")
	}
	if requesterID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_REQUESTER_ID", "requester ID is required")
	}
	if len(scope) == 0 {
		return nil, errors.NewValidationError("MISSING_SCOPE", "granted field scope is required")
	}
	if purposeHash.IsEmpty() {
		return nil, errors.NewValidationError("MISSING_PURPOSE_HASH", "purpose hash is required")
	}
	if validFrom.IsZero() || validUntil.IsZero() {
		return nil, errors.NewValidationError("INVALID_VALIDITY_WINDOW", "validity window is required")
	}
	if !validUntil.After(validFrom) {
		return nil, errors.NewValidationError("INVALID_VALIDITY_WINDOW",
			"valid_until must be after valid_from")
	}
	if comp.Unit == "" {
		return nil, errors.NewValidationError("MISSING_COMPENSATION_UNIT", "compensation unit is required")
	}
	for _, d := range directives {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	scopeHash, err := values.ComputeHashValueFromString(scope.Canonical())
	if err != nil {
		return nil, errors.NewInternalError("hashing granted scope").WithCause(err)
	}

	now := time.Now().UTC()
	return &Contract{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		RequesterID:  requesterID,
		Scope:        scope,
		ScopeHash:    scopeHash,
		PurposeHash:  purposeHash,
		Directives:   directives,
		ValidFrom:    validFrom.UTC(),
		ValidUntil:   validUntil.UTC(),
		Compensation: comp,
		Status:       StatusActive,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Revoke marks the contract revoked. Revoking an already revoked
// contract is a conflict; the first revocation wins.
func (c *Contract) Revoke(reason string) error {
	if c.Status == StatusRevoked {
		return errors.NewConflictError("consent contract is already revoked")
	}
	if reason == "" {
		return errors.NewValidationError("MISSING_REVOCATION_REASON",
			"revocation reason is required")
	}

	now := time.Now().UTC()
	c.Status = StatusRevoked
	c.RevokedAt = &now
	c.RevocationReason = reason
	c.Version++
	c.UpdatedAt = now
	return nil
}

// ExpireIfPast transitions an active contract to expired when its
// validity window has passed. Revoked contracts stay revoked.
func (c *Contract) ExpireIfPast(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if now.Before(c.ValidUntil) {
		return false
	}
	c.Status = StatusExpired
	c.Version++
	c.UpdatedAt = now.UTC()
	return true
}

// IsActiveAt reports whether the contract authorizes access at t. The
// check is strict: status must be active and t must fall inside the
// validity window.
func (c *Contract) IsActiveAt(t time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if t.Before(c.ValidFrom) {
		return false
	}
	if !t.Before(c.ValidUntil) {
		return false
	}
	return true
}

// CoversScope reports whether every requested field was granted. A
// query may always ask for less than the contract covers, never more.
func (c *Contract) CoversScope(requested privacy.FieldScope) bool {
	return c.Scope.Contains(requested)
}

// CoversPurpose reports whether the contract's purpose hash matches.
func (c *Contract) CoversPurpose(purposeHash values.HashValue) bool {
	return c.PurposeHash.Equal(purposeHash)
}
