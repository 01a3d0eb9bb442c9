package capsule

import (
	"time"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// NonceStatus is the state of a registered nonce. The only transition
// is active -> used; there is no way back.
type NonceStatus string

const (
	NonceStatusActive NonceStatus = "active"
	NonceStatusUsed   NonceStatus = "used"
)

// NonceRecord tracks a single-use nonce in the registry. A second use
// attempt is a replay and must be both rejected and audited.
type NonceRecord struct {
	Value    values.Nonce `json:"value"`
	Status   NonceStatus  `json:"status"`
	IssuedAt time.Time    `json:"issued_at"`
	UsedAt   *time.Time   `json:"used_at,omitempty"`
	UsedBy   *uuid.UUID   `json:"used_by,omitempty"`
}

// NewNonceRecord registers a freshly issued nonce
func NewNonceRecord(nonce values.Nonce) (*NonceRecord, error) {
	if nonce.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_NONCE", "nonce is required")
	}
	return &NonceRecord{
		Value:    nonce,
		Status:   NonceStatusActive,
		IssuedAt: time.Now().UTC(),
	}, nil
}

// Use consumes the nonce for the given query. Using an already used
// nonce returns ErrNonceReused carrying the original consumer.
func (r *NonceRecord) Use(queryID uuid.UUID) error {
	if queryID == uuid.Nil {
		return errors.NewValidationError("INVALID_QUERY_ID", "query ID is required")
	}
	if r.Status == NonceStatusUsed {
		details := map[string]interface{}{"nonce": r.Value.String()}
		if r.UsedBy != nil {
			details["used_by"] = r.UsedBy.String()
		}
		return errors.ErrNonceReused.WithDetails(details)
	}

	now := time.Now().UTC()
	r.Status = NonceStatusUsed
	r.UsedAt = &now
	r.UsedBy = &queryID
	return nil
}
