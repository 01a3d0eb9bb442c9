package values

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// CapsuleTTL is the mandatory time-to-live of a time capsule. TTLs must
// be positive and never exceed 168 hours. Expired capsules must be
// crypto-shredded within one hour of the deadline.
type CapsuleTTL struct {
	duration time.Duration
}

const (
	// MaxCapsuleTTL is the longest TTL a capsule may carry (7 days).
	MaxCapsuleTTL = 168 * time.Hour

	// DeletionGrace is the window after TTL expiry within which the
	// capsule must be shredded and deleted.
	DeletionGrace = time.Hour
)

// NewCapsuleTTL validates and creates a CapsuleTTL
func NewCapsuleTTL(d time.Duration) (CapsuleTTL, error) {
	if d <= 0 {
		return CapsuleTTL{}, errors.NewValidationError("TTL_INVALID",
			"capsule TTL must be positive")
	}
	if d > MaxCapsuleTTL {
		return CapsuleTTL{}, errors.NewValidationError("TTL_INVALID",
			fmt.Sprintf("capsule TTL cannot exceed %s", MaxCapsuleTTL))
	}
	return CapsuleTTL{duration: d}, nil
}

// MustNewCapsuleTTL creates a CapsuleTTL and panics on error (for tests)
func MustNewCapsuleTTL(d time.Duration) CapsuleTTL {
	ttl, err := NewCapsuleTTL(d)
	if err != nil {
		panic(err)
	}
	return ttl
}

// Duration returns the underlying duration
func (t CapsuleTTL) Duration() time.Duration {
	return t.duration
}

// Deadline returns the expiry instant for a capsule created at from
func (t CapsuleTTL) Deadline(from time.Time) time.Time {
	return from.Add(t.duration)
}

// DeleteBy returns the latest instant by which the capsule must be
// deleted: the TTL deadline plus the deletion grace.
func (t CapsuleTTL) DeleteBy(from time.Time) time.Time {
	return t.Deadline(from).Add(DeletionGrace)
}

// IsZero reports whether the TTL is unset
func (t CapsuleTTL) IsZero() bool {
	return t.duration == 0
}

func (t CapsuleTTL) String() string {
	return t.duration.String()
}

// MarshalJSON implements JSON marshaling as a duration string
func (t CapsuleTTL) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.duration.String())
}

// UnmarshalJSON implements JSON unmarshaling
func (t *CapsuleTTL) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	ttl, err := NewCapsuleTTL(d)
	if err != nil {
		return err
	}

	*t = ttl
	return nil
}
