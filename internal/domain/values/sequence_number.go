package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// SequenceNumber represents a receipt sequence number within a shard.
// Sequences start at 1 and are strictly monotonic with no gaps.
type SequenceNumber struct {
	value uint64
}

// NewSequenceNumber creates a new SequenceNumber with validation
func NewSequenceNumber(value uint64) (SequenceNumber, error) {
	if value == 0 {
		return SequenceNumber{}, errors.NewValidationError("INVALID_SEQUENCE",
			"sequence number must be positive (starts at 1)")
	}
	return SequenceNumber{value: value}, nil
}

// FirstSequenceNumber returns the first sequence number of a shard
func FirstSequenceNumber() SequenceNumber {
	return SequenceNumber{value: 1}
}

// MustNewSequenceNumber creates SequenceNumber and panics on error (for tests)
func MustNewSequenceNumber(value uint64) SequenceNumber {
	s, err := NewSequenceNumber(value)
	if err != nil {
		panic(err)
	}
	return s
}

// Value returns the underlying uint64
func (s SequenceNumber) Uint64() uint64 {
	return s.value
}

// Next returns the successor sequence number
func (s SequenceNumber) Next() SequenceNumber {
	return SequenceNumber{value: s.value + 1}
}

// IsZero reports whether the sequence number is unset
func (s SequenceNumber) IsZero() bool {
	return s.value == 0
}

// Follows reports whether s is exactly prev+1
func (s SequenceNumber) Follows(prev SequenceNumber) bool {
	return s.value == prev.value+1
}

// GapTo returns the number of missing sequences between s and next.
// Zero means next directly follows s.
func (s SequenceNumber) GapTo(next SequenceNumber) uint64 {
	if next.value <= s.value {
		return 0
	}
	return next.value - s.value - 1
}

func (s SequenceNumber) String() string {
	return fmt.Sprintf("%d", s.value)
}

// MarshalJSON implements JSON marshaling
func (s SequenceNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// UnmarshalJSON implements JSON unmarshaling
func (s *SequenceNumber) UnmarshalJSON(data []byte) error {
	var value uint64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	seq, err := NewSequenceNumber(value)
	if err != nil {
		return err
	}

	*s = seq
	return nil
}

// Value implements driver.Valuer for database storage
func (s SequenceNumber) Value() (driver.Value, error) {
	return int64(s.value), nil
}

// Scan implements sql.Scanner for database retrieval
func (s *SequenceNumber) Scan(value interface{}) error {
	if value == nil {
		*s = SequenceNumber{}
		return nil
	}

	var v uint64
	switch raw := value.(type) {
	case int64:
		if raw < 0 {
			return fmt.Errorf("negative sequence number %d", raw)
		}
		v = uint64(raw)
	case uint64:
		v = raw
	default:
		return fmt.Errorf("cannot scan %T into SequenceNumber", value)
	}

	seq, err := NewSequenceNumber(v)
	if err != nil {
		return err
	}

	*s = seq
	return nil
}
