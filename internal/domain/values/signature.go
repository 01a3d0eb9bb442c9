package values

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// Signature is an HMAC-SHA256 signature over a canonical payload,
// hex-encoded. Verification is constant time.
type Signature struct {
	value string
}

// ComputeSignature signs the canonical payload with the given key
func ComputeSignature(key []byte, canonical string) (Signature, error) {
	if len(key) == 0 {
		return Signature{}, errors.NewValidationError("EMPTY_SIGNING_KEY",
			"signing key cannot be empty")
	}
	if canonical == "" {
		return Signature{}, errors.NewValidationError("EMPTY_PAYLOAD",
			"canonical payload cannot be empty")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical))
	return Signature{value: hex.EncodeToString(mac.Sum(nil))}, nil
}

// ParseSignature validates a hex-encoded signature
func ParseSignature(s string) (Signature, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if !sha256HexRegex.MatchString(normalized) {
		return Signature{}, errors.NewValidationError("INVALID_SIGNATURE_FORMAT",
			"signature must be a 64-character hexadecimal string")
	}
	return Signature{value: normalized}, nil
}

// Verify recomputes the signature over canonical with key and compares
// in constant time.
func (s Signature) Verify(key []byte, canonical string) (bool, error) {
	if s.IsEmpty() {
		return false, errors.NewValidationError("EMPTY_SIGNATURE",
			"cannot verify empty signature")
	}

	expected, err := ComputeSignature(key, canonical)
	if err != nil {
		return false, err
	}

	return hmac.Equal([]byte(s.value), []byte(expected.value)), nil
}

func (s Signature) String() string {
	return s.value
}

// IsEmpty reports whether the signature is unset
func (s Signature) IsEmpty() bool {
	return s.value == ""
}

// Equal compares two signatures in constant time
func (s Signature) Equal(other Signature) bool {
	return hmac.Equal([]byte(s.value), []byte(other.value))
}

// MarshalJSON implements JSON marshaling
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// UnmarshalJSON implements JSON unmarshaling
func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	sig, err := ParseSignature(raw)
	if err != nil {
		return err
	}

	*s = sig
	return nil
}

// Value implements driver.Valuer for database storage
func (s Signature) Value() (driver.Value, error) {
	if s.value == "" {
		return nil, nil
	}
	return s.value, nil
}

// Scan implements sql.Scanner for database retrieval
func (s *Signature) Scan(value interface{}) error {
	if value == nil {
		*s = Signature{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Signature", value)
	}

	sig, err := ParseSignature(str)
	if err != nil {
		return err
	}

	*s = sig
	return nil
}
