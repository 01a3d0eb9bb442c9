package values

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// Nonce is a single-use token bound to a query plan or capsule access.
// Nonces are 32 bytes of secure randomness, base64url-encoded without
// padding (43 characters).
type Nonce struct {
	value string
}

const nonceByteLen = 32

// 43 base64url characters, no padding
var nonceRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// GenerateNonce creates a new random nonce
func GenerateNonce() (Nonce, error) {
	buf := make([]byte, nonceByteLen)
	if _, err := rand.Read(buf); err != nil {
		return Nonce{}, errors.NewInternalError("failed to generate nonce").WithCause(err)
	}
	return Nonce{value: base64.RawURLEncoding.EncodeToString(buf)}, nil
}

// ParseNonce validates an encoded nonce
func ParseNonce(s string) (Nonce, error) {
	if s == "" {
		return Nonce{}, errors.NewValidationError("EMPTY_NONCE",
			"nonce cannot be empty")
	}

	if !nonceRegex.MatchString(s) {
		return Nonce{}, errors.NewValidationError("INVALID_NONCE_FORMAT",
			"nonce must be 43 base64url characters (32 bytes)")
	}

	return Nonce{value: s}, nil
}

// MustParseNonce parses a nonce and panics on error (for tests)
func MustParseNonce(s string) Nonce {
	n, err := ParseNonce(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Nonce) String() string {
	return n.value
}

// IsEmpty reports whether the nonce is unset
func (n Nonce) IsEmpty() bool {
	return n.value == ""
}

// Equal compares two nonces
func (n Nonce) Equal(other Nonce) bool {
	return n.value == other.value
}

// MarshalJSON implements JSON marshaling
func (n Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.value)
}

// UnmarshalJSON implements JSON unmarshaling
func (n *Nonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	nonce, err := ParseNonce(s)
	if err != nil {
		return err
	}

	*n = nonce
	return nil
}

// Value implements driver.Valuer for database storage
func (n Nonce) Value() (driver.Value, error) {
	if n.value == "" {
		return nil, nil
	}
	return n.value, nil
}

// Scan implements sql.Scanner for database retrieval
func (n *Nonce) Scan(value interface{}) error {
	if value == nil {
		*n = Nonce{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Nonce", value)
	}

	nonce, err := ParseNonce(str)
	if err != nil {
		return err
	}

	*n = nonce
	return nil
}
