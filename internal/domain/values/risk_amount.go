package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// RiskAmount represents a quantity of privacy risk budget. Amounts are
// exact decimals so consumption never suffers float drift, and they are
// never negative.
type RiskAmount struct {
	value decimal.Decimal
}

// NewRiskAmount creates a RiskAmount from a decimal with validation
func NewRiskAmount(value decimal.Decimal) (RiskAmount, error) {
	if value.IsNegative() {
		return RiskAmount{}, errors.NewValidationError("NEGATIVE_AMOUNT",
			"risk amount cannot be negative")
	}
	return RiskAmount{value: value}, nil
}

// NewRiskAmountFromString parses a decimal string into a RiskAmount
func NewRiskAmountFromString(s string) (RiskAmount, error) {
	value, err := decimal.NewFromString(s)
	if err != nil {
		return RiskAmount{}, errors.NewValidationError("INVALID_AMOUNT",
			fmt.Sprintf("invalid risk amount %q", s)).WithCause(err)
	}
	return NewRiskAmount(value)
}

// NewRiskAmountFromFloat creates a RiskAmount from a float64
func NewRiskAmountFromFloat(f float64) (RiskAmount, error) {
	return NewRiskAmount(decimal.NewFromFloat(f))
}

// ZeroRiskAmount returns a zero amount
func ZeroRiskAmount() RiskAmount {
	return RiskAmount{value: decimal.Zero}
}

// MustNewRiskAmountFromString parses a decimal string and panics on error
func MustNewRiskAmountFromString(s string) RiskAmount {
	a, err := NewRiskAmountFromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the underlying decimal value
func (a RiskAmount) Decimal() decimal.Decimal {
	return a.value
}

// Add returns a + other
func (a RiskAmount) Add(other RiskAmount) RiskAmount {
	return RiskAmount{value: a.value.Add(other.value)}
}

// Sub returns a - other, failing when the result would go negative.
// A failed Sub leaves the receiver untouched so a caller can never
// observe a partial decrement.
func (a RiskAmount) Sub(other RiskAmount) (RiskAmount, error) {
	result := a.value.Sub(other.value)
	if result.IsNegative() {
		return RiskAmount{}, errors.ErrBudgetExhausted.WithDetails(map[string]interface{}{
			"remaining": a.value.String(),
			"requested": other.value.String(),
		})
	}
	return RiskAmount{value: result}, nil
}

// Cmp compares two amounts: -1 if a < other, 0 if equal, 1 if a > other
func (a RiskAmount) Cmp(other RiskAmount) int {
	return a.value.Cmp(other.value)
}

// IsZero reports whether the amount is exactly zero
func (a RiskAmount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is strictly greater than zero
func (a RiskAmount) IsPositive() bool {
	return a.value.IsPositive()
}

func (a RiskAmount) String() string {
	return a.value.String()
}

// MarshalJSON implements JSON marshaling
func (a RiskAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.value.String())
}

// UnmarshalJSON implements JSON unmarshaling
func (a *RiskAmount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	amount, err := NewRiskAmountFromString(s)
	if err != nil {
		return err
	}

	*a = amount
	return nil
}

// Value implements driver.Valuer for database storage
func (a RiskAmount) Value() (driver.Value, error) {
	return a.value.String(), nil
}

// Scan implements sql.Scanner for database retrieval
func (a *RiskAmount) Scan(value interface{}) error {
	if value == nil {
		*a = ZeroRiskAmount()
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	case float64:
		str = decimal.NewFromFloat(v).String()
	default:
		return fmt.Errorf("cannot scan %T into RiskAmount", value)
	}

	amount, err := NewRiskAmountFromString(str)
	if err != nil {
		return err
	}

	*a = amount
	return nil
}
