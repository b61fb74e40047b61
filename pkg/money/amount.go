package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places of the ledger minimum unit.
const Scale int32 = 4

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrPrecision     = errors.New("amount_precision_exceeded")
	ErrOutOfRange    = fmt.Errorf("%w: out of range", ErrInvalidAmount)
)

// Amount is a ledger amount counted in units of 10^-Scale.
type Amount int64

const Zero Amount = 0

// Max bounds the magnitude of any single amount (100,000,000,000.0000) so that
// sums over a creator's history stay far inside int64.
const Max Amount = 1_000_000_000_000_000

var maxUnits = decimal.NewFromInt(int64(Max))

// FromDecimal rounds d half-to-even to the ledger unit. Values whose magnitude
// exceeds Max return ErrOutOfRange.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	units := d.RoundBank(Scale).Shift(Scale)
	if units.Abs().GreaterThan(maxUnits) {
		return 0, ErrOutOfRange
	}
	return Amount(units.IntPart()), nil
}

// Parse reads a decimal string. More than Scale fractional digits is rejected
// instead of rounded.
func Parse(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(Scale)) {
		return 0, ErrPrecision
	}
	return FromDecimal(d)
}

// MustParse panics on malformed input. Intended for constants and tests.
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("money: %q: %v", raw, err))
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// Truncate drops precision below the given number of decimal places, toward zero.
func (a Amount) Truncate(places int32) Amount {
	if places >= Scale || places < 0 {
		return a
	}
	return Amount(a.Decimal().Truncate(places).Shift(Scale).IntPart())
}

func (a Amount) Neg() Amount { return -a }

func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) IsNegative() bool { return a < 0 }

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// StringFixed renders with the given number of decimal places (used for provider payloads).
func (a Amount) StringFixed(places int32) string {
	return a.Decimal().StringFixed(places)
}

// MinorUnits converts to integer minor units of a currency with the given decimal places.
// The amount must already be truncated to that precision.
func (a Amount) MinorUnits(places int32) int64 {
	return a.Decimal().Shift(places).IntPart()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return ErrInvalidAmount
		}
		raw = num.String()
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the raw unit count.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	case float64:
		*a = Amount(int64(v))
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		*a = Amount(d.IntPart())
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*a = Amount(d.IntPart())
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}
