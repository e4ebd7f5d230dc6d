package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every Amount. All monetary
// arithmetic in the engine is exact decimal arithmetic at this scale.
const Scale = 2

// ErrMalformedAmount indicates an amount string that cannot be used as money.
var ErrMalformedAmount = errors.New("malformed amount")

// Amount is an exact fixed-point monetary value. The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Parse converts a decimal string into an Amount. Values with more than Scale
// fractional digits are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrMalformedAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	if d.Exponent() < -Scale {
		return Amount{}, fmt.Errorf("%w: %q exceeds %d decimal places", ErrMalformedAmount, s, Scale)
	}
	return Amount{d: d}, nil
}

// MustParse is a test helper that panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{d: a.d.Neg()}
}

// Cmp returns -1, 0 or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.d.LessThan(b.d)
}

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// IsZero reports a == 0.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// String renders the amount with exactly Scale decimal places.
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal representations.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// NormalizeCurrency upper-cases and validates a three-letter currency code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: currency %q", ErrMalformedAmount, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency %q", ErrMalformedAmount, code)
		}
	}
	return code, nil
}
