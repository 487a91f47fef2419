package auction

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value such as a bid or a price.
// It encodes as a plain JSON number with no float rounding.
type Amount struct {
	d decimal.Decimal
}

// ParseAmount parses a decimal literal like "15", "15.50" or "1.5e3".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustAmount is ParseAmount for literals known to be valid. It panics otherwise.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromInt returns the amount for a whole number of currency units.
func AmountFromInt(n int64) Amount {
	return Amount{d: decimal.NewFromInt(n)}
}

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Equal reports whether both amounts hold the same numeric value.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

func (a Amount) String() string { return a.d.String() }

// MarshalJSON writes the amount as an unquoted JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}
