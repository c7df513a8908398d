package book

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of implied decimal places carried by Price and
// Quantity. 1.5 is stored as 150_000_000.
const Scale = 8

// ErrPrecision is returned when a value has more fractional digits than
// Scale allows. Values are never rounded on the way in.
var ErrPrecision = errors.New("value exceeds fixed-point precision")

// Price is a fixed-point price with Scale implied decimals.
type Price int64

// Quantity is a fixed-point resting size with Scale implied decimals.
type Quantity int64

// ParsePrice parses a decimal string such as "2051.35" into a Price.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("book: parse price %q: %w", s, err)
	}
	v, err := fromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("book: parse price %q: %w", s, err)
	}
	return Price(v), nil
}

// ParseQuantity parses a decimal string into a Quantity.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("book: parse quantity %q: %w", s, err)
	}
	v, err := fromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("book: parse quantity %q: %w", s, err)
	}
	return Quantity(v), nil
}

// PriceFromDecimal converts an already-decoded decimal into a Price.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	v, err := fromDecimal(d)
	return Price(v), err
}

// QuantityFromDecimal converts an already-decoded decimal into a Quantity.
func QuantityFromDecimal(d decimal.Decimal) (Quantity, error) {
	v, err := fromDecimal(d)
	return Quantity(v), err
}

func fromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, ErrPrecision
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrPrecision, d.String())
	}
	return shifted.IntPart(), nil
}

// Decimal returns p as an exact decimal.
func (p Price) Decimal() decimal.Decimal { return decimal.New(int64(p), -Scale) }

// Decimal returns q as an exact decimal.
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(int64(q), -Scale) }

func (p Price) String() string { return p.Decimal().String() }

func (q Quantity) String() string { return q.Decimal().String() }
