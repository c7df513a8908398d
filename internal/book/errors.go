package book

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvariantViolation = errors.New("book invariant violation")
	ErrInvalidSide        = errors.New("invalid book side")
)

// InvariantError describes a snapshot or delta that was rejected because it
// would leave the book in an invalid state. It unwraps to
// ErrInvariantViolation.
type InvariantError struct {
	Symbol   string
	Side     Side
	Price    Price
	Quantity Quantity
	Reason   string
}

func (e *InvariantError) Error() string {
	if e.Side.Valid() {
		return fmt.Sprintf("%s: %s %s %s@%s: %s",
			ErrInvariantViolation, e.Symbol, e.Side, e.Price, e.Quantity, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Symbol, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }
