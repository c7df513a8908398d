package book

import (
	"fmt"
	"strings"
)

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Bid or Ask.
func (s Side) Valid() bool { return s == Bid || s == Ask }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// better reports whether price a ranks ahead of price b on this side:
// higher for bids, lower for asks.
func (s Side) better(a, b Price) bool {
	if s == Bid {
		return a > b
	}
	return a < b
}

// ParseSide accepts the exchange spellings "buy"/"sell" as well as
// "bid"/"ask".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "bid", "bids":
		return Bid, nil
	case "sell", "ask", "asks":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

// PriceLevel is one price with its aggregated resting quantity.
type PriceLevel struct {
	Price    Price
	Quantity Quantity
}

func (l PriceLevel) String() string {
	return l.Price.String() + "@" + l.Quantity.String()
}
