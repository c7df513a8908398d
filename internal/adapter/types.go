package adapter

import (
	"time"

	"github.com/caesar-terminal/depthbook/internal/book"
)

// Exchange identifies the source of market data.
type Exchange string

const (
	ExchangeKuCoin Exchange = "kucoin"
)

// BookUpdate is the top-of-book view published after every event that
// changed a book or its sequencer state. Downstream consumers (sinks, the
// circuit breaker) operate on this type regardless of origin.
type BookUpdate struct {
	Exchange  Exchange
	Symbol    string
	Sequence  uint64
	State     string
	Synced    bool
	Bids      []book.PriceLevel // best first
	Asks      []book.PriceLevel // best first
	Timestamp time.Time
}

// BestBid returns the first bid level, if any.
func (u BookUpdate) BestBid() (book.PriceLevel, bool) {
	if len(u.Bids) == 0 {
		return book.PriceLevel{}, false
	}
	return u.Bids[0], true
}

// BestAsk returns the first ask level, if any.
func (u BookUpdate) BestAsk() (book.PriceLevel, bool) {
	if len(u.Asks) == 0 {
		return book.PriceLevel{}, false
	}
	return u.Asks[0], true
}
