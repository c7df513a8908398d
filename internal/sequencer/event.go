package sequencer

import "github.com/caesar-terminal/depthbook/internal/book"

// Event is one decoded feed message for a single symbol. The set of event
// types is closed.
type Event interface {
	kind() string
}

// Snapshot replaces the whole book as of Sequence.
type Snapshot struct {
	Sequence uint64
	Bids     []book.PriceLevel
	Asks     []book.PriceLevel
}

// Diff sets the quantity at one price level. Quantity zero removes it.
type Diff struct {
	Sequence uint64
	Side     book.Side
	Price    book.Price
	Quantity book.Quantity
}

// Heartbeat carries no book data; it only proves the feed is alive.
type Heartbeat struct{}

// Disconnected is delivered by the feed when its connection drops. The
// sequencer discards all state on receipt.
type Disconnected struct{}

func (Snapshot) kind() string     { return "snapshot" }
func (Diff) kind() string         { return "diff" }
func (Heartbeat) kind() string    { return "heartbeat" }
func (Disconnected) kind() string { return "disconnected" }
