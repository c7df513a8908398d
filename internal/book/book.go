// Package book holds the price level maps and the two-sided order book for
// a single symbol. Prices and quantities are fixed-point integers.
package book

import "sync"

// Book is the two-sided price level book for one symbol.
//
// Every mutation is validated before it is committed and runs under a write
// lock held only for that call, so concurrent readers see either the state
// before or after a mutation, never a partial one. Book does not know about
// sequence numbers; the sequencer that owns it does.
type Book struct {
	symbol string

	mu   sync.RWMutex
	bids *LevelMap
	asks *LevelMap
}

// View is a copy of both sides taken under a single read lock.
type View struct {
	Symbol   string
	Bids     []PriceLevel // best first
	Asks     []PriceLevel // best first
	BidCount int
	AskCount int
}

// New returns an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   NewLevelMap(Bid),
		asks:   NewLevelMap(Ask),
	}
}

// Symbol returns the instrument this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot replaces both sides. The candidate sides are built and
// validated first; on any violation the prior state is left untouched.
func (b *Book) ApplySnapshot(bids, asks []PriceLevel) error {
	newBids, err := b.buildSide(Bid, bids)
	if err != nil {
		return err
	}
	newAsks, err := b.buildSide(Ask, asks)
	if err != nil {
		return err
	}
	if err := b.checkCross(newBids, newAsks); err != nil {
		return err
	}

	b.mu.Lock()
	b.bids, b.asks = newBids, newAsks
	b.mu.Unlock()
	return nil
}

// ApplyDelta sets the quantity at one price on one side. A zero quantity
// removes the level. A delta that would cross the book is rejected and
// nothing is committed.
func (b *Book) ApplyDelta(side Side, price Price, qty Quantity) error {
	if !side.Valid() {
		return &InvariantError{Symbol: b.symbol, Side: side, Price: price, Quantity: qty, Reason: "unknown side"}
	}
	if price <= 0 {
		return &InvariantError{Symbol: b.symbol, Side: side, Price: price, Quantity: qty, Reason: "non-positive price"}
	}
	if qty < 0 {
		return &InvariantError{Symbol: b.symbol, Side: side, Price: price, Quantity: qty, Reason: "negative quantity"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target, other := b.bids, b.asks
	if side == Ask {
		target, other = b.asks, b.bids
	}

	// Removing a level can only widen the spread. An insert or overwrite
	// crosses only if the new price reaches the opposite best.
	if qty > 0 {
		if opp, ok := other.Best(); ok && !crossFree(side, price, opp.Price) {
			return &InvariantError{
				Symbol:   b.symbol,
				Side:     side,
				Price:    price,
				Quantity: qty,
				Reason:   "delta would cross opposite best " + opp.Price.String(),
			}
		}
	}

	target.Upsert(price, qty)
	return nil
}

// crossFree reports whether a level at price on side stays strictly behind
// the opposite side's best price.
func crossFree(side Side, price, oppBest Price) bool {
	if side == Bid {
		return price < oppBest
	}
	return price > oppBest
}

// Reset empties both sides.
func (b *Book) Reset() {
	b.mu.Lock()
	b.bids = NewLevelMap(Bid)
	b.asks = NewLevelMap(Ask)
	b.mu.Unlock()
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Best()
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Best()
}

// Spread returns best ask minus best bid. It reports false when either side
// is empty.
func (b *Book) Spread() (Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okBid := b.bids.Best()
	ask, okAsk := b.asks.Best()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Depth returns up to n levels of one side, best first. A negative n returns
// the whole side.
func (b *Book) Depth(side Side, n int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collect(b.sideMap(side), n)
}

// Len returns the number of levels on one side.
func (b *Book) Len(side Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sideMap(side).Len()
}

// View returns up to n levels of both sides from the same committed state.
func (b *Book) View(n int) View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View{
		Symbol:   b.symbol,
		Bids:     collect(b.bids, n),
		Asks:     collect(b.asks, n),
		BidCount: b.bids.Len(),
		AskCount: b.asks.Len(),
	}
}

func (b *Book) sideMap(side Side) *LevelMap {
	if side == Ask {
		return b.asks
	}
	return b.bids
}

func collect(m *LevelMap, n int) []PriceLevel {
	size := m.Len()
	if n >= 0 && n < size {
		size = n
	}
	out := make([]PriceLevel, 0, size)
	for l := range m.Depth(n) {
		out = append(out, l)
	}
	return out
}

func (b *Book) buildSide(side Side, levels []PriceLevel) (*LevelMap, error) {
	m := NewLevelMap(side)
	for _, l := range levels {
		if l.Price <= 0 {
			return nil, &InvariantError{Symbol: b.symbol, Side: side, Price: l.Price, Quantity: l.Quantity, Reason: "non-positive price in snapshot"}
		}
		if l.Quantity <= 0 {
			return nil, &InvariantError{Symbol: b.symbol, Side: side, Price: l.Price, Quantity: l.Quantity, Reason: "non-positive quantity in snapshot"}
		}
		if _, dup := m.Get(l.Price); dup {
			return nil, &InvariantError{Symbol: b.symbol, Side: side, Price: l.Price, Quantity: l.Quantity, Reason: "duplicate price in snapshot"}
		}
		m.Upsert(l.Price, l.Quantity)
	}
	return m, nil
}

func (b *Book) checkCross(bids, asks *LevelMap) error {
	bid, okBid := bids.Best()
	ask, okAsk := asks.Best()
	if okBid && okAsk && bid.Price >= ask.Price {
		return &InvariantError{
			Symbol: b.symbol,
			Reason: "crossed snapshot: best bid " + bid.Price.String() + " >= best ask " + ask.Price.String(),
		}
	}
	return nil
}
