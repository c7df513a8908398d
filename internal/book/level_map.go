package book

import "iter"

// LevelMap holds one side of the book: a sorted price → quantity map with
// the best level cached. A level with zero quantity never exists in the map.
//
// LevelMap is not safe for concurrent use; Book serializes access to it.
type LevelMap struct {
	side Side
	tree *rbTree
	best *node // cached extreme, tree.nil when empty
}

// NewLevelMap returns an empty map for the given side.
func NewLevelMap(side Side) *LevelMap {
	t := newRBTree()
	return &LevelMap{side: side, tree: t, best: t.nil}
}

// Side returns which half of the book this map holds.
func (m *LevelMap) Side() Side { return m.side }

// Upsert sets the resting quantity at price. A zero quantity removes the
// level, and is a no-op when the level is absent. It reports whether the map
// changed.
func (m *LevelMap) Upsert(price Price, qty Quantity) bool {
	if qty == 0 {
		if !m.tree.remove(price) {
			return false
		}
		if m.best != m.tree.nil && m.best.price == price {
			m.best = m.extreme()
		}
		return true
	}

	n, _ := m.tree.put(price, qty)
	if m.best == m.tree.nil || m.side.better(price, m.best.price) {
		m.best = n
	}
	return true
}

// Get returns the quantity resting at price.
func (m *LevelMap) Get(price Price) (Quantity, bool) {
	n := m.tree.search(price)
	if n == m.tree.nil {
		return 0, false
	}
	return n.qty, true
}

// Best returns the highest bid or lowest ask.
func (m *LevelMap) Best() (PriceLevel, bool) {
	if m.best == m.tree.nil {
		return PriceLevel{}, false
	}
	return PriceLevel{Price: m.best.price, Quantity: m.best.qty}, true
}

// Len returns the number of levels.
func (m *LevelMap) Len() int { return m.tree.size }

// IsEmpty reports whether the side has no levels.
func (m *LevelMap) IsEmpty() bool { return m.tree.size == 0 }

// Depth yields at most n levels from best to worst. Each call walks the
// current tree, so the sequence can be ranged over repeatedly. A negative n
// yields every level.
func (m *LevelMap) Depth(n int) iter.Seq[PriceLevel] {
	return func(yield func(PriceLevel) bool) {
		if n == 0 {
			return
		}
		count := 0
		step := m.tree.next
		if m.side == Bid {
			step = m.tree.prev
		}
		for cur := m.extreme(); cur != m.tree.nil; cur = step(cur) {
			if !yield(PriceLevel{Price: cur.price, Quantity: cur.qty}) {
				return
			}
			count++
			if n > 0 && count >= n {
				return
			}
		}
	}
}

// Levels returns a copy of every level, best first.
func (m *LevelMap) Levels() []PriceLevel {
	out := make([]PriceLevel, 0, m.tree.size)
	for l := range m.Depth(-1) {
		out = append(out, l)
	}
	return out
}

func (m *LevelMap) extreme() *node {
	if m.side == Bid {
		return m.tree.maxNode(m.tree.root)
	}
	return m.tree.minNode(m.tree.root)
}
