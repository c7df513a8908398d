package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// Group routes decoded feed events to the Runner of their symbol. One feed
// connection carries every symbol; each symbol is reconciled independently.
type Group struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	order   []string
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{runners: make(map[string]*Runner)}
}

// Add registers r. Must be called before Run.
func (g *Group) Add(r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sym := r.Symbol()
	if _, dup := g.runners[sym]; dup {
		return fmt.Errorf("sequencer: group: duplicate symbol %q", sym)
	}
	g.runners[sym] = r
	g.order = append(g.order, sym)
	return nil
}

// Runner returns the runner for symbol.
func (g *Group) Runner(symbol string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[symbol]
	return r, ok
}

// Symbols returns the registered symbols in registration order.
func (g *Group) Symbols() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Runners returns the registered runners in registration order.
func (g *Group) Runners() []*Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Runner, 0, len(g.order))
	for _, sym := range g.order {
		out = append(out, g.runners[sym])
	}
	return out
}

// Deliver queues ev for symbol. It blocks while that runner's inbox is full.
func (g *Group) Deliver(ctx context.Context, symbol string, ev Event) error {
	r, ok := g.Runner(symbol)
	if !ok {
		return fmt.Errorf("sequencer: %w: %q", ErrUnknownSymbol, symbol)
	}
	return r.Deliver(ctx, ev)
}

// Broadcast queues ev for every symbol, e.g. Disconnected after the shared
// connection drops.
func (g *Group) Broadcast(ctx context.Context, ev Event) error {
	for _, r := range g.Runners() {
		if err := r.Deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every runner and blocks until all of them have returned.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range g.Runners() {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
}
