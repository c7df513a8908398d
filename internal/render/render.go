// Package render prints order books as plain text tables.
package render

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/sequencer"
)

// Source is one symbol's book and its reconciliation state.
// *sequencer.Sequencer satisfies it.
type Source interface {
	Symbol() string
	State() sequencer.State
	LastSequence() (uint64, bool)
	Book() *book.Book
}

// Renderer periodically writes every source to an io.Writer.
type Renderer struct {
	out      io.Writer
	sources  []Source
	depth    int
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a Renderer showing depth levels per side every interval.
func New(out io.Writer, sources []Source, depth int, interval time.Duration, logger zerolog.Logger) *Renderer {
	if depth <= 0 {
		depth = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Renderer{
		out:      out,
		sources:  sources,
		depth:    depth,
		interval: interval,
		logger:   logger.With().Str("component", "render").Logger(),
	}
}

// Run renders every interval until ctx is cancelled.
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, src := range r.sources {
				if err := Write(r.out, src, r.depth); err != nil {
					r.logger.Warn().Err(err).Str("symbol", src.Symbol()).Msg("render")
				}
			}
		}
	}
}

// Write renders one source. Asks are listed worst to best above the bids,
// best to worst, so the spread sits in the middle of the table.
func Write(w io.Writer, src Source, depth int) error {
	state := src.State()
	if state == sequencer.Uninitialized {
		_, err := fmt.Fprintf(w, "%s: waiting for snapshot\n", src.Symbol())
		return err
	}

	view := src.Book().View(depth)
	seq := "-"
	if s, ok := src.LastSequence(); ok {
		seq = fmt.Sprint(s)
	}
	spread := "-"
	if len(view.Bids) > 0 && len(view.Asks) > 0 {
		spread = (view.Asks[0].Price - view.Bids[0].Price).String()
	}

	fmt.Fprintf(w, "%s seq=%s state=%s spread=%s levels=%d/%d\n",
		view.Symbol, seq, state, spread, view.BidCount, view.AskCount)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Type\tSymbol\tPrice\tContract size")
	for _, l := range slices.Backward(view.Asks) {
		fmt.Fprintf(tw, "Asks\t%s\t%s\t%s\n", view.Symbol, l.Price, l.Quantity)
	}
	for _, l := range view.Bids {
		fmt.Fprintf(tw, "Bids\t%s\t%s\t%s\n", view.Symbol, l.Price, l.Quantity)
	}
	return tw.Flush()
}
