package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// RunnerConfig holds tunable parameters for a Runner.
type RunnerConfig struct {
	Exchange adapter.Exchange

	// InboxSize bounds the events queued ahead of the sequencer.
	InboxSize int

	// Depth is the number of levels per side carried in each BookUpdate.
	Depth int

	// TickInterval is how often the resync timeout is evaluated while no
	// events arrive.
	TickInterval time.Duration

	// ResyncOnInvariant requests a fresh snapshot as soon as the book
	// rejects a snapshot or diff, instead of waiting for the next gap.
	ResyncOnInvariant bool
}

// DefaultRunnerConfig returns defaults suitable for one futures symbol.
func DefaultRunnerConfig(exchange adapter.Exchange) RunnerConfig {
	return RunnerConfig{
		Exchange:          exchange,
		InboxSize:         4096,
		Depth:             10,
		TickInterval:      250 * time.Millisecond,
		ResyncOnInvariant: true,
	}
}

// Runner owns one Sequencer and is the only goroutine that calls into it.
// Events are handled strictly in delivery order.
type Runner struct {
	seq    *Sequencer
	cfg    RunnerConfig
	logger zerolog.Logger

	inbox   chan Event
	updates chan adapter.BookUpdate
	errs    chan error

	nowFunc func() time.Time
}

// NewRunner wraps seq. Zero fields in cfg fall back to DefaultRunnerConfig.
func NewRunner(seq *Sequencer, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	def := DefaultRunnerConfig(cfg.Exchange)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Runner{
		seq:     seq,
		cfg:     cfg,
		logger:  logger.With().Str("component", "runner").Str("symbol", seq.Symbol()).Logger(),
		inbox:   make(chan Event, cfg.InboxSize),
		updates: make(chan adapter.BookUpdate, 256),
		errs:    make(chan error, 64),
		nowFunc: time.Now,
	}
}

// Symbol returns the symbol of the wrapped sequencer.
func (r *Runner) Symbol() string { return r.seq.Symbol() }

// Sequencer returns the wrapped sequencer for read-only queries.
func (r *Runner) Sequencer() *Sequencer { return r.seq }

// Updates satisfies adapter.UpdatesProvider.
func (r *Runner) Updates() <-chan adapter.BookUpdate { return r.updates }

// Errors receives invariant violations. Errors are dropped when nobody
// drains the channel.
func (r *Runner) Errors() <-chan error { return r.errs }

// Deliver queues ev, blocking while the inbox is full.
func (r *Runner) Deliver(ctx context.Context, ev Event) error {
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDeliver queues ev without blocking.
func (r *Runner) TryDeliver(ev Event) error {
	select {
	case r.inbox <- ev:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run handles events until ctx is cancelled, then closes Updates and
// Errors.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.errs)
	defer close(r.updates)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.inbox:
			r.handle(ev)
		case <-ticker.C:
			if r.seq.CheckTimeout() {
				r.logger.Debug().Msg("resync timeout re-requested snapshot")
			}
		}
	}
}

func (r *Runner) handle(ev Event) {
	out, err := r.seq.Handle(ev)
	if err != nil {
		r.report(err)
		if errors.Is(err, book.ErrInvariantViolation) && r.cfg.ResyncOnInvariant && r.seq.State() != Resyncing {
			r.seq.ForceResync("invariant")
			out = OutcomeGap
		}
	}
	// Heartbeats are republished so downstream staleness checks see a live
	// feed even when the book is quiet.
	if out.Changed() || out == OutcomeHeartbeat {
		r.publish()
	}
}

func (r *Runner) report(err error) {
	r.logger.Error().Err(err).Msg("event rejected")
	select {
	case r.errs <- err:
	default:
	}
}

// Current builds the BookUpdate for the current state.
func (r *Runner) Current() adapter.BookUpdate {
	state := r.seq.State()
	last, _ := r.seq.LastSequence()
	v := r.seq.Book().View(r.cfg.Depth)
	return adapter.BookUpdate{
		Exchange:  r.cfg.Exchange,
		Symbol:    r.seq.Symbol(),
		Sequence:  last,
		State:     state.String(),
		Synced:    state == Synced,
		Bids:      v.Bids,
		Asks:      v.Asks,
		Timestamp: r.nowFunc(),
	}
}

func (r *Runner) publish() {
	select {
	case r.updates <- r.Current():
	default:
		metrics.PublishDropsTotal.WithLabelValues("runner").Inc()
		r.logger.Warn().Msg("dropping book update for slow consumer")
	}
}
