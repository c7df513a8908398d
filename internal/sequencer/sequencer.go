// Package sequencer turns an unreliable, sequence-numbered feed of snapshots
// and diffs into consistent mutations of a book.Book.
package sequencer

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// Sequencer owns the last applied sequence number of one symbol and is the
// only writer of its book. Handle calls are serialized by an internal lock
// held for the duration of one event.
type Sequencer struct {
	symbol    string
	book      *book.Book
	cfg       Config
	requester SnapshotRequester
	logger    zerolog.Logger
	nowFunc   func() time.Time

	mu            sync.RWMutex
	state         State
	last          uint64
	hasLast       bool
	buffer        []Diff
	since         time.Time // entry into the current resync attempt
	lastHeartbeat time.Time
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger. The symbol is added as a field.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.nowFunc = now }
}

// New creates a sequencer in the Uninitialized state.
func New(symbol string, b *book.Book, cfg Config, requester SnapshotRequester, opts ...Option) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sequencer: %s: %w", symbol, err)
	}
	if b == nil {
		return nil, fmt.Errorf("sequencer: %s: nil book", symbol)
	}
	if requester == nil {
		return nil, fmt.Errorf("sequencer: %s: nil snapshot requester", symbol)
	}

	s := &Sequencer{
		symbol:    symbol,
		book:      b,
		cfg:       cfg,
		requester: requester,
		logger:    zerolog.Nop(),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sequencer").Str("symbol", symbol).Logger()
	s.observeLocked()
	return s, nil
}

// Symbol returns the instrument this sequencer reconciles.
func (s *Sequencer) Symbol() string { return s.symbol }

// Book returns the book for read-only queries.
func (s *Sequencer) Book() *book.Book { return s.book }

// State returns the current reconciliation state.
func (s *Sequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSequence returns the last applied sequence number. It reports false
// before the first snapshot and after a reset.
func (s *Sequencer) LastSequence() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Buffered returns the number of diffs held for the current resync.
func (s *Sequencer) Buffered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffer)
}

// LastHeartbeat returns when the last Heartbeat event was handled.
func (s *Sequencer) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Handle applies one event. Stale diffs, gaps and buffer overflows are
// normal operation and are reported through the Outcome only. The returned
// error is non-nil only for invariant violations (and unknown event types);
// the book is unchanged in that case.
func (s *Sequencer) Handle(ev Event) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked()

	if ev == nil {
		return OutcomeIgnored, fmt.Errorf("sequencer: %s: %w: nil", s.symbol, ErrUnknownEvent)
	}
	metrics.EventsTotal.WithLabelValues(s.symbol, ev.kind()).Inc()

	s.checkTimeoutLocked()

	switch e := ev.(type) {
	case Snapshot:
		return s.onSnapshot(e)
	case Diff:
		return s.onDiff(e)
	case Heartbeat:
		s.lastHeartbeat = s.nowFunc()
		return OutcomeHeartbeat, nil
	case Disconnected:
		s.resetLocked("disconnected")
		return OutcomeReset, nil
	default:
		return OutcomeIgnored, fmt.Errorf("sequencer: %s: %w: %T", s.symbol, ErrUnknownEvent, ev)
	}
}

// CheckTimeout drops the resync buffer and re-requests a snapshot if the
// current resync attempt has outlived ResyncTimeout. It reports whether that
// happened.
func (s *Sequencer) CheckTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked()
	return s.checkTimeoutLocked()
}

// ForceResync discards buffered diffs and requests a fresh snapshot. Callers
// use it after an invariant violation when they prefer a clean rebuild over
// waiting for the next gap.
func (s *Sequencer) ForceResync(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked()

	s.logger.Warn().Str("reason", reason).Str("state", s.state.String()).Msg("forced resync")
	if s.state == Uninitialized {
		// Nothing to buffer against; the next snapshot initializes the book.
		s.requestLocked("forced")
		return
	}
	s.enterResyncLocked("forced")
}

// Reset discards all state, as on a feed disconnect.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked()
	s.resetLocked("reset")
}

func (s *Sequencer) onSnapshot(e Snapshot) (Outcome, error) {
	if err := s.book.ApplySnapshot(e.Bids, e.Asks); err != nil {
		metrics.InvariantViolationsTotal.WithLabelValues(s.symbol).Inc()
		s.logger.Error().Err(err).Uint64("seq", e.Sequence).Str("state", s.state.String()).Msg("snapshot rejected")
		if s.state == Resyncing {
			// Keep the buffer; the next snapshot may still be usable with it.
			s.since = s.nowFunc()
			s.requestLocked("rejected_snapshot")
		}
		return OutcomeRejected, fmt.Errorf("sequencer: %s snapshot %d: %w", s.symbol, e.Sequence, err)
	}

	prev := s.state
	s.last, s.hasLast = e.Sequence, true
	s.state = Synced

	if prev != Resyncing {
		s.logger.Info().Uint64("seq", e.Sequence).Str("from", prev.String()).
			Int("bids", len(e.Bids)).Int("asks", len(e.Asks)).Msg("snapshot applied")
		return OutcomeSnapshot, nil
	}

	buffered := s.buffer
	s.buffer = nil
	s.since = time.Time{}

	var (
		firstErr  error
		replayed  int
		discarded int
	)
	for _, d := range buffered {
		if d.Sequence <= e.Sequence {
			discarded++
			continue
		}
		// The same per-diff rule as live traffic. A gap inside the buffer
		// sends us straight back to Resyncing and the rest is re-buffered.
		out, err := s.onDiff(d)
		if out == OutcomeApplied {
			replayed++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.ReplayedDiffsTotal.WithLabelValues(s.symbol).Add(float64(replayed))

	s.logger.Info().Uint64("seq", e.Sequence).Int("replayed", replayed).Int("discarded", discarded).
		Str("state", s.state.String()).Msg("resync snapshot applied")
	return OutcomeResynced, firstErr
}

func (s *Sequencer) onDiff(d Diff) (Outcome, error) {
	switch s.state {
	case Uninitialized:
		return OutcomeIgnored, nil

	case Synced:
		switch {
		case d.Sequence <= s.last:
			metrics.StaleDiffsTotal.WithLabelValues(s.symbol).Inc()
			s.logger.Debug().Uint64("seq", d.Sequence).Uint64("last", s.last).Msg("stale diff discarded")
			return OutcomeStale, nil

		case d.Sequence == s.last+1:
			if err := s.book.ApplyDelta(d.Side, d.Price, d.Quantity); err != nil {
				// last is not advanced, so the next diff surfaces as a gap
				// and recovery goes through the normal resync path.
				metrics.InvariantViolationsTotal.WithLabelValues(s.symbol).Inc()
				s.logger.Error().Err(err).Uint64("seq", d.Sequence).Msg("diff rejected")
				return OutcomeRejected, fmt.Errorf("sequencer: %s diff %d: %w", s.symbol, d.Sequence, err)
			}
			s.last = d.Sequence
			return OutcomeApplied, nil

		default:
			metrics.SequenceGapsTotal.WithLabelValues(s.symbol).Inc()
			s.logger.Warn().Uint64("seq", d.Sequence).Uint64("expected", s.last+1).Msg("sequence gap")
			s.enterResyncLocked("gap")
			s.buffer = append(s.buffer, d)
			return OutcomeGap, nil
		}

	case Resyncing:
		if len(s.buffer) >= s.cfg.ResyncBufferLimit {
			s.logger.Warn().Int("limit", s.cfg.ResyncBufferLimit).Msg("resync buffer overflow")
			s.buffer = s.buffer[:0]
			s.since = s.nowFunc()
			s.requestLocked("overflow")
			return OutcomeOverflow, nil
		}
		s.buffer = append(s.buffer, d)
		return OutcomeBuffered, nil
	}
	return OutcomeIgnored, nil
}

func (s *Sequencer) enterResyncLocked(reason string) {
	s.state = Resyncing
	s.buffer = make([]Diff, 0, min(s.cfg.ResyncBufferLimit, 64))
	s.since = s.nowFunc()
	s.requestLocked(reason)
}

func (s *Sequencer) checkTimeoutLocked() bool {
	if s.state != Resyncing {
		return false
	}
	now := s.nowFunc()
	if now.Sub(s.since) <= s.cfg.ResyncTimeout {
		return false
	}
	s.logger.Warn().Dur("waited", now.Sub(s.since)).Int("dropped", len(s.buffer)).Msg("resync timed out")
	s.buffer = s.buffer[:0]
	s.since = now
	s.requestLocked("timeout")
	return true
}

func (s *Sequencer) requestLocked(reason string) {
	metrics.ResyncsTotal.WithLabelValues(s.symbol, reason).Inc()
	s.requester.RequestSnapshot(s.symbol)
}

func (s *Sequencer) resetLocked(reason string) {
	s.book.Reset()
	s.state = Uninitialized
	s.last, s.hasLast = 0, false
	s.buffer = nil
	s.since = time.Time{}
	metrics.ResetsTotal.WithLabelValues(s.symbol).Inc()
	s.logger.Warn().Str("reason", reason).Msg("book reset")
}

func (s *Sequencer) observeLocked() {
	metrics.SequencerState.WithLabelValues(s.symbol).Set(float64(s.state))
	metrics.ResyncBufferSize.WithLabelValues(s.symbol).Set(float64(len(s.buffer)))
	metrics.LastSequence.WithLabelValues(s.symbol).Set(float64(s.last))
	metrics.BookLevels.WithLabelValues(s.symbol, book.Bid.String()).Set(float64(s.book.Len(book.Bid)))
	metrics.BookLevels.WithLabelValues(s.symbol, book.Ask.String()).Set(float64(s.book.Len(book.Ask)))
	spread := math.NaN()
	if p, ok := s.book.Spread(); ok {
		spread = p.Decimal().InexactFloat64()
	}
	metrics.Spread.WithLabelValues(s.symbol).Set(spread)
}

// String is used in log lines and the renderer header.
func (s *Sequencer) String() string {
	last, ok := s.LastSequence()
	seq := "-"
	if ok {
		seq = strconv.FormatUint(last, 10)
	}
	return s.symbol + "[" + s.State().String() + " seq=" + seq + "]"
}
