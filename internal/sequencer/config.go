package sequencer

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrInvalidConfig = errors.New("invalid sequencer config")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInboxFull     = errors.New("runner inbox full")
)

// Config bounds the cost of a resync. Both fields are required.
type Config struct {
	// ResyncBufferLimit is the maximum number of diffs held while waiting for
	// a resync snapshot. Exceeding it drops the buffer and re-requests.
	ResyncBufferLimit int

	// ResyncTimeout is how long a resync may wait for its snapshot before the
	// buffer is dropped and the snapshot requested again.
	ResyncTimeout time.Duration
}

// Validate reports a missing or non-positive bound.
func (c Config) Validate() error {
	if c.ResyncBufferLimit <= 0 {
		return fmt.Errorf("%w: resync buffer limit must be positive, got %d", ErrInvalidConfig, c.ResyncBufferLimit)
	}
	if c.ResyncTimeout <= 0 {
		return fmt.Errorf("%w: resync timeout must be positive, got %s", ErrInvalidConfig, c.ResyncTimeout)
	}
	return nil
}

// SnapshotRequester receives the outward RequestSnapshot signal. It is
// called with the sequencer lock held and must not block.
type SnapshotRequester interface {
	RequestSnapshot(symbol string)
}

// SnapshotRequesterFunc adapts a function to SnapshotRequester.
type SnapshotRequesterFunc func(symbol string)

func (f SnapshotRequesterFunc) RequestSnapshot(symbol string) { f(symbol) }
