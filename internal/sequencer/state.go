package sequencer

// State is the reconciliation state of one symbol.
type State uint8

const (
	Uninitialized State = iota
	Synced
	Resyncing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	case Resyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// Outcome reports what Handle did with an event.
type Outcome uint8

const (
	OutcomeIgnored   Outcome = iota // diff before the first snapshot, or unknown event
	OutcomeHeartbeat                // liveness only
	OutcomeSnapshot                 // snapshot applied outside of a resync
	OutcomeApplied                  // in-sequence diff applied
	OutcomeStale                    // diff at or below the last applied sequence
	OutcomeGap                      // gap detected, resync started
	OutcomeBuffered                 // diff held while resyncing
	OutcomeOverflow                 // buffer bound hit, buffer dropped, snapshot re-requested
	OutcomeResynced                 // resync snapshot applied and buffer drained
	OutcomeRejected                 // invariant violation, book unchanged
	OutcomeReset                    // disconnect, state discarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeHeartbeat:
		return "heartbeat"
	case OutcomeSnapshot:
		return "snapshot"
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeGap:
		return "gap"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeResynced:
		return "resynced"
	case OutcomeRejected:
		return "rejected"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Changed reports whether the book contents or the sequencer state may
// differ after this outcome.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomeSnapshot, OutcomeApplied, OutcomeGap, OutcomeResynced, OutcomeReset:
		return true
	default:
		return false
	}
}
