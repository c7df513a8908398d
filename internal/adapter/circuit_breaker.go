package adapter

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of the last BookUpdate before the
	// symbol is considered stale. Default: 5s.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous synced data required after a
	// recovery before the book is served again. Default: 2s.
	CoolOff time.Duration

	// PollInterval is how frequently health reporters re-evaluate
	// CanServe. Default: 500ms.
	PollInterval time.Duration
}

// DefaultCircuitBreakerConfig returns production-tuned defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        2 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// Connection reports the health of a feed connection. *WSClient satisfies
// it.
type Connection interface {
	Circuit() CircuitState
}

// symbolState tracks health for a single (exchange, symbol) pair.
type symbolState struct {
	LastUpdate time.Time
	// RecoveredAt is set when a symbol transitions from unhealthy to healthy.
	// Serving is blocked until CoolOff has elapsed since then.
	RecoveredAt time.Time
	Healthy     bool
	State       string
}

// Reason values returned by Status.
const (
	ReasonServing   = "serving"
	ReasonHalted    = "halted"
	ReasonConnDown  = "connection_down"
	ReasonNoData    = "no_data"
	ReasonNotSynced = "not_synced"
	ReasonStale     = "stale"
	ReasonCoolOff   = "cool_off"
)

// CircuitBreaker gates whether a book may be served to readers. It enforces:
//   - connection health via Connection.Circuit()
//   - sequencer state via BookUpdate.Synced
//   - data staleness via update arrival times
//   - a cool-off period after recovery
//   - a manual halt
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	feed <-chan BookUpdate

	connMu sync.RWMutex
	conns  map[Exchange]Connection

	mu      sync.RWMutex
	symbols map[subKey]*symbolState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker that monitors feed, normally a
// Broadcaster SubscribeAll channel. Connections are registered separately
// via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, feed <-chan BookUpdate) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		feed:    feed,
		conns:   make(map[Exchange]Connection),
		symbols: make(map[subKey]*symbolState),
		nowFunc: time.Now,
	}
}

// Config returns the breaker's configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.cfg }

// WatchConnection registers a connection so its circuit state is monitored.
func (cb *CircuitBreaker) WatchConnection(exchange Exchange, conn Connection) {
	cb.connMu.Lock()
	cb.conns[exchange] = conn
	cb.connMu.Unlock()
}

// ManualHalt blocks serving for every symbol until Resume is called.
func (cb *CircuitBreaker) ManualHalt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
}

// Resume clears the manual halt. Symbols still need to pass the staleness
// and cool-off checks before CanServe returns true.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
}

// CanServe reports whether the book for symbol is currently trustworthy.
func (cb *CircuitBreaker) CanServe(exchange Exchange, symbol string) bool {
	return cb.Status(exchange, symbol) == ReasonServing
}

// Status returns ReasonServing, or the first reason the book may not be
// served.
func (cb *CircuitBreaker) Status(exchange Exchange, symbol string) string {
	cb.haltMu.RLock()
	halted := cb.halted
	cb.haltMu.RUnlock()
	if halted {
		return ReasonHalted
	}

	cb.connMu.RLock()
	conn, ok := cb.conns[exchange]
	cb.connMu.RUnlock()
	if ok && conn.Circuit() == CircuitOpen {
		return ReasonConnDown
	}

	key := subKey{Exchange: exchange, Symbol: symbol}
	now := cb.nowFunc()

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ss, exists := cb.symbols[key]
	switch {
	case !exists:
		return ReasonNoData
	case !ss.Healthy:
		return ReasonNotSynced
	case now.Sub(ss.LastUpdate) > cb.cfg.StaleThreshold:
		return ReasonStale
	case !ss.RecoveredAt.IsZero() && now.Sub(ss.RecoveredAt) < cb.cfg.CoolOff:
		return ReasonCoolOff
	}
	return ReasonServing
}

// Run consumes the feed, updating per-symbol health. It blocks until ctx is
// cancelled.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-cb.feed:
			if !ok {
				return
			}
			cb.recordUpdate(update)
		}
	}
}

func (cb *CircuitBreaker) recordUpdate(update BookUpdate) {
	key := subKey{Exchange: update.Exchange, Symbol: update.Symbol}
	now := cb.nowFunc()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	ss, exists := cb.symbols[key]
	if !exists {
		ss = &symbolState{}
		cb.symbols[key] = ss
	}

	wasHealthy := ss.Healthy
	ss.LastUpdate = now
	ss.State = update.State
	ss.Healthy = update.Synced

	if !wasHealthy && ss.Healthy {
		ss.RecoveredAt = now
	}
}

// MarkStale forces a symbol into an unhealthy state until its next synced
// update.
func (cb *CircuitBreaker) MarkStale(exchange Exchange, symbol string) {
	key := subKey{Exchange: exchange, Symbol: symbol}

	cb.mu.Lock()
	if ss, exists := cb.symbols[key]; exists {
		ss.Healthy = false
	}
	cb.mu.Unlock()
}
