package adapter

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) (*CircuitBreaker, chan BookUpdate) {
	feed := make(chan BookUpdate, 64)
	cfg := CircuitBreakerConfig{
		StaleThreshold: 1000 * time.Millisecond,
		CoolOff:        2 * time.Second,
		PollInterval:   50 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg, feed)
	cb.nowFunc = clock.Now
	return cb, feed
}

func synced(symbol string) BookUpdate {
	return BookUpdate{Exchange: ExchangeKuCoin, Symbol: symbol, State: "synced", Synced: true}
}

func send(feed chan<- BookUpdate, u BookUpdate) {
	feed <- u
	time.Sleep(50 * time.Millisecond)
}

func TestCircuitBreaker_ConnectionDown(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	ws := &WSClient{}
	ws.circuit.Store(int32(CircuitOpen))
	cb.WatchConnection(ExchangeKuCoin, ws)

	send(feed, synced("XBTUSDTM"))

	if got := cb.Status(ExchangeKuCoin, "XBTUSDTM"); got != ReasonConnDown {
		t.Fatalf("expected %s while circuit is open, got %s", ReasonConnDown, got)
	}

	ws.circuit.Store(int32(CircuitClosed))

	// The first synced update started the cool-off.
	if got := cb.Status(ExchangeKuCoin, "XBTUSDTM"); got != ReasonCoolOff {
		t.Fatalf("expected %s, got %s", ReasonCoolOff, got)
	}

	clock.Advance(3 * time.Second)
	send(feed, synced("XBTUSDTM"))

	if !cb.CanServe(ExchangeKuCoin, "XBTUSDTM") {
		t.Fatal("expected CanServe=true after connection restored + cool-off + fresh data")
	}
}

func TestCircuitBreaker_NoData(t *testing.T) {
	cb, _ := newTestBreaker(newFakeClock(time.Now()))
	if got := cb.Status(ExchangeKuCoin, "ETHUSDTM"); got != ReasonNoData {
		t.Fatalf("expected %s, got %s", ReasonNoData, got)
	}
}

func TestCircuitBreaker_StaleData(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, synced("ETHUSDTM"))
	clock.Advance(3 * time.Second)
	send(feed, synced("ETHUSDTM"))

	if !cb.CanServe(ExchangeKuCoin, "ETHUSDTM") {
		t.Fatal("expected CanServe=true for fresh data")
	}

	clock.Advance(1500 * time.Millisecond)

	if got := cb.Status(ExchangeKuCoin, "ETHUSDTM"); got != ReasonStale {
		t.Fatalf("expected %s after 1500ms of silence, got %s", ReasonStale, got)
	}
}

func TestCircuitBreaker_ResyncBlocksServing(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, synced("XBTUSDTM"))
	clock.Advance(3 * time.Second)
	send(feed, synced("XBTUSDTM"))
	if !cb.CanServe(ExchangeKuCoin, "XBTUSDTM") {
		t.Fatal("expected CanServe=true before resync")
	}

	send(feed, BookUpdate{Exchange: ExchangeKuCoin, Symbol: "XBTUSDTM", State: "resyncing"})
	if got := cb.Status(ExchangeKuCoin, "XBTUSDTM"); got != ReasonNotSynced {
		t.Fatalf("expected %s while resyncing, got %s", ReasonNotSynced, got)
	}

	// Back in sync, but the cool-off restarts.
	clock.Advance(100 * time.Millisecond)
	send(feed, synced("XBTUSDTM"))
	if got := cb.Status(ExchangeKuCoin, "XBTUSDTM"); got != ReasonCoolOff {
		t.Fatalf("expected %s after recovery, got %s", ReasonCoolOff, got)
	}
}

func TestCircuitBreaker_CoolOff(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, synced("SOLUSDTM"))
	cb.MarkStale(ExchangeKuCoin, "SOLUSDTM")

	clock.Advance(100 * time.Millisecond)
	send(feed, synced("SOLUSDTM"))

	if cb.CanServe(ExchangeKuCoin, "SOLUSDTM") {
		t.Fatal("expected CanServe=false during cool-off period")
	}

	clock.Advance(2100 * time.Millisecond)
	send(feed, synced("SOLUSDTM"))

	if !cb.CanServe(ExchangeKuCoin, "SOLUSDTM") {
		t.Fatal("expected CanServe=true after cool-off elapsed + fresh data")
	}
}

func TestCircuitBreaker_ManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, synced("XBTUSDTM"))
	clock.Advance(3 * time.Second)
	send(feed, synced("XBTUSDTM"))

	if !cb.CanServe(ExchangeKuCoin, "XBTUSDTM") {
		t.Fatal("expected CanServe=true before halt")
	}

	cb.ManualHalt()
	if got := cb.Status(ExchangeKuCoin, "XBTUSDTM"); got != ReasonHalted {
		t.Fatalf("expected %s, got %s", ReasonHalted, got)
	}

	cb.Resume()
	if !cb.CanServe(ExchangeKuCoin, "XBTUSDTM") {
		t.Fatal("expected CanServe=true after Resume")
	}
}
