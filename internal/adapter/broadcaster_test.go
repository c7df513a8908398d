package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockProvider is a simple UpdatesProvider backed by a plain channel.
type mockProvider struct {
	ch chan BookUpdate
}

func newMockProvider() *mockProvider {
	return &mockProvider{ch: make(chan BookUpdate, 64)}
}

func (m *mockProvider) Updates() <-chan BookUpdate { return m.ch }

func (m *mockProvider) send(update BookUpdate) { m.ch <- update }

func TestBroadcaster_MultipleProviders(t *testing.T) {
	xbt := newMockProvider()
	eth := newMockProvider()

	bc := NewBroadcaster(zerolog.Nop())
	bc.Register(xbt)
	bc.Register(eth)

	all := bc.SubscribeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go bc.Run(ctx)

	xbt.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "XBTUSDTM"})
	eth.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "ETHUSDTM"})

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-all:
			received[u.Symbol] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i+1)
		}
	}

	if !received["XBTUSDTM"] || !received["ETHUSDTM"] {
		t.Fatalf("unified stream missing updates: %v", received)
	}
}

func TestBroadcaster_FilteredSubscribers(t *testing.T) {
	src := newMockProvider()

	bc := NewBroadcaster(zerolog.Nop())
	bc.Register(src)

	subA := bc.Subscribe(ExchangeKuCoin, "XBTUSDTM")
	subB := bc.Subscribe(ExchangeKuCoin, "ETHUSDTM")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go bc.Run(ctx)

	src.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "XBTUSDTM", Sequence: 1})
	src.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "ETHUSDTM", Sequence: 2})

	select {
	case u := <-subA:
		if u.Symbol != "XBTUSDTM" {
			t.Fatalf("subA got wrong symbol: %s", u.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("subA: timed out")
	}

	select {
	case u := <-subB:
		if u.Symbol != "ETHUSDTM" {
			t.Fatalf("subB got wrong symbol: %s", u.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("subB: timed out")
	}

	select {
	case u := <-subA:
		t.Fatalf("subA received unexpected extra update: %+v", u)
	case u := <-subB:
		t.Fatalf("subB received unexpected extra update: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriber(t *testing.T) {
	src := newMockProvider()

	bc := NewBroadcaster(zerolog.Nop())
	bc.Register(src)

	// slowCh has a tiny buffer that fills up immediately.
	slowKey := subKey{Exchange: ExchangeKuCoin, Symbol: "SLOWUSDTM"}
	slowCh := make(chan BookUpdate, 1)
	bc.mu.Lock()
	bc.subs[slowKey] = append(bc.subs[slowKey], slowCh)
	bc.mu.Unlock()

	fastSub := bc.Subscribe(ExchangeKuCoin, "FASTUSDTM")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go bc.Run(ctx)

	src.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "SLOWUSDTM", Sequence: 1})
	time.Sleep(50 * time.Millisecond)

	// The slow channel is full; it must drop without blocking the fast one.
	src.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "SLOWUSDTM", Sequence: 2})
	src.send(BookUpdate{Exchange: ExchangeKuCoin, Symbol: "FASTUSDTM", Sequence: 3})

	select {
	case u := <-fastSub:
		if u.Sequence != 3 {
			t.Fatalf("fast subscriber got wrong update: %d", u.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by slow subscriber")
	}
}

func TestBroadcaster_RunReturnsWhenSourcesClose(t *testing.T) {
	src := newMockProvider()
	bc := NewBroadcaster(zerolog.Nop())
	bc.Register(src)

	done := make(chan struct{})
	go func() {
		bc.Run(context.Background())
		close(done)
	}()
	close(src.ch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after sources closed")
	}
}
