package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
)

func newTestRunner(t *testing.T, symbol string, cfg Config) (*Runner, *recordingRequester) {
	t.Helper()
	req := &recordingRequester{}
	s, err := New(symbol, book.New(symbol), cfg, req)
	require.NoError(t, err)
	rc := DefaultRunnerConfig(adapter.ExchangeKuCoin)
	rc.TickInterval = 10 * time.Millisecond
	rc.Depth = 5
	return NewRunner(s, rc, zerolog.Nop()), req
}

func nextUpdate(t *testing.T, r *Runner) adapter.BookUpdate {
	t.Helper()
	select {
	case u, ok := <-r.Updates():
		require.True(t, ok, "updates closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for book update")
	}
	return adapter.BookUpdate{}
}

func TestRunner_PublishesAfterChanges(t *testing.T) {
	r, _ := newTestRunner(t, "XBTUSDTM", defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.Deliver(ctx, snap(1, []book.PriceLevel{lv(99, 5)}, []book.PriceLevel{lv(101, 3)})))
	u := nextUpdate(t, r)
	assert.Equal(t, adapter.ExchangeKuCoin, u.Exchange)
	assert.Equal(t, "XBTUSDTM", u.Symbol)
	assert.Equal(t, uint64(1), u.Sequence)
	assert.Equal(t, "synced", u.State)
	assert.True(t, u.Synced)
	assert.Equal(t, []book.PriceLevel{lv(99, 5)}, u.Bids)
	assert.Equal(t, []book.PriceLevel{lv(101, 3)}, u.Asks)

	// A stale diff changes nothing and publishes nothing; the next update
	// seen belongs to diff 2.
	require.NoError(t, r.Deliver(ctx, diff(1, book.Bid, 99, 9)))
	require.NoError(t, r.Deliver(ctx, diff(2, book.Bid, 100, 1)))
	u = nextUpdate(t, r)
	assert.Equal(t, uint64(2), u.Sequence)
	assert.Equal(t, []book.PriceLevel{lv(100, 1), lv(99, 5)}, u.Bids)

	require.NoError(t, r.Deliver(ctx, Heartbeat{}))
	u = nextUpdate(t, r)
	assert.Equal(t, uint64(2), u.Sequence)
}

func TestRunner_InvariantViolationForcesResync(t *testing.T) {
	r, req := newTestRunner(t, "ETHUSDTM", defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.Deliver(ctx, snap(1, []book.PriceLevel{lv(99, 5)}, []book.PriceLevel{lv(101, 3)})))
	nextUpdate(t, r)

	require.NoError(t, r.Deliver(ctx, diff(2, book.Bid, 105, 1)))
	u := nextUpdate(t, r)
	assert.Equal(t, "resyncing", u.State)
	assert.False(t, u.Synced)
	assert.Equal(t, []book.PriceLevel{lv(99, 5)}, u.Bids, "rejected diff must not reach the book")

	select {
	case err := <-r.Errors():
		assert.True(t, errors.Is(err, book.ErrInvariantViolation))
	case <-time.After(2 * time.Second):
		t.Fatal("expected invariant error")
	}
	assert.Equal(t, 1, req.count())
}

func TestRunner_TickerEnforcesResyncTimeout(t *testing.T) {
	r, req := newTestRunner(t, "SOLUSDTM", Config{ResyncBufferLimit: 8, ResyncTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.Deliver(ctx, snap(1, []book.PriceLevel{lv(99, 5)}, []book.PriceLevel{lv(101, 3)})))
	require.NoError(t, r.Deliver(ctx, diff(5, book.Bid, 98, 1)))

	// No further events: only the ticker can re-request.
	require.Eventually(t, func() bool { return req.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Resyncing, r.Sequencer().State())
}

func TestRunner_RunClosesChannels(t *testing.T) {
	r, _ := newTestRunner(t, "XBTUSDTM", defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, ok := <-r.Updates()
	assert.False(t, ok)
	_, ok = <-r.Errors()
	assert.False(t, ok)
}

func TestRunner_TryDeliverReportsFullInbox(t *testing.T) {
	req := &recordingRequester{}
	s, err := New("X", book.New("X"), defaultConfig(), req)
	require.NoError(t, err)
	r := NewRunner(s, RunnerConfig{Exchange: adapter.ExchangeKuCoin, InboxSize: 1}, zerolog.Nop())

	require.NoError(t, r.TryDeliver(Heartbeat{}))
	assert.ErrorIs(t, r.TryDeliver(Heartbeat{}), ErrInboxFull)
}

func TestGroup_RoutesBySymbol(t *testing.T) {
	g := NewGroup()
	a, _ := newTestRunner(t, "XBTUSDTM", defaultConfig())
	b, _ := newTestRunner(t, "ETHUSDTM", defaultConfig())
	require.NoError(t, g.Add(a))
	require.NoError(t, g.Add(b))
	assert.Error(t, g.Add(a), "duplicate symbol")
	assert.Equal(t, []string{"XBTUSDTM", "ETHUSDTM"}, g.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.NoError(t, g.Deliver(ctx, "ETHUSDTM", snap(3, []book.PriceLevel{lv(10, 1)}, []book.PriceLevel{lv(11, 1)})))
	u := nextUpdate(t, b)
	assert.Equal(t, "ETHUSDTM", u.Symbol)
	assert.Equal(t, Uninitialized, a.Sequencer().State())

	err := g.Deliver(ctx, "DOGEUSDTM", Heartbeat{})
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	require.NoError(t, g.Broadcast(ctx, Disconnected{}))
	ua := nextUpdate(t, a)
	ub := nextUpdate(t, b)
	assert.Equal(t, "uninitialized", ua.State)
	assert.Equal(t, "uninitialized", ub.State)
	assert.Empty(t, ub.Bids)
}
