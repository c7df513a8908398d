// Package kucoin feeds KuCoin futures level 2 market data into per-symbol
// sequencers.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/sequencer"
)

const level2Topic = "/contractMarket/level2:"

// Sink receives decoded events. *sequencer.Group satisfies it.
type Sink interface {
	Deliver(ctx context.Context, symbol string, ev sequencer.Event) error
	Broadcast(ctx context.Context, ev sequencer.Event) error
}

// Config holds the feed settings.
type Config struct {
	RESTURL     string
	Symbols     []string
	HTTPTimeout time.Duration

	// WS carries buffer, heartbeat and backoff settings. URL, Resolve and
	// PingMessage are filled in by the adapter.
	WS adapter.WSConfig

	// SnapshotRetryMax caps the delay between failed snapshot fetches.
	SnapshotRetryMax time.Duration
}

// command is the outbound websocket envelope.
type command struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// message is the inbound websocket envelope.
type message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type level2Data struct {
	Sequence  uint64 `json:"sequence"`
	Change    string `json:"change"`
	Timestamp int64  `json:"timestamp"`
}

type fetchState struct {
	inflight bool
	again    bool
}

// Adapter connects to the public futures websocket, subscribes to the level
// 2 topic of every symbol and turns messages into sequencer events. It is
// also the sequencers' SnapshotRequester: requests become asynchronous REST
// fetches whose results are delivered back through the Sink.
type Adapter struct {
	client  *Client
	ws      *adapter.WSClient
	raw     <-chan []byte
	sink    Sink
	symbols []string
	logger  zerolog.Logger

	retryMax time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	fetches map[string]*fetchState
}

// New creates an Adapter. It subscribes to the websocket fan-out right away
// so no message is missed once Run connects.
func New(cfg Config, sink Sink, logger zerolog.Logger) *Adapter {
	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.SnapshotRetryMax <= 0 {
		cfg.SnapshotRetryMax = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		client:   NewClient(cfg.RESTURL, cfg.HTTPTimeout),
		sink:     sink,
		symbols:  append([]string(nil), cfg.Symbols...),
		logger:   logger.With().Str("component", "kucoin").Logger(),
		retryMax: cfg.SnapshotRetryMax,
		ctx:      ctx,
		cancel:   cancel,
		fetches:  make(map[string]*fetchState),
	}

	wsCfg := cfg.WS
	wsCfg.Exchange = adapter.ExchangeKuCoin
	wsCfg.Resolve = a.resolve
	wsCfg.PingMessage = pingMessage
	a.ws = adapter.NewWSClient(wsCfg, logger)
	a.ws.OnDisconnect(a.onDisconnect)
	a.ws.OnReconnect(a.onReconnect)
	a.raw = a.ws.Subscribe()
	return a
}

// Conn exposes the websocket connection for circuit breaker monitoring.
func (a *Adapter) Conn() *adapter.WSClient { return a.ws }

// Client returns the REST client.
func (a *Adapter) Client() *Client { return a.client }

// Run connects, subscribes every symbol, requests initial snapshots and
// decodes messages until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.ws.Connect(ctx); err != nil {
		return fmt.Errorf("kucoin: connect: %w", err)
	}
	a.logger.Info().Strs("symbols", a.symbols).Msg("connected")
	a.subscribeAll()
	for _, sym := range a.symbols {
		a.RequestSnapshot(sym)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-a.raw:
			if !ok {
				return nil
			}
			a.handleMessage(ctx, raw)
		}
	}
}

// Close stops the websocket and any in-flight snapshot fetches.
func (a *Adapter) Close() {
	a.cancel()
	a.ws.Close()
}

// RequestSnapshot starts an asynchronous snapshot fetch for symbol. At most
// one fetch per symbol runs at a time; a request that arrives during a fetch
// schedules exactly one more.
func (a *Adapter) RequestSnapshot(symbol string) {
	a.mu.Lock()
	st, ok := a.fetches[symbol]
	if !ok {
		st = &fetchState{}
		a.fetches[symbol] = st
	}
	if st.inflight {
		st.again = true
		a.mu.Unlock()
		return
	}
	st.inflight = true
	a.mu.Unlock()

	go a.fetchLoop(symbol)
}

func (a *Adapter) fetchLoop(symbol string) {
	for {
		snap, ok := a.fetchWithRetry(symbol)
		if ok {
			if err := a.sink.Deliver(a.ctx, symbol, snap); err != nil {
				a.logger.Warn().Err(err).Str("symbol", symbol).Msg("deliver snapshot")
			}
		}

		a.mu.Lock()
		st := a.fetches[symbol]
		if !ok || !st.again {
			st.inflight, st.again = false, false
			a.mu.Unlock()
			return
		}
		st.again = false
		a.mu.Unlock()
	}
}

func (a *Adapter) fetchWithRetry(symbol string) (sequencer.Snapshot, bool) {
	delay := 100 * time.Millisecond
	for {
		snap, err := a.client.Snapshot(a.ctx, symbol)
		if err == nil {
			metrics.SnapshotFetchesTotal.WithLabelValues(symbol, "ok").Inc()
			a.logger.Debug().Str("symbol", symbol).Uint64("seq", snap.Sequence).
				Int("bids", len(snap.Bids)).Int("asks", len(snap.Asks)).Msg("snapshot fetched")
			return snap, true
		}
		if a.ctx.Err() != nil {
			return sequencer.Snapshot{}, false
		}
		metrics.SnapshotFetchesTotal.WithLabelValues(symbol, "error").Inc()
		a.logger.Warn().Err(err).Str("symbol", symbol).Dur("retry_in", delay).Msg("snapshot fetch failed")

		select {
		case <-a.ctx.Done():
			return sequencer.Snapshot{}, false
		case <-time.After(delay):
		}
		delay = min(delay*2, a.retryMax)
	}
}

// resolve fetches a fresh connect token before every dial.
func (a *Adapter) resolve(ctx context.Context) (string, error) {
	tok, err := a.client.Token(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(tok.Endpoint)
	if err != nil {
		return "", fmt.Errorf("kucoin: endpoint %q: %w", tok.Endpoint, err)
	}
	q := u.Query()
	q.Set("token", tok.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	a.logger.Debug().Str("endpoint", tok.Endpoint).Dur("server_ping_interval", tok.PingInterval).Msg("token resolved")
	return u.String(), nil
}

func (a *Adapter) onDisconnect(err error) {
	a.logger.Warn().Err(err).Msg("feed disconnected, resetting books")
	if derr := a.sink.Broadcast(a.ctx, sequencer.Disconnected{}); derr != nil {
		a.logger.Warn().Err(derr).Msg("deliver disconnect")
	}
}

func (a *Adapter) onReconnect() {
	a.subscribeAll()
	for _, sym := range a.symbols {
		a.RequestSnapshot(sym)
	}
}

func (a *Adapter) subscribeAll() {
	for _, sym := range a.symbols {
		a.ws.Send(subscribeMessage(sym))
	}
}

func subscribeMessage(symbol string) []byte {
	msg, _ := json.Marshal(command{
		ID:       uuid.NewString(),
		Type:     "subscribe",
		Topic:    level2Topic + symbol,
		Response: true,
	})
	return msg
}

func pingMessage() []byte {
	msg, _ := json.Marshal(command{ID: uuid.NewString(), Type: "ping"})
	return msg
}

func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	symbol, ev, err := decodeMessage(raw)
	if err != nil {
		metrics.FeedDecodeErrorsTotal.WithLabelValues(string(adapter.ExchangeKuCoin)).Inc()
		a.logger.Warn().Err(err).Bytes("raw", truncateBytes(raw, 256)).Msg("decode message")
		return
	}
	if ev == nil {
		return
	}

	if symbol == "" {
		err = a.sink.Broadcast(ctx, ev)
	} else {
		err = a.sink.Deliver(ctx, symbol, ev)
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("deliver event")
	}
}

// decodeMessage maps one websocket frame to an event. An empty symbol means
// the event concerns every symbol on the connection. A nil event with a nil
// error means the frame carries nothing for the sequencers.
func decodeMessage(raw []byte) (string, sequencer.Event, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, fmt.Errorf("kucoin: invalid JSON: %w", err)
	}

	switch msg.Type {
	case "welcome", "ack", "pong":
		return "", sequencer.Heartbeat{}, nil
	case "error":
		return "", nil, fmt.Errorf("kucoin: server error %s: %s", msg.Code, msg.Data)
	case "message":
		if msg.Subject != "level2" || !strings.HasPrefix(msg.Topic, level2Topic) {
			return "", nil, nil
		}
		var data level2Data
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return "", nil, fmt.Errorf("kucoin: level2 data: %w", err)
		}
		diff, err := parseChange(data.Sequence, data.Change)
		if err != nil {
			return "", nil, err
		}
		return strings.TrimPrefix(msg.Topic, level2Topic), diff, nil
	default:
		return "", nil, nil
	}
}

// parseChange decodes "price,side,size".
func parseChange(seq uint64, change string) (sequencer.Diff, error) {
	parts := strings.Split(change, ",")
	if len(parts) != 3 {
		return sequencer.Diff{}, fmt.Errorf("kucoin: malformed change %q", change)
	}
	price, err := book.ParsePrice(parts[0])
	if err != nil {
		return sequencer.Diff{}, fmt.Errorf("kucoin: change %q price: %w", change, err)
	}
	side, err := book.ParseSide(parts[1])
	if err != nil {
		return sequencer.Diff{}, fmt.Errorf("kucoin: change %q: %w", change, err)
	}
	qty, err := book.ParseQuantity(parts[2])
	if err != nil {
		return sequencer.Diff{}, fmt.Errorf("kucoin: change %q size: %w", change, err)
	}
	if price <= 0 || qty < 0 {
		return sequencer.Diff{}, fmt.Errorf("kucoin: change %q out of range", change)
	}
	return sequencer.Diff{Sequence: seq, Side: side, Price: price, Quantity: qty}, nil
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
