package adapter

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// CircuitState represents the health of the WebSocket connection. The
// circuit breaker reads it to decide whether books from this feed may be
// served.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, books are not servable
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	Exchange Exchange

	// URL is dialed as is unless Resolve is set.
	URL string

	// Resolve, when set, is called before every dial to produce the URL.
	// Feeds that hand out short-lived connect tokens use it to fetch a new
	// token per connection.
	Resolve func(ctx context.Context) (string, error)

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// PingInterval and PingMessage drive application level pings for feeds
	// that expect the client to keep the session alive.
	PingInterval time.Duration
	PingMessage  func() []byte

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for a futures depth feed.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a resilient WebSocket connection manager. It reconnects with
// exponential backoff, treats read silence as a dead connection, and fans
// out incoming messages to subscribers.
type WSClient struct {
	cfg    WSConfig
	logger zerolog.Logger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	// subscribers receive every inbound message.
	subMu sync.RWMutex
	subs  []chan []byte

	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	onDisconnect func(error)
	onReconnect  func()
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, logger zerolog.Logger) *WSClient {
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	return &WSClient{
		cfg:    cfg,
		logger: logger.With().Str("component", "ws").Str("exchange", string(cfg.Exchange)).Logger(),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// OnDisconnect registers fn to run when a live connection is lost, before
// reconnection starts. Must be called before Connect.
func (ws *WSClient) OnDisconnect(fn func(error)) { ws.onDisconnect = fn }

// OnReconnect registers fn to run after every successful reconnection. Must
// be called before Connect.
func (ws *WSClient) OnReconnect(fn func()) { ws.onReconnect = fn }

// Circuit returns the current circuit state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Subscribe returns a channel that receives every inbound message. Messages
// are dropped for a subscriber that does not keep up.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the WebSocket connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.logger.Warn().Int("bytes", len(data)).Msg("outbox full, dropping message")
	}
}

// Connect dials the WebSocket endpoint and starts the read, write and ping
// loops. It blocks until the initial connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.cancel()
		return err
	}
	ws.circuit.Store(int32(CircuitClosed))

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	if ws.cfg.PingInterval > 0 && ws.cfg.PingMessage != nil {
		go ws.pingLoop(ctx)
	}
	return nil
}

// Close shuts down the client, closing the underlying connection and all
// subscriber channels. It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.subMu.Lock()
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) url(ctx context.Context) (string, error) {
	if ws.cfg.Resolve != nil {
		u, err := ws.cfg.Resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("ws: resolve url: %w", err)
		}
		return u, nil
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.cfg.URL, nil
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	target, err := ws.url(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, target, ws.cfg.Headers)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.logger.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.circuit.Store(int32(CircuitClosed))
		metrics.FeedReconnectsTotal.WithLabelValues(string(ws.cfg.Exchange)).Inc()
		ws.logger.Info().Msg("reconnected")
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// readLoop reads messages and fans them out to subscribers. It also acts as
// the heartbeat monitor: if no message arrives within HeartbeatTimeout, it
// triggers a reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.logger.Warn().Err(err).Msg("read error, reconnecting")
			c.Close()
			ws.circuit.Store(int32(CircuitOpen))
			if ws.onDisconnect != nil {
				ws.onDisconnect(err)
			}
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(msg)
	}
}

// writeLoop drains the outbox and writes messages to the connection. It is
// the connection's only writer.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.logger.Warn().Err(err).Msg("write error")
			}
		}
	}
}

func (ws *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.Circuit() == CircuitClosed {
				ws.Send(ws.cfg.PingMessage())
			}
		}
	}
}

// fanOut delivers msg to every subscriber without blocking.
func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			// Slow consumer, drop to avoid head-of-line blocking.
		}
	}
}
