package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/sequencer"
)

const (
	// DefaultRESTURL is the public futures REST endpoint.
	DefaultRESTURL = "https://api-futures.kucoin.com"

	tokenPath    = "/api/v1/bullet-public"
	snapshotPath = "/api/v1/level2/snapshot"

	codeOK = "200000"
)

// ErrAPI is wrapped by every non-success response from the REST API.
var ErrAPI = errors.New("kucoin api error")

// envelope is the REST response wrapper.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type rawToken struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		PingInterval int64  `json:"pingInterval"` // ms
		PingTimeout  int64  `json:"pingTimeout"`  // ms
	} `json:"instanceServers"`
}

type rawSnapshot struct {
	Symbol   string               `json:"symbol"`
	Sequence uint64               `json:"sequence"`
	Bids     [][2]decimal.Decimal `json:"bids"`
	Asks     [][2]decimal.Decimal `json:"asks"`
	Ts       int64                `json:"ts"`
}

// Token is a short-lived public websocket token and the server to use it
// with.
type Token struct {
	Token        string
	Endpoint     string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Client talks to the public futures REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: tr, Timeout: timeout},
	}
}

// Token requests a public websocket connect token.
func (c *Client) Token(ctx context.Context) (Token, error) {
	var raw rawToken
	if err := c.do(ctx, http.MethodPost, tokenPath, nil, &raw); err != nil {
		return Token{}, fmt.Errorf("kucoin: token: %w", err)
	}
	if raw.Token == "" || len(raw.InstanceServers) == 0 {
		return Token{}, fmt.Errorf("kucoin: token: %w: empty token or server list", ErrAPI)
	}
	srv := raw.InstanceServers[0]
	return Token{
		Token:        raw.Token,
		Endpoint:     srv.Endpoint,
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
	}, nil
}

// Snapshot fetches the full level 2 book for symbol.
func (c *Client) Snapshot(ctx context.Context, symbol string) (sequencer.Snapshot, error) {
	var raw rawSnapshot
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, snapshotPath, q, &raw); err != nil {
		return sequencer.Snapshot{}, fmt.Errorf("kucoin: snapshot %s: %w", symbol, err)
	}

	bids, err := toLevels(raw.Bids)
	if err != nil {
		return sequencer.Snapshot{}, fmt.Errorf("kucoin: snapshot %s bids: %w", symbol, err)
	}
	asks, err := toLevels(raw.Asks)
	if err != nil {
		return sequencer.Snapshot{}, fmt.Errorf("kucoin: snapshot %s asks: %w", symbol, err)
	}
	return sequencer.Snapshot{Sequence: raw.Sequence, Bids: bids, Asks: asks}, nil
}

func toLevels(raw [][2]decimal.Decimal) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, l := range raw {
		p, err := book.PriceFromDecimal(l[0])
		if err != nil {
			return nil, err
		}
		q, err := book.QuantityFromDecimal(l[1])
		if err != nil {
			return nil, err
		}
		out = append(out, book.PriceLevel{Price: p, Quantity: q})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d: %s", ErrAPI, resp.StatusCode, truncate(body, 256))
	}

	env := envelope[json.RawMessage]{}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != codeOK {
		return fmt.Errorf("%w: code %s: %s", ErrAPI, env.Code, env.Msg)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
