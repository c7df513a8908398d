package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	client *redis.Client
}

// NewGoRedis wraps an existing go-redis client.
func NewGoRedis(client *redis.Client) *GoRedis {
	return &GoRedis{client: client}
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.client.HSet(ctx, key, values...).Err()
}

// topOfBook is the last-written top of book for a symbol, used to skip
// duplicate writes.
type topOfBook struct {
	Bid, BidSize string
	Ask, AskSize string
	State        string
}

// RedisWriter subscribes to a Broadcaster's unified stream and persists the
// top of book for every symbol into Redis using the schema:
//
//	Key:    book:{exchange}:{symbol}
//	Fields: bid, bid_size, ask, ask_size, seq, state, ts
//
// Writes are non-blocking: updates are buffered in an internal channel and
// flushed by a dedicated goroutine. Unchanged tops are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan BookUpdate
	buf    chan BookUpdate
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from feed, normally the
// Broadcaster's SubscribeAll channel.
func NewRedisWriter(client RedisClient, feed <-chan BookUpdate, logger zerolog.Logger) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan BookUpdate, 1024),
		logger: logger.With().Str("component", "redis_writer").Logger(),
		last:   make(map[string]topOfBook),
	}
}

// Run drains the feed into an internal buffer and flushes buffered updates
// to Redis. It blocks until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion never blocks the Broadcaster.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- update:
				default:
					metrics.PublishDropsTotal.WithLabelValues("redis").Inc()
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-rw.buf:
				rw.write(ctx, update)
			}
		}
	}()

	wg.Wait()
}

// write extracts the top of book, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, update BookUpdate) {
	top := topOf(update)
	key := fmt.Sprintf("book:%s:%s", update.Exchange, update.Symbol)

	rw.mu.Lock()
	if prev, exists := rw.last[key]; exists && prev == top {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = top
	rw.mu.Unlock()

	err := rw.client.HSet(ctx, key,
		"bid", top.Bid, "bid_size", top.BidSize,
		"ask", top.Ask, "ask_size", top.AskSize,
		"seq", strconv.FormatUint(update.Sequence, 10),
		"state", top.State,
		"ts", strconv.FormatInt(update.Timestamp.UnixMilli(), 10),
	)
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("redis").Inc()
		rw.logger.Warn().Err(err).Str("key", key).Msg("hset failed")
		// Forget the cached top so the next update retries.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

func topOf(update BookUpdate) topOfBook {
	top := topOfBook{Bid: "0", BidSize: "0", Ask: "0", AskSize: "0", State: update.State}
	if l, ok := update.BestBid(); ok {
		top.Bid, top.BidSize = l.Price.String(), l.Quantity.String()
	}
	if l, ok := update.BestAsk(); ok {
		top.Ask, top.AskSize = l.Price.String(), l.Quantity.String()
	}
	return top
}
