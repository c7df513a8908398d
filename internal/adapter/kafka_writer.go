package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaWriter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaProducer returns a synchronous writer that waits for all in-sync
// replicas.
func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// BookMessage is the JSON value written for every published book update.
// Levels are [price, size] pairs in decimal notation, best first.
type BookMessage struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Sequence  uint64      `json:"sequence"`
	State     string      `json:"state"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Timestamp int64       `json:"ts"`
}

type seqState struct {
	seq   uint64
	state string
}

// KafkaWriter streams book updates to a topic keyed by symbol, so every
// symbol keeps its order within one partition. Updates that repeat the
// previous sequence and state of a symbol (heartbeat republishes) are
// skipped.
type KafkaWriter struct {
	writer   MessageWriter
	feed     <-chan BookUpdate
	logger   zerolog.Logger
	maxBatch int

	last map[string]seqState
}

// NewKafkaWriter creates a KafkaWriter reading from feed.
func NewKafkaWriter(writer MessageWriter, feed <-chan BookUpdate, logger zerolog.Logger) *KafkaWriter {
	return &KafkaWriter{
		writer:   writer,
		feed:     feed,
		logger:   logger.With().Str("component", "kafka_writer").Logger(),
		maxBatch: 100,
		last:     make(map[string]seqState),
	}
}

// Run writes updates until ctx is cancelled or the feed closes, then closes
// the underlying writer.
func (kw *KafkaWriter) Run(ctx context.Context) {
	defer func() {
		if err := kw.writer.Close(); err != nil {
			kw.logger.Warn().Err(err).Msg("close writer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-kw.feed:
			if !ok {
				return
			}
			batch := kw.appendMessage(nil, update)
			// Take whatever else is already queued.
		drain:
			for len(batch) < kw.maxBatch {
				select {
				case more, ok := <-kw.feed:
					if !ok {
						break drain
					}
					batch = kw.appendMessage(batch, more)
				default:
					break drain
				}
			}
			kw.flush(ctx, batch)
		}
	}
}

func (kw *KafkaWriter) appendMessage(batch []kafka.Message, update BookUpdate) []kafka.Message {
	cur := seqState{seq: update.Sequence, state: update.State}
	if prev, ok := kw.last[update.Symbol]; ok && prev == cur {
		return batch
	}
	kw.last[update.Symbol] = cur

	value, err := json.Marshal(BookMessage{
		Exchange:  string(update.Exchange),
		Symbol:    update.Symbol,
		Sequence:  update.Sequence,
		State:     update.State,
		Bids:      levelsFrom(update.Bids),
		Asks:      levelsFrom(update.Asks),
		Timestamp: update.Timestamp.UnixMilli(),
	})
	if err != nil {
		kw.logger.Error().Err(err).Str("symbol", update.Symbol).Msg("encode book message")
		return batch
	}
	return append(batch, kafka.Message{Key: []byte(update.Symbol), Value: value, Time: update.Timestamp})
}

func (kw *KafkaWriter) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	if err := kw.writer.WriteMessages(ctx, batch...); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SinkErrorsTotal.WithLabelValues("kafka").Inc()
		kw.logger.Warn().Err(err).Int("messages", len(batch)).Msg("write messages failed")
		// Drop the dedup state of the failed symbols so their next update
		// is written even if it repeats the sequence.
		for _, m := range batch {
			delete(kw.last, string(m.Key))
		}
	}
}

func levelsFrom(levels []book.PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	return out
}
