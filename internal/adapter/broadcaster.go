package adapter

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// UpdatesProvider is satisfied by anything that publishes BookUpdates, such
// as a per-symbol sequencer runner.
type UpdatesProvider interface {
	Updates() <-chan BookUpdate
}

// subKey identifies a filtered subscription by exchange and symbol.
type subKey struct {
	Exchange Exchange
	Symbol   string
}

// Broadcaster is a many-to-many hub that ingests BookUpdates from any number
// of providers and distributes them to filtered subscribers and a unified
// "all" stream.
type Broadcaster struct {
	logger  zerolog.Logger
	sources []<-chan BookUpdate

	// Filtered subscribers keyed by (exchange, symbol).
	mu   sync.RWMutex
	subs map[subKey][]chan BookUpdate

	allMu  sync.RWMutex
	allSub []chan BookUpdate
}

// NewBroadcaster creates a Broadcaster ready for provider registration.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.With().Str("component", "broadcaster").Logger(),
		subs:   make(map[subKey][]chan BookUpdate),
	}
}

// Register adds a provider's update channel as a source. Must be called
// before Run.
func (b *Broadcaster) Register(provider UpdatesProvider) {
	b.sources = append(b.sources, provider.Updates())
}

// Subscribe returns a buffered channel that receives BookUpdates for one
// symbol. The caller must drain the channel to avoid dropped messages.
func (b *Broadcaster) Subscribe(exchange Exchange, symbol string) <-chan BookUpdate {
	ch := make(chan BookUpdate, 256)
	key := subKey{Exchange: exchange, Symbol: symbol}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every BookUpdate.
// Sinks and the circuit breaker consume this stream.
func (b *Broadcaster) SubscribeAll() <-chan BookUpdate {
	ch := make(chan BookUpdate, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Run starts consuming from all registered sources and distributing updates.
// It blocks until ctx is cancelled or every source is closed. Each source
// gets its own goroutine, so per-symbol order is preserved.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan BookUpdate) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case update, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(update)
				}
			}
		}(src)
	}

	wg.Wait()
}

// distribute sends an update to all matching filtered subscribers and all
// unified subscribers. Non-blocking: slow consumers get messages dropped.
func (b *Broadcaster) distribute(update BookUpdate) {
	key := subKey{Exchange: update.Exchange, Symbol: update.Symbol}

	b.mu.RLock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- update:
		default:
			metrics.PublishDropsTotal.WithLabelValues("subscriber").Inc()
			b.logger.Warn().Str("exchange", string(update.Exchange)).Str("symbol", update.Symbol).
				Msg("dropping update for slow subscriber")
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- update:
		default:
			metrics.PublishDropsTotal.WithLabelValues("all").Inc()
		}
	}
	b.allMu.RUnlock()
}
