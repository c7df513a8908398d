package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/adapter/kucoin"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/config"
	"github.com/caesar-terminal/depthbook/internal/health"
	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/render"
	"github.com/caesar-terminal/depthbook/internal/sequencer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	logger.Info().Str("env", cfg.Env).Strs("symbols", cfg.Feed.Symbols).Msg("depthbook starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("depthbook stopped")
		os.Exit(1)
	}
	logger.Info().Msg("depthbook shut down")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	defer wg.Wait()
	defer cancel()

	reg := metrics.Init(logger)
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	spawn(func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server")
		}
	})
	defer metricsSrv.Close()

	// Feed
	group := sequencer.NewGroup()
	wsCfg := adapter.DefaultWSConfig("")
	wsCfg.PingInterval = cfg.Feed.PingInterval
	wsCfg.HeartbeatTimeout = cfg.Feed.HeartbeatTimeout
	wsCfg.BackoffInitial = cfg.Feed.BackoffInitial
	wsCfg.BackoffMax = cfg.Feed.BackoffMax
	feed := kucoin.New(kucoin.Config{
		RESTURL:          cfg.Feed.RESTURL,
		Symbols:          cfg.Feed.Symbols,
		HTTPTimeout:      cfg.Feed.HTTPTimeout,
		WS:               wsCfg,
		SnapshotRetryMax: cfg.Feed.SnapshotRetryMax,
	}, group, logger)

	// One sequencer and runner per symbol.
	bc := adapter.NewBroadcaster(logger)
	seqCfg := sequencer.Config{
		ResyncBufferLimit: cfg.Sequencer.ResyncBufferLimit,
		ResyncTimeout:     cfg.Sequencer.ResyncTimeout,
	}
	var sources []render.Source
	for _, sym := range cfg.Feed.Symbols {
		seq, err := sequencer.New(sym, book.New(sym), seqCfg, feed, sequencer.WithLogger(logger))
		if err != nil {
			return err
		}
		runner := sequencer.NewRunner(seq, sequencer.RunnerConfig{
			Exchange:          adapter.ExchangeKuCoin,
			InboxSize:         cfg.Sequencer.InboxSize,
			Depth:             cfg.Sequencer.PublishDepth,
			TickInterval:      cfg.Sequencer.TickInterval,
			ResyncOnInvariant: cfg.Sequencer.ResyncOnInvariant,
		}, logger)
		if err := group.Add(runner); err != nil {
			return err
		}
		bc.Register(runner)
		sources = append(sources, seq)
	}

	// Downstream consumers subscribe before the broadcaster starts.
	breaker := adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
		StaleThreshold: cfg.Health.StaleThreshold,
		CoolOff:        cfg.Health.CoolOff,
		PollInterval:   cfg.Health.PollInterval,
	}, bc.SubscribeAll())
	breaker.WatchConnection(adapter.ExchangeKuCoin, feed.Conn())

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rw := adapter.NewRedisWriter(adapter.NewGoRedis(client), bc.SubscribeAll(), logger)
		spawn(func() { rw.Run(ctx) })
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis sink enabled")
	}

	if cfg.Kafka.Enabled {
		kw := adapter.NewKafkaWriter(adapter.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic), bc.SubscribeAll(), logger)
		spawn(func() { kw.Run(ctx) })
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka sink enabled")
	}

	hs, err := health.New(cfg.Health.GRPCAddr, breaker, adapter.ExchangeKuCoin, cfg.Feed.Symbols, breaker.Config().PollInterval, logger)
	if err != nil {
		return err
	}
	defer hs.GracefulStop()
	spawn(func() {
		if err := hs.Serve(); err != nil {
			logger.Warn().Err(err).Msg("health server stopped")
		}
	})
	spawn(func() { hs.Run(ctx) })

	if cfg.Render.Enabled {
		r := render.New(os.Stdout, sources, cfg.Render.Depth, cfg.Render.Interval, logger)
		spawn(func() { r.Run(ctx) })
	}

	spawn(func() { group.Run(ctx) })
	spawn(func() { bc.Run(ctx) })
	spawn(func() { breaker.Run(ctx) })

	feedErr := make(chan error, 1)
	spawn(func() { feedErr <- feed.Run(ctx) })

	select {
	case <-ctx.Done():
		return nil
	case err := <-feedErr:
		return err
	}
}
