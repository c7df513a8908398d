package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsTotal              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_events_total", Help: "Feed events handled by symbol and kind"}, []string{"symbol", "kind"})
	StaleDiffsTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_stale_diffs_total", Help: "Diffs discarded because their sequence was already applied"}, []string{"symbol"})
	SequenceGapsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_sequence_gaps_total", Help: "Sequence gaps detected while synced"}, []string{"symbol"})
	ResyncsTotal             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_resyncs_total", Help: "Snapshot re-requests by reason"}, []string{"symbol", "reason"})
	InvariantViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_invariant_violations_total", Help: "Rejected snapshots and deltas"}, []string{"symbol"})
	ResetsTotal              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_resets_total", Help: "Full resets to uninitialized"}, []string{"symbol"})
	ReplayedDiffsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_replayed_diffs_total", Help: "Buffered diffs replayed after a resync snapshot"}, []string{"symbol"})

	ResyncBufferSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_resync_buffer_size", Help: "Diffs buffered while resyncing"}, []string{"symbol"})
	SequencerState   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_sequencer_state", Help: "0 uninitialized, 1 synced, 2 resyncing"}, []string{"symbol"})
	BookLevels       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_book_levels", Help: "Price levels per side"}, []string{"symbol", "side"})
	LastSequence     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_last_sequence", Help: "Last applied sequence number"}, []string{"symbol"})
	Spread           = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_spread", Help: "Best ask minus best bid, NaN while a side is empty"}, []string{"symbol"})

	SnapshotFetchesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_snapshot_fetches_total", Help: "REST snapshot fetches by outcome"}, []string{"symbol", "outcome"})
	FeedReconnectsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_feed_reconnects_total", Help: "Websocket reconnects by exchange"}, []string{"exchange"})
	FeedDecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_feed_decode_errors_total", Help: "Feed messages that failed to decode"}, []string{"exchange"})
	PublishDropsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_publish_drops_total", Help: "Book updates dropped by slow consumers"}, []string{"sink"})
	SinkErrorsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_sink_errors_total", Help: "Failed writes to redis or kafka"}, []string{"sink"})
)

// Init registers every collector in a fresh registry along with the Go and
// process collectors.
func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsTotal, StaleDiffsTotal, SequenceGapsTotal, ResyncsTotal,
		InvariantViolationsTotal, ResetsTotal, ReplayedDiffsTotal,
		ResyncBufferSize, SequencerState, BookLevels, LastSequence, Spread,
		SnapshotFetchesTotal, FeedReconnectsTotal, FeedDecodeErrorsTotal,
		PublishDropsTotal, SinkErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("metrics: register collector")
		}
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
