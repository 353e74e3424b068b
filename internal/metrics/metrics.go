// Package metrics holds the service's Prometheus collectors, registered on
// the default registry and served by the HTTP server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "candleproxy"

var (
	// BarsIngested counts bars written from the live stream, by pair.
	BarsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bars_ingested_total",
		Help:      "Confirmed bars written from the live stream.",
	}, []string{"pair"})

	// BarsDropped counts still-forming stream bars dropped before storage.
	BarsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_bars_dropped_total",
		Help:      "Unconfirmed stream bars dropped before storage.",
	}, []string{"pair"})

	// BarsBackfilled counts bars written by gap backfills, by pair.
	BarsBackfilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bars_backfilled_total",
		Help:      "Bars written by gap backfills.",
	}, []string{"pair"})

	// BackfillChunkFailures counts backfill chunks that were skipped after
	// fetch or write errors.
	BackfillChunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_chunk_failures_total",
		Help:      "Backfill chunks skipped after fetch or write errors.",
	}, []string{"pair"})

	// StreamReconnects counts successful stream reconnections.
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Successful websocket stream reconnections.",
	})

	// QuoteVolumeSubstituted counts bars whose quote volume was absent in
	// the exchange payload and was filled with the base volume instead.
	QuoteVolumeSubstituted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quote_volume_substituted_total",
		Help:      "Bars whose missing quote volume was filled with base volume.",
	})

	// RetentionDeletedBars counts bars removed by the retention job.
	RetentionDeletedBars = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_bars_total",
		Help:      "Bars removed by the retention job.",
	})

	// RetentionRuns counts retention job runs by outcome.
	RetentionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_runs_total",
		Help:      "Retention job runs by outcome.",
	}, []string{"status"})

	// HTTPRequests counts handled HTTP requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Handled HTTP requests.",
	}, []string{"method", "path", "status"})

	// HTTPDuration observes request handling time in seconds.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Request handling time in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	// TickerClients tracks currently connected ticker relay clients.
	TickerClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ticker_clients",
		Help:      "Currently connected ticker relay websocket clients.",
	})
)
