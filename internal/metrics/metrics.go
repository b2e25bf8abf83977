// Package metrics exposes pipeline counters to Prometheus and serves
// /metrics and /healthz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Feed client
	TicksTotal     prometheus.Counter
	MalformedTicks prometheus.Counter
	FeedReconnects prometheus.Counter
	FeedState      *prometheus.GaugeVec // labels: shard; value is the feed.State ordinal

	// Tick cache
	LateTicks    prometheus.Counter
	BarsSealed   prometheus.Counter
	DataLossBars prometheus.Counter
	PendingBars  prometheus.Gauge

	// Persistence bridge
	BarsFlushed     prometheus.Counter
	FlushFailedBars prometheus.Counter
	FlushRetries    prometheus.Counter
	FlushDuration   prometheus.Histogram

	// Feature engine
	FeaturesEmitted      prometheus.Counter
	FeaturesWithheld     prometheus.Counter
	FeaturePublishErrors prometheus.Counter

	// Retention
	RetentionPruned   *prometheus.CounterVec // labels: table
	RetentionDuration prometheus.Histogram

	// Redis mirror and circuit breaker
	MirrorDropped            prometheus.Counter
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Durable store transport
	SecurityDowngrades prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ticks_total",
			Help: "Ticks accepted into the tick cache",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_malformed_ticks_total",
			Help: "Feed records dropped as malformed",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feed_reconnects_total",
			Help: "Feed WebSocket reconnection attempts",
		}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_feed_state",
			Help: "Feed shard state (0=disconnected, 1=connecting, 2=subscribed, 3=streaming, 4=stopped)",
		}, []string{"shard"}),

		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_late_ticks_total",
			Help: "Ticks dropped because their interval was sealed or past grace",
		}),
		BarsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_bars_sealed_total",
			Help: "Bars sealed by the tick cache",
		}),
		DataLossBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_data_loss_bars_total",
			Help: "Unflushed bars evicted because the sealed backlog was full",
		}),
		PendingBars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_pending_bars",
			Help: "Sealed bars waiting for a durable write",
		}),

		BarsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_bars_flushed_total",
			Help: "Bars written to the durable store",
		}),
		FlushFailedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_flush_failed_bars_total",
			Help: "Bars left queued after a flush cycle exhausted its retries",
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_flush_attempt_failures_total",
			Help: "Failed durable write attempts",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_flush_duration_seconds",
			Help:    "Flush cycle latency including retries",
			Buckets: prometheus.DefBuckets,
		}),

		FeaturesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feature_vectors_total",
			Help: "Feature vectors emitted",
		}),
		FeaturesWithheld: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feature_vectors_withheld_total",
			Help: "Feature vectors withheld because a node was incomplete",
		}),
		FeaturePublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_feature_publish_errors_total",
			Help: "Failed feature stream publishes",
		}),

		RetentionPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_retention_pruned_rows_total",
			Help: "Rows removed by retention (by table)",
		}, []string{"table"}),
		RetentionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_retention_duration_seconds",
			Help:    "Retention prune and compaction latency",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		MirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_redis_mirror_dropped_total",
			Help: "Cache mirror writes dropped (queue full, breaker open or write error)",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		SecurityDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_security_downgrades_total",
			Help: "Durable store connections that fell back from TLS to plaintext",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.MalformedTicks,
		m.FeedReconnects,
		m.FeedState,
		m.LateTicks,
		m.BarsSealed,
		m.DataLossBars,
		m.PendingBars,
		m.BarsFlushed,
		m.FlushFailedBars,
		m.FlushRetries,
		m.FlushDuration,
		m.FeaturesEmitted,
		m.FeaturesWithheld,
		m.FeaturePublishErrors,
		m.RetentionPruned,
		m.RetentionDuration,
		m.MirrorDropped,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.SecurityDowngrades,
	)

	return m
}
