// Package metrics exposes the shard manager's Prometheus instrumentation.
// Every component records into these package-level collectors rather than
// constructing its own registry, mirroring how the rest of the ecosystem's
// control-plane services publish metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunnersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardmgr_runners_total",
		Help: "Number of currently registered runners.",
	})

	ShardsUnassigned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardmgr_shards_unassigned",
		Help: "Number of shards with no current owner.",
	})

	LoadSpread = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardmgr_load_spread",
		Help: "Difference between the most- and least-loaded runner at the maximum observed version.",
	})

	RebalanceRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardmgr_rebalance_rounds_total",
		Help: "Total number of rebalance rounds run by the control loop.",
	})

	RebalanceRoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shardmgr_rebalance_round_duration_seconds",
		Help:    "Wall-clock time spent computing and committing one rebalance round.",
		Buckets: prometheus.DefBuckets,
	})

	ShardMovesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardmgr_shard_moves_total",
		Help: "Total number of shards vacated by rebalance rounds.",
	})

	StrikesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardmgr_health_strikes_total",
		Help: "Total number of failed health probes recorded across all runners.",
	})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardmgr_runner_evictions_total",
		Help: "Total number of runners evicted after reaching the strike limit.",
	})

	PersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardmgr_persist_failures_total",
		Help: "Total number of persistence write failures.",
	})

	PersistedVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardmgr_persisted_version",
		Help: "Highest commit version confirmed durable.",
	})

	NotificationsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardmgr_notifications_sent_total",
		Help: "Total number of per-runner notification messages sent.",
	}, []string{"runner"})
)

func init() {
	prometheus.MustRegister(
		RunnersTotal,
		ShardsUnassigned,
		LoadSpread,
		RebalanceRoundsTotal,
		RebalanceRoundDuration,
		ShardMovesTotal,
		StrikesTotal,
		EvictionsTotal,
		PersistFailuresTotal,
		PersistedVersion,
		NotificationsSentTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
