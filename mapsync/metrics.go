package mapsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mapping sync task.
type Metrics struct {
	BlocksIndexed       prometheus.Counter
	TransactionsIndexed prometheus.Counter
	DecodeSkips         prometheus.Counter
	ReorgsObserved      prometheus.Counter
	ForkEntriesPruned   prometheus.Counter

	SyncHeight      prometheus.Gauge
	FinalizedHeight prometheus.Gauge
}

// NewMetrics creates and registers all sync task metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a fresh
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BlocksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "blocks_indexed_total",
			Help:      "Number of imported blocks whose Ethereum data was indexed",
		}),
		TransactionsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "transactions_indexed_total",
			Help:      "Number of Ethereum transactions written to the metadata index",
		}),
		DecodeSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "decode_skips_total",
			Help:      "Number of blocks skipped because their Ethereum payload failed to decode",
		}),
		ReorgsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "reorgs_observed_total",
			Help:      "Number of best-block imports whose parent was not the previous sync tip",
		}),
		ForkEntriesPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "fork_entries_pruned_total",
			Help:      "Number of stale fork index entries removed by the finalization pass",
		}),
		SyncHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "sync_height",
			Help:      "Height of the latest indexed best block",
		}),
		FinalizedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethaux",
			Subsystem: "mapsync",
			Name:      "finalized_height",
			Help:      "Height of the latest finalized block observed",
		}),
	}
}
