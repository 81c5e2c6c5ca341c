// Package metrics exposes the Prometheus instrumentation for the sync
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the syncer and classifier update.
type Metrics struct {
	SyncCycles     *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	NodeFailures   prometheus.Counter
	EventsDerived  *prometheus.CounterVec
	AttackersSeen  prometheus.Gauge
	NodesRunning   prometheus.Gauge
	NodesInventory prometheus.Gauge
}

// New creates and registers all collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result (ok, error, skipped).",
		}, []string{"result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mirage",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of completed sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		NodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "sync",
			Name:      "node_failures_total",
			Help:      "Per-node fetch or processing failures.",
		}),
		EventsDerived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "events_derived_total",
			Help:      "Derived attack events by kind (visit, action, credential, session).",
		}, []string{"kind"}),
		AttackersSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "attackers_last_cycle",
			Help:      "Attackers observed in the most recent sync cycle.",
		}),
		NodesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "nodes_running",
			Help:      "Nodes whose last inventory probe reported running.",
		}),
		NodesInventory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "nodes_registered",
			Help:      "Nodes currently present in the registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SyncCycles, m.SyncDuration, m.NodeFailures, m.EventsDerived,
			m.AttackersSeen, m.NodesRunning, m.NodesInventory,
		)
	}
	return m
}
