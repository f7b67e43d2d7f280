// Package metrics exposes Prometheus collectors for the durability core.
// Collectors are registered on a caller-supplied registry so tests can use
// isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the durability core's Prometheus collectors.
type Metrics struct {
	ResidentWorkspaces prometheus.Gauge
	DegradedMode       prometheus.Gauge
	EvictionsTotal     prometheus.Counter
	EvictionsFlushed   prometheus.Counter
	EvictionBlocked    *prometheus.CounterVec
	SaveConflictsTotal prometheus.Counter
	SavesTotal         prometheus.Counter
	ReplayQueueDepth   prometheus.Gauge
}

// New creates the collectors and registers them on the given registerer.
// Pass prometheus.DefaultRegisterer for production use or
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResidentWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atelier_resident_workspaces",
			Help: "Number of workspace runtimes currently resident in memory",
		}),
		DegradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atelier_degraded_mode",
			Help: "1 while the engine refuses new cold workspace opens, else 0",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_evictions_total",
			Help: "Total workspace runtimes evicted from residency",
		}),
		EvictionsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_evictions_flushed_total",
			Help: "Evictions that required a confirmed flush first",
		}),
		EvictionBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_eviction_blocked_total",
			Help: "Evictions that could not proceed, by block type",
		}, []string{"block_type"}),
		SaveConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_save_conflicts_total",
			Help: "Document saves rejected by the optimistic-concurrency check",
		}),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_saves_total",
			Help: "Document saves confirmed by the backing store",
		}),
		ReplayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atelier_replay_queue_depth",
			Help: "Save operations waiting for replay after non-conflict failures",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ResidentWorkspaces,
			m.DegradedMode,
			m.EvictionsTotal,
			m.EvictionsFlushed,
			m.EvictionBlocked,
			m.SaveConflictsTotal,
			m.SavesTotal,
			m.ReplayQueueDepth,
		)
	}

	return m
}

// Nop returns unregistered collectors that can absorb observations in tests
// and in callers that do not wire a registry.
func Nop() *Metrics {
	return New(nil)
}
