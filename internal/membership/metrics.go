package membership

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registrations prometheus.Counter
	heartbeats    prometheus.Counter
	evictions     prometheus.Counter
	metaFailures  prometheus.Counter
}

// newMetrics registers the tracker's collectors with reg. A nil reg leaves
// them unregistered.
func newMetrics(reg prometheus.Registerer, t *Tracker) *metrics {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tessera",
		Subsystem: "membership",
		Name:      "online_replica_sets",
		Help:      "Number of replica sets in the online view.",
	}, func() float64 {
		return float64(len(t.OnlineView()))
	})
	return &metrics{
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "membership",
			Name:      "registrations_total",
			Help:      "Endpoint registrations accepted.",
		}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "membership",
			Name:      "heartbeats_total",
			Help:      "Heartbeats applied to the view.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "membership",
			Name:      "endpoint_evictions_total",
			Help:      "Endpoints evicted after missing the heartbeat timeout.",
		}),
		metaFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "membership",
			Name:      "metadata_write_failures_total",
			Help:      "Metadata store writes that failed and were skipped.",
		}),
	}
}
