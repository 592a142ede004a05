// Package metrics registers the orchestrator's Prometheus instruments and
// exposes the /metrics handler, per spec.md §4.13.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every instrument the orchestrator publishes.
type Registry struct {
	GMConnections       prometheus.Gauge
	BroadcastEventsTotal *prometheus.CounterVec
	PipelineOutcomes     *prometheus.CounterVec
	VideoTransitions     *prometheus.CounterVec
	OfflineQueueDepth    prometheus.Gauge
	PersistWriteDuration prometheus.Histogram
}

// New creates and registers every instrument against its own registry, so
// tests can spin up a fresh Registry without colliding with the global
// default one.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		GMConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "gm_gateway",
			Name:      "connections",
			Help:      "Current number of connected GM WebSocket stations.",
		}),
		BroadcastEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Total broadcast envelopes sent, by wire event name.",
		}, []string{"event"}),
		PipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Total scan submissions, by outcome status.",
		}, []string{"status"}),
		VideoTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "video",
			Name:      "transitions_total",
			Help:      "Total video FSM state transitions, by resulting state.",
		}, []string{"state"}),
		OfflineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Current number of entries pending in the offline queue.",
		}),
		PersistWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "store",
			Name:      "write_duration_seconds",
			Help:      "Latency of durable key-value writes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.GMConnections,
		r.BroadcastEventsTotal,
		r.PipelineOutcomes,
		r.VideoTransitions,
		r.OfflineQueueDepth,
		r.PersistWriteDuration,
	)
	return r, reg
}

// Handler returns the gin handler serving the registry's exposition
// format at GET /metrics.
func Handler(reg *prometheus.Registry) gin.HandlerFunc {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// TimeWrite is a small helper for wrapping a store write with the
// persistence-duration histogram.
func TimeWrite(h prometheus.Histogram, fn func() error) error {
	start := time.Now()
	err := fn()
	h.Observe(time.Since(start).Seconds())
	return err
}
