// Package telemetry holds the qmesh Prometheus metrics shared by
// cmd/qmesh-worker and cmd/qmesh-client.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all qmesh Prometheus collectors, registered on an
// isolated registry so qmesh metrics don't collide with the global
// default registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Worker admission/dispatch metrics
	AdmissionDecisionsTotal *prometheus.CounterVec
	DispatchTotal           *prometheus.CounterVec
	DispatchDurationSeconds *prometheus.HistogramVec
	QueueLength             prometheus.Gauge
	HealthScore             prometheus.Gauge

	// Score/registry metrics
	ScoreTotal        prometheus.Gauge
	RegistryPeerCount prometheus.Gauge
	ScoreBroadcastTotal prometheus.Counter

	// Router metrics
	RouterRequestsTotal    *prometheus.CounterVec
	RouterRequestDuration  *prometheus.HistogramVec
	RouterBatchSize        prometheus.Histogram
	RouterReadyPeers       prometheus.Gauge

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. version and goVersion are recorded as labels on the
// qmesh_info gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmesh_admission_decisions_total",
				Help: "Total worker admission decisions by outcome.",
			},
			[]string{"outcome"}, // accepted, not_ready, rate_limited, overloaded
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmesh_dispatch_total",
				Help: "Total dispatched inference requests by outcome.",
			},
			[]string{"outcome"}, // success, error
		),
		DispatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qmesh_dispatch_duration_seconds",
				Help:    "Duration of dispatched inference requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
			},
			[]string{"outcome"},
		),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qmesh_queue_length",
			Help: "Current number of requests waiting in the priority queue.",
		}),
		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qmesh_health_score",
			Help: "Current worker health score (0-100).",
		}),

		ScoreTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qmesh_score_total",
			Help: "Current total score of this worker.",
		}),
		RegistryPeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qmesh_registry_peer_count",
			Help: "Number of peers currently tracked in the local score registry.",
		}),
		ScoreBroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qmesh_score_broadcast_total",
			Help: "Total number of score announcements broadcast.",
		}),

		RouterRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmesh_router_requests_total",
				Help: "Total client-side sendPrompt requests by outcome.",
			},
			[]string{"outcome"}, // success, error
		),
		RouterRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qmesh_router_request_duration_seconds",
				Help:    "Duration of client-side sendPrompt requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"outcome"},
		),
		RouterBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qmesh_router_batch_size",
			Help:    "Size of sendBatch prompt batches.",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		}),
		RouterReadyPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qmesh_router_ready_peers",
			Help: "Number of workers currently marked ready by the router.",
		}),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qmesh_info",
				Help: "Build information for the running qmesh instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.AdmissionDecisionsTotal,
		m.DispatchTotal,
		m.DispatchDurationSeconds,
		m.QueueLength,
		m.HealthScore,
		m.ScoreTotal,
		m.RegistryPeerCount,
		m.ScoreBroadcastTotal,
		m.RouterRequestsTotal,
		m.RouterRequestDuration,
		m.RouterBatchSize,
		m.RouterReadyPeers,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics
// endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
