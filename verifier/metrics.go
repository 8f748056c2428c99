package verifier

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a private registry so several servers can live
// in one process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted    prometheus.Counter
	sessionsRejected   *prometheus.CounterVec
	sessionsTerminated *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	attestations       prometheus.Counter
	revealsRejected    *prometheus.CounterVec
	transcriptBytes    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "sessions_started_total",
			Help:      "Sessions whose target connection was established.",
		}),
		sessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "sessions_rejected_total",
			Help:      "Connections or session requests refused before setup completed.",
		}, []string{"reason"}),
		sessionsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "sessions_terminated_total",
			Help:      "Sessions ended, by termination reason.",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		}),
		attestations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "attestations_issued_total",
			Help:      "Attestations signed and returned.",
		}),
		revealsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "reveals_rejected_total",
			Help:      "Reveal requests refused, by error kind.",
		}, []string{"kind"}),
		transcriptBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "auditor_zk",
			Subsystem: "verifier",
			Name:      "transcript_bytes",
			Help:      "Transcript size per completed session.",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		m.sessionsStarted,
		m.sessionsRejected,
		m.sessionsTerminated,
		m.activeSessions,
		m.attestations,
		m.revealsRejected,
		m.transcriptBytes,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
