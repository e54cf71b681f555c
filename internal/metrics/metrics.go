// Package metrics exposes the service's Prometheus counters and gauges
// over GET /metrics, the way a self-hosted appliance reports its own
// health into whatever Prometheus the operator already runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge the pipeline updates as it
// processes alerts, so callers don't have to reach for the default
// global registry directly.
type Registry struct {
	reg *prometheus.Registry

	AlertsIngested   *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	VerificationTotal *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	PatternConfidence *prometheus.GaugeVec
	OracleCallDuration prometheus.Histogram
}

// New builds a Registry with every metric registered against its own
// private prometheus.Registry, so tests can build one per case without
// panicking on duplicate registration against the global default.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		AlertsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jarvis",
			Name:      "alerts_ingested_total",
			Help:      "Alerts accepted by the intake gateway, by resulting status.",
		}, []string{"status"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jarvis",
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts, by tier and outcome.",
		}, []string{"tier", "success"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jarvis",
			Name:      "escalations_total",
			Help:      "Alerts escalated to a human, by reason.",
		}, []string{"reason"}),
		VerificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jarvis",
			Name:      "verifications_total",
			Help:      "Post-remediation verification outcomes.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jarvis",
			Name:      "degraded_queue_depth",
			Help:      "Alerts currently held in the degraded-mode queue.",
		}),
		PatternConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jarvis",
			Name:      "pattern_confidence",
			Help:      "Current confidence score of a learned pattern, by alert name.",
		}, []string{"alert_name"}),
		OracleCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jarvis",
			Name:      "oracle_call_duration_seconds",
			Help:      "Wall-clock duration of a reasoning oracle invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(
		r.AlertsIngested,
		r.AttemptsTotal,
		r.Escalations,
		r.VerificationTotal,
		r.QueueDepth,
		r.PatternConfidence,
		r.OracleCallDuration,
	)
	return r
}

// Handler returns the http.Handler GET /metrics delegates to.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
