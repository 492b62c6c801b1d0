// Package metrics exposes Prometheus collectors for the monitoring core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by solwatchd.
type Registry struct {
	WatchesActive       prometheus.Gauge
	RPCCallsTotal        *prometheus.CounterVec // labels: method, outcome
	RPCCallDuration      *prometheus.HistogramVec
	RateLimitHits        prometheus.Counter
	ControllerDelayMs    prometheus.Gauge
	ControllerMode       *prometheus.GaugeVec // one gauge per mode, value 0/1
	BatchSize            prometheus.Gauge
	NotificationsSent    *prometheus.CounterVec // labels: destination
	DustFiltered         prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	CyclesCompleted      prometheus.Counter
	SchedulerRestarts    prometheus.Counter
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	return &Registry{
		WatchesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "solwatch_watches_active",
			Help: "Number of active account watches in the registry",
		}),
		RPCCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "solwatch_rpc_calls_total",
			Help: "Total RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		RPCCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solwatch_rpc_call_duration_seconds",
			Help:    "RPC call latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimitHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "solwatch_rate_limit_hits_total",
			Help: "Total number of 429 responses observed by the rate controller",
		}),
		ControllerDelayMs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "solwatch_controller_delay_ms",
			Help: "Current per-request delay applied by the adaptive rate controller",
		}),
		ControllerMode: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solwatch_controller_mode",
			Help: "Current controller mode (1 for the active mode, 0 otherwise)",
		}, []string{"mode"}),
		BatchSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "solwatch_batch_size",
			Help: "Current scheduler batch size",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "solwatch_notifications_sent_total",
			Help: "Total notifications dispatched by destination",
		}, []string{"destination"}),
		DustFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "solwatch_dust_filtered_total",
			Help: "Total transactions classified as dust and suppressed",
		}),
		DuplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "solwatch_duplicates_suppressed_total",
			Help: "Total signature claims rejected by the ledger's uniqueness constraint",
		}),
		CyclesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "solwatch_cycles_completed_total",
			Help: "Total poll-scheduler cycles completed",
		}),
		SchedulerRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "solwatch_scheduler_restarts_total",
			Help: "Total times the supervisor has respawned the scheduler",
		}),
	}
}

// Handler returns the HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

var modes = []string{"fast", "normal", "careful"}

// SetMode records the controller's current pacing mode as a one-hot gauge set.
func (r *Registry) SetMode(active string) {
	for _, m := range modes {
		v := 0.0
		if m == active {
			v = 1.0
		}
		r.ControllerMode.WithLabelValues(m).Set(v)
	}
}
