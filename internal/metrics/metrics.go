// Package metrics registers the Prometheus series the proxy exposes:
// per-session, per-target, and per-operation-kind counters and
// histograms (spec.md §9 "Observability").
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mxgateway_sessions_active",
		Help: "Number of client sessions currently connected",
	})

	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mxgateway_sessions_total",
		Help: "Total number of client sessions accepted",
	})

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxgateway_auth_failures_total",
			Help: "Total authentication failures by outcome",
		},
		[]string{"outcome"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxgateway_queries_total",
			Help: "Total queries routed, by target and operation kind",
		},
		[]string{"target", "operation"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxgateway_query_latency_seconds",
			Help:    "Backend query round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	BackendConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxgateway_backend_connections_active",
			Help: "Open backend connections by target",
		},
		[]string{"target"},
	)

	BackendConnectionsPooled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxgateway_backend_connections_pooled",
			Help: "Idle pooled backend connections by target",
		},
		[]string{"target"},
	)

	BackendReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxgateway_backend_reconnects_total",
			Help: "Mid-session backend reconnects, by target and whether history replay was required",
		},
		[]string{"target", "replayed"},
	)

	KillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxgateway_kills_total",
			Help: "COM_PROCESS_KILL operations handled, by whether they were hard kills",
		},
		[]string{"hard"},
	)

	SessionReplayDivergencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxgateway_session_replay_divergences_total",
			Help: "Session-command replay responses whose OK/ERR outcome differed from the originally observed reply, by target",
		},
		[]string{"target"},
	)

	once sync.Once
)

// Init registers every series with the default Prometheus registry.
// Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			SessionsActive,
			SessionsTotal,
			AuthFailuresTotal,
			QueriesTotal,
			QueryLatency,
			BackendConnectionsActive,
			BackendConnectionsPooled,
			BackendReconnectsTotal,
			KillsTotal,
			SessionReplayDivergencesTotal,
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
