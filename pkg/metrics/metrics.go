package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	FibersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_fibers_started_total",
			Help: "Total number of fibers started",
		},
	)

	FibersCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_fibers_completed_total",
			Help: "Total number of fibers completed by outcome",
		},
		[]string{"outcome"},
	)

	FibersSuspended = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_fibers_suspended",
			Help: "Number of fibers currently suspended on a delay, fork-join or API call",
		},
	)

	FibersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_fibers_active",
			Help: "Number of fibers not yet completed",
		},
	)

	StepsExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_steps_executed_total",
			Help: "Total number of steps executed",
		},
	)

	// Pod lifecycle metrics
	PodOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_pod_operations_total",
			Help: "Total number of pod lifecycle operations by kind and operation",
		},
		[]string{"kind", "operation"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_api_requests_total",
			Help: "Total number of orchestrator API requests by request and outcome",
		},
		[]string{"request", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_api_request_duration_seconds",
			Help:    "Latency of orchestrator API requests in seconds, by request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request"},
	)

	PendingRolls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_pending_rolls",
			Help: "Number of managed servers waiting for a roll, by domain",
		},
		[]string{"domain_uid"},
	)

	DomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_domains_total",
			Help: "Total number of managed domains",
		},
	)

	ServerPodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_server_pods_total",
			Help: "Total number of observed server pods by domain",
		},
		[]string{"domain_uid"},
	)

	ServersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_servers",
			Help: "Number of observed servers by domain and lifecycle state",
		},
		[]string{"domain_uid", "state"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_reconciliation_duration_seconds",
			Help:    "Time taken by one domain reconciliation attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_reconciliations_total",
			Help: "Total number of domain reconciliation attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(FibersStarted)
	prometheus.MustRegister(FibersCompleted)
	prometheus.MustRegister(FibersSuspended)
	prometheus.MustRegister(FibersActive)
	prometheus.MustRegister(StepsExecuted)
	prometheus.MustRegister(PodOperationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PendingRolls)
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(ServerPodsTotal)
	prometheus.MustRegister(ServersByState)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
