/*
Package metrics provides Prometheus metrics and the component health registry
for steward.

Every metric is registered with the default Prometheus registry at package
init and exposed by Handler, which pkg/api mounts on /metrics.

# Metrics

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Engine                                                    │
	│    steward_fibers_started_total            counter         │
	│    steward_fibers_completed_total{outcome} counter         │
	│    steward_fibers_suspended                gauge           │
	│    steward_fibers_active                   gauge (sampled) │
	│    steward_steps_executed_total            counter         │
	│                                                            │
	│  Pods                                                      │
	│    steward_pod_operations_total{kind,operation}            │
	│    steward_api_requests_total{request,outcome}             │
	│    steward_api_request_duration_seconds{request}           │
	│    steward_pending_rolls{domain_uid}                       │
	│    steward_server_pods_total{domain_uid}                   │
	│    steward_servers{domain_uid,state}       gauge (sampled) │
	│    steward_domains_total                                   │
	│                                                            │
	│  Reconciler                                                │
	│    steward_reconciliation_duration_seconds histogram       │
	│    steward_reconciliations_total{result}   counter         │
	└────────────────────────────────────────────────────────────┘

Most gauges are kept current by the code that changes them. The sampled ones
are refreshed by a Collector on an interval:

	collector := metrics.NewCollector(engine, registry, 15*time.Second)
	collector.Start()
	defer collector.Stop()

# Timing

Timer measures an operation and observes it on a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Health

Components report their health with RegisterComponent and UpdateComponent.
GetHealth is unhealthy when any registered component is; GetReadiness is ready
only when every component in CriticalComponents is registered and healthy:

	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())

The HTTP side lives in pkg/api: /health serves GetHealth and /ready serves
GetReadiness. Uptime reports the time since the process started.
*/
package metrics
