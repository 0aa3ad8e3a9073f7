/*
Package api implements the read-only HTTP server of the steward controller.

The server exposes the controller's health and the observed state of its
domains. It never changes a domain: declarations go through the store, and the
CLI writes to the store directly.

# Endpoints

	┌──────────────────────────────────────────────────────────┐
	│                 HealthServer (metricsAddr)                │
	│                                                            │
	│  GET /live     always 200 while the process is up          │
	│  GET /health   200 while every registered component is     │
	│                healthy, else 503 with the failing ones     │
	│  GET /ready    200 when the store answers and every        │
	│                critical component is healthy, else 503     │
	│  GET /metrics  Prometheus exposition                       │
	│  GET /domains  stored domains with their recorded server   │
	│                states and pending rolls                    │
	└──────────────────────────────────────────────────────────┘

Every request passes through ReadOnly, which rejects methods other than GET
and HEAD with 405.

# Usage

	hs := api.NewHealthServer(store, rec.Registry(), version)
	go func() {
		if err := hs.Start(":9090"); err != nil {
			log.Error(err.Error())
		}
	}()
	defer hs.Shutdown(context.Background())

/live answers without looking at any component, so an orchestrator that
restarts on failed liveness does not restart a controller that is only
waiting for its store. /health reports the component registry in pkg/metrics
along with the process uptime.

Readiness combines a live store read with the component registry in
pkg/metrics, so a controller that lost its Kubernetes connection reports not
ready even though the process is alive.
*/
package api
