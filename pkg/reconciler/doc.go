/*
Package reconciler drives every stored domain towards its declaration.

The reconciler is the outer loop of steward. On a fixed interval it lists the
domains in the store and starts one make-right attempt per domain. Each
attempt is a fiber on the shared work.Engine; the reconciler never blocks on
the Kubernetes API itself.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	│              (every ReconcileInterval)                     │
	└────────────────┬───────────────────────────────────────────┘
	                 │ ListDomains
	    ┌────────────┴─────────────┬──────────────────────┐
	    ▼                          ▼                      ▼
	┌──────────┐             ┌──────────┐          ┌──────────────┐
	│ domain A │             │ domain B │          │ gone from    │
	│ attempt  │             │ attempt  │          │ store        │
	└────┬─────┘             └────┬─────┘          └──────┬───────┘
	     │ fiber                  │ fiber                 │
	     ▼                        ▼                       ▼
	 refresh presence         refresh presence      cancel fiber,
	 introspection check      ...                   drop presence info
	 make-right chain
	 record status

At most one attempt per domain runs at a time. A pass that finds an attempt
still running leaves it alone.

# Attempt chain

	refresh presence ──▶ introspection ──▶ scheduler.MakeRightSteps ──▶ record status

Refresh presence lists the pods labelled with the domain UID and replaces the
observed pods in the domain's presence.Info. The introspection step compares
the declared IntrospectVersion with the recorded one and marks the packet when
they differ; when the admin pod then needs replacing, the pod step hands
control to the rerun step, which records the new version and starts the
make-right chain over. Record status writes the observed state of every server
to the store, so that the next controller can tell stopped servers from
running ones.

# Failures

A failed attempt is retried from a client-go delaying workqueue, without
waiting for the next pass. The delay comes from a workqueue rate limiter:

	failures  delay
	1         RetryBaseDelay
	2         2 × RetryBaseDelay
	n         min(2^(n-1) × RetryBaseDelay, RetryMaxDelay)

The per-domain exponential limiter is combined with a token bucket (10 per
second, burst 100) shared by all domains, and the larger delay wins.

	completed(err) ──▶ limiter.When(uid) ──▶ retries.AddAfter(uid, delay)
	                                                │
	processRetries ◀── retries.Get() ◀──────────────┘
	       │
	       └──▶ startAttempt(domain, retry=true)

Passes skip domains waiting out a retry delay. A successful attempt calls
limiter.Forget, which resets the count that Failures reports. Cancelled
attempts, from Stop or from a deleted domain, are not retried.

# Usage

	rec := reconciler.NewReconciler(reconciler.Config{
		Store:  store,
		Client: client.NewKubePodClient(clientset),
		Engine: engine,
		Broker: broker,
		Tuning: cfg.Tuning,
	})
	rec.Start()
	defer rec.Stop()
*/
package reconciler
