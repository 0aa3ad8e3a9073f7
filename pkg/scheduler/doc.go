/*
Package scheduler plans the servers of a domain and assembles the chain that
makes a domain right.

# Planning

A domain declares one admin server and any number of clusters. Each cluster
runs Replicas managed servers named <cluster>-server1 .. <cluster>-serverN.
PlanManagedServers compares that declaration with the pods observed in the
domain's presence info:

	Domain: cluster-1 (replicas=2)
	Observed: admin-server, cluster-1-server1, cluster-1-server2, cluster-1-server3
	Plan:     verify cluster-1-server1, cluster-1-server2
	          delete cluster-1-server3

Planning is stateless. Everything is derived from the current domain record
and presence info on each attempt, so a restarted controller resumes where the
previous one stopped.

# Make-right chain

MakeRightSteps returns a fresh chain for one reconciliation attempt:

	┌──────────────┐   ┌──────────────────┐   ┌────────────────────┐
	│ AdminPodStep │──▶│ AdminPodReadyStep│──▶│ ManagedServersStep │
	└──────────────┘   └──────────────────┘   └─────────┬──────────┘
	                                                    │ fork-join
	                          ┌─────────────────────────┼───────────────────────┐
	                          ▼                         ▼                       ▼
	                   ManagedPodStep            ManagedPodStep          DeletePodStep
	                   (server1)                 (server2)               (surplus)
	                                                    │
	                                                    ▼
	                                         ┌────────────────────┐   ┌────────────────┐
	                                         │  RollServersStep   │──▶│ child failures │
	                                         └────────────────────┘   └────────────────┘

Managed servers are verified concurrently, each in its own child fiber with
its own copy of the packet. Servers whose pods must be replaced are only
registered for a roll during this phase; RollServersStep restarts them
afterwards, a few at a time. The last step fails the attempt when any child
fiber failed, so the outer loop retries it.

The chain is built per attempt because callers may splice extra steps into it
with work.InsertBefore.
*/
package scheduler
