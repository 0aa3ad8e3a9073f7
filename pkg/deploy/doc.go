/*
Package deploy coordinates rolling restarts of managed servers.

When the template hash of a managed server pod changes, the pod step does not
replace the pod itself. It labels the pod to-be-rolled and registers a
deferred replacement chain in the domain's presence.RollRegistry. The
RollServersStep in this package runs at the end of a reconciliation and works
through those entries in batches:

	RollRegistry (sorted)          MaxConcurrentRolls = 2

	cluster-1-server1 ─┐
	cluster-1-server2 ─┴─▶ batch 1/3 ──fork-join──┐
	cluster-1-server3 ─┐                          │
	cluster-1-server4 ─┴─▶ batch 2/3 ◀────────────┘ ──fork-join──┐
	cluster-1-server5 ───▶ batch 3/3 ◀───────────────────────────┘ ──▶ next

Each entry runs in its own child fiber with the packet it was registered
with. A batch starts only after every fiber of the previous batch finished,
so at most MaxConcurrentRolls servers of a domain are down for a restart at
any time. Failures of individual rolls are recorded on the parent packet as
child failures and do not stop the following batches.

The registry is read again when each batch starts. A server that was scaled
away, or whose entry was removed because its roll fiber exited, is skipped.

# Status

Status summarizes a domain for the CLI and the logs: the servers pending a
roll and the observed pods by lifecycle state.

	status := deploy.Status(info)
	fmt.Printf("%d/%d ready, pending: %v\n", status.ReadyServers, status.TotalServers, status.Pending)
*/
package deploy
