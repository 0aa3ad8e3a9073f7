/*
Package pod implements the lifecycle of server pods as steps of the work
engine.

Every server of a domain runs in exactly one pod. The steps in this package
compare the pod observed in the domain's presence info with the pod the
current domain record asks for, and issue the smallest set of API calls that
brings the two in line. They never block a worker on the network: every call
is a client.RequestStep that suspends the fiber until the response arrives.

# Architecture

	┌──────────────────────────── domain attempt ────────────────────────────┐
	│                                                                        │
	│  AdminPodStep ──▶ AdminPodReadyStep ──▶ managed servers (fork-join)    │
	│                                           │        │        │          │
	│                                           ▼        ▼        ▼          │
	│                                   ManagedPodStep per server            │
	│                                           │                            │
	│                                           ▼ hash differs               │
	│                                  label to-be-rolled                    │
	│                                  RollRegistry.Put(deferred cycle)      │
	└────────────────────────────────────────────┬───────────────────────────┘
	                                             │ after the join
	                                             ▼
	                         roll coordinator (package deploy) runs the
	                         deferred cycles a few at a time:

	      rollGuard ──▶ DeletePodStep(wait) ──▶ create ──▶ CycleEndStep

The packet carries everything the steps need: the *presence.Info under
keys.DomainPresenceInfo, the target server under keys.ServerName and
keys.ClusterName, the config.Tuning under keys.Tuning, the client.PodClient
under keys.PodClient and the events broker under keys.Events.

# Core Components

## Desired model

Model turns a types.EffectiveServerSpec into a *corev1.Pod:

	m := pod.Model{
		DomainUID:  "sample",
		DomainName: "sample-domain",
		Namespace:  "default",
		AdminName:  "admin-server",
		Spec:       domain.EffectiveServerSpec("managed-server1", "cluster-1"),
	}
	desired, err := m.Build()

The built pod has:

  - a DNS-1123 name of the form <domainUID>-<server> (see Name), lower-cased,
    with invalid characters mapped to '-' and cut at 63 characters
  - the reserved steward labels: created-by, domain-uid, domain-name,
    server-name and, for clustered servers, cluster-name
  - the server's own labels and annotations
  - one container named "server" with the image, command, args, resources,
    security context and volume mounts of the server
  - DOMAIN_UID, DOMAIN_NAME, ADMIN_NAME, SERVER_NAME and CLUSTER_NAME in the
    environment, followed by the server's env and the startup env from the
    packet; a later variable with the same name overrides an earlier one
  - the shutdown timeout as termination grace period when one is set
  - a hostname equal to the pod name for the admin server

An invalid resource quantity fails Build, which terminates the fiber.

## Template hash

	┌──────────────────────────┐
	│ hashedElements           │
	│   Spec           PodSpec │──▶ go-spew (sorted keys, ──▶ SHA-256 ──▶ hex
	│   RestartVersion string  │     no pointer addresses)
	└──────────────────────────┘
	                                       stored in the annotation
	                                       steward.cuemby.io/pod-hash

Hash dumps the pod spec and the restart version with a deterministic go-spew
configuration and hashes the dump. Labels and annotations are outside the
hash, so a metadata change never restarts a server. Bumping the restart
version of a domain, cluster or server changes the hash without any other
edit, which is how an operator asks for a rolling restart. HashOf reads the
hash back from an observed pod.

## Verify

AdminPodStep and ManagedPodStep share one verify step. It resolves the target
server from the packet, builds the desired pod and compares it with the
observed one:

	                  ┌──────────────┐
	                  │  pod absent  │── being deleted ──▶ retry after backstop delay
	                  └──────┬───────┘
	                         │ create
	                         ▼
	┌───────────────┐  hash equal   ┌────────────────┐  metadata differs
	│ pod observed  │──────────────▶│  up to date    │──────────────────▶ merge patch
	└──────┬────────┘               └────────────────┘
	       │ hash differs / evicted
	       ▼
	  admin:   re-run introspection if required, else delete + wait + create
	  managed: label to-be-rolled, register the deferred cycle, end the chain

In detail:

 1. No domain in the presence info: the domain was deleted, the step passes.
 2. The server is not part of the domain: the fiber terminates.
 3. No observed pod: create it, unless a delete of the old pod is still in
    flight, in which case the step retries after WatchBackstopRecheckDelay.
 4. The observed pod is terminating: read it back until it is gone, then
    verify again.
 5. The pod was evicted and RestartEvictedPods is on: replace it.
 6. The hashes differ: replace it (see below).
 7. Otherwise the pod is up to date. A pending roll left by an earlier pass is
    dropped, the metadata is patched when it does not match and a pod.exists
    event is emitted when nothing had to change.

## Replacing pods

The admin server is replaced in place. When the packet says introspection is
required and carries keys.IntrospectionRerun, that step runs instead, since a
fresh introspection may change the desired pod again.

Managed servers are never restarted directly. Their replacement is deferred
into the domain's RollRegistry so a coordinator can roll them a few at a time:

	┌─────────────┐  JSON patch    ┌─────────────────┐  Put   ┌──────────────┐
	│ hash differs│───────────────▶│ to-be-rolled=true│──────▶│ RollRegistry │
	└─────────────┘                └─────────────────┘        └──────────────┘
	                                                           deferred cycle +
	                                                           packet copy

A pod that already carries the label skips the patch and only refreshes the
registry entry. The managed chain ends there; the deferred cycle runs later on
a fiber of its own.

## Dropping a stale roll

A roll can go stale before the coordinator gets to it, for example when the
image is reverted. The next verify then finds the hashes equal again and:

  - removes the server's entry from the RollRegistry
  - patches the pod so the to-be-rolled label is removed

The metadata patch is a JSON merge patch. Missing or changed labels and
annotations are set, the roll label is set to null, and keys the model does
not know are left alone. A pod counts as matching only when it carries every
desired label and annotation and no roll label.

## Cycle

cycleSteps deletes the pod, waits until it is gone and creates it again from
the model in effect when the create runs. For managed servers it is wrapped:

	rollGuard ──▶ DeletePodStep(mustWait) ──▶ create ──▶ CycleEndStep ──▶ next
	    │
	    └── OnExit: RollRegistry.RemoveIf(server, packet)

The guard registers an exit hook so the registry entry never outlives the
fiber running it, whether the cycle succeeds, fails or is cancelled. RemoveIf
only removes the entry registered with the same packet, so a newer roll for
the same server queued while this one ran is kept. CycleEndStep removes the
entry on success. A server removed from the domain while its pod was replaced
is not created again.

## Delete

DeletePodStep deletes the observed pod of a server:

	err := engine.Run(ctx, pod.DeletePodStep("managed-server1", true, nil), packet)

The grace period comes from GracePeriod:

	┌──────────────────────────────┬───────────────────────────────────────┐
	│ Last known state             │ Grace period                          │
	├──────────────────────────────┼───────────────────────────────────────┤
	│ SHUTDOWN or UNKNOWN          │ 0                                     │
	│ anything else                │ shutdown timeout + additional delete  │
	└──────────────────────────────┴───────────────────────────────────────┘

The shutdown timeout is the server's own when set, else
Tuning.DefaultShutdownTimeout. While the delete is in flight the server is
marked as being deleted in the presence info so verify does not create a pod
next to the one going away. A not-found answer counts as deleted.

With mustWait the step reads the pod back until the orchestrator no longer
knows it, rechecking after WatchBackstopRecheckDelay. A pod that exists
without a deletion timestamp is a new pod with the same name and is deleted
again. PresenceUpdateStep forgets the server's pod in the presence info once a
deletion chain is done with it.

## Admin readiness

AdminPodReadyStep holds the domain attempt until the admin pod reports ready.
It reads the pod, records its status and retries after the backstop delay
while the pod is missing or not ready. Managed servers are only verified once
it passes.

# Failures

Any API failure other than not-found terminates the fiber with the error from
client.Failure. A not-found on patch or label means the pod vanished under
the step; the presence info forgets it and verify runs again.

# Events

	┌────────────────────┬───────────────────────────────────────┐
	│ Event              │ Emitted when                          │
	├────────────────────┼───────────────────────────────────────┤
	│ pod.created        │ a missing pod was created             │
	│ pod.exists         │ the pod already matched               │
	│ pod.patched        │ labels or annotations were merged     │
	│ pod.replaced       │ a cycle created the new pod           │
	│ pod.deleted        │ a delete was accepted                 │
	│ pod.roll_pending   │ a managed pod was labeled for roll    │
	└────────────────────┴───────────────────────────────────────┘

Every event carries the domain UID, server and pod name, plus the cluster for
clustered servers.

# Metrics

	steward_pod_operations_total{kind, operation}

kind is "admin" or "managed"; operation is one of create, patch, label or
delete.

# Integration Points

## Presence

Every step reads the observed pod from presence.Info and writes back what the
API returned, so the next step and the next pass see the same pod without a
list call.

## Scheduler

The scheduler runs AdminPodStep and AdminPodReadyStep first, then forks one
ManagedPodStep per planned server and a DeletePodStep for every surplus one.

## Deploy

deploy.RollServersStep runs the deferred cycles that ManagedPodStep put into
the RollRegistry, at most Tuning.MaxConcurrentRolls at a time.

## Events and storage

Events are published to the broker under keys.Events. Last known statuses
recorded here end up in storage through the reconciler's status step, which
is what lets a restarted controller skip the grace period for stopped servers.

# Design Patterns

## Desired versus observed

Every decision compares a pod built from the current domain record with the
observed one. Nothing remembers what an earlier pass wanted, so a change that
is undone before it was applied simply stops being applied.

## Deferred replacement

A managed pod that must be replaced is only marked. The actual delete and
create run later on a separate fiber, which lets a coordinator throttle
restarts without the verify pass waiting for them.

# Performance Characteristics

  - A pod that matches costs no API call
  - A metadata change costs one merge patch and never restarts the server
  - A managed replacement costs a label patch now and a delete, a number of
    rechecks and a create when the roll runs
  - Hashing dumps the whole pod spec; it runs once per verify

# Troubleshooting

## A managed pod is never replaced

  - Check /domains for the server in pendingRolls
  - Check the pod for the steward.cuemby.io/to-be-rolled label
  - MaxConcurrentRolls bounds how many rolls run at once

## Pods are recreated on every pass

The hash must be stable. Look for fields set by an admission controller that
end up in the model, or startup env passed in a different order.

## Deletion takes long

The grace period is the shutdown timeout plus additionalDeleteTime. Servers
last known as stopped are deleted with a zero grace period.

# See Also

  - pkg/presence for the observed state
  - pkg/deploy for the roll coordinator
  - pkg/client for the API calls
*/
package pod
