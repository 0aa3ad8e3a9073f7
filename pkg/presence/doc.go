/*
Package presence mirrors the observed state of each domain for the steps that
reconcile it.

Steps never list pods themselves. They read and update the presence info of
their domain, which the refresh loop keeps in line with the orchestrator. That
way a verify step sees the pod a sibling step just created, and a deletion
step knows a server is already gone without another API round trip.

# Architecture

	┌──────────────────────────── Registry ────────────────────────────┐
	│  concurrent map keyed by domain UID                              │
	│                                                                  │
	│   "sample" ──▶ Info                                              │
	│                ├── domain record (nil once deleted)              │
	│                ├── servers                                       │
	│                │    ├── admin-server      pod, last known status │
	│                │    └── cluster-1-server1 pod, being deleted     │
	│                └── RollRegistry                                  │
	│                     └── cluster-1-server1 ─▶ deferred cycle      │
	└──────────────────────────────────────────────────────────────────┘

	   writers                                 readers
	   ───────                                 ───────
	   refresh loop  ──RefreshPods──▶  Info  ◀──ServerPod──  pod steps
	   pod watch     ──HandlePodEvent─▶      ◀──Rolls────────  roll coordinator
	   pod steps     ──SetServerPod───▶      ◀──ServerStates─  status API

# Core Components

## Registry

Registry holds one Info per domain, keyed by domain UID, in an
orcaman/concurrent-map so lookups for different domains never contend:

	registry := presence.NewRegistry()

	info := registry.GetOrCreate(domain)
	packet.Put(keys.DomainPresenceInfo, info)

GetOrCreate is atomic. The first call for a UID creates the Info; later calls
keep the observed pods and pending rolls and only replace the domain record,
so a new generation of a domain picks up where the last one left off.

Remove takes a domain out of the registry when it is deleted:

	if info, ok := registry.Remove(uid); ok {
		// info.Domain() is nil and info.Rolls() is empty
	}

The removed Info has its domain record cleared and its rolls dropped. Steps
still holding it see a nil domain and pass through without calling the API.

UIDs returns the registered domains sorted, Len counts them and Range visits
each one. ServerStates counts the observed pods of every domain by lifecycle
state for the status endpoint:

	map[string]map[string]int{
		"sample": {"RUNNING": 2, "STARTING": 1},
	}

## Info

Info is read and written concurrently by pod steps, deletion steps, the roll
coordinator and the refresh loop; every method takes the Info's own lock.
Reads hand out copies where a caller could otherwise race with a writer:
LastKnownStatus returns a copy and ServerPods returns a fresh map.

The domain UID, namespace and RollRegistry are fixed when the Info is created.
The domain record can change with SetDomain and is nil once the domain has
been deleted:

	┌─────────────────────────────┬────────────────────────────────────────┐
	│ Method                      │ Purpose                                │
	├─────────────────────────────┼────────────────────────────────────────┤
	│ Domain / SetDomain          │ current domain record                  │
	│ EffectiveServerSpec         │ merged spec of one server, nil if gone │
	│ ServerPod / SetServerPod    │ observed pod of a server               │
	│ SetServerPodBeingDeleted    │ a delete is in flight for the server   │
	│ IsServerPodBeingDeleted     │                                        │
	│ LastKnownStatus             │ last observed lifecycle state          │
	│ SetLastKnownStatus          │                                        │
	│ ServerState                 │ last known status, else domain status  │
	│ ServerNames / ServerPods    │ servers with a pod, sorted / by name   │
	│ LastKnownStatuses           │ every recorded status                  │
	│ Rolls                       │ the domain's RollRegistry              │
	└─────────────────────────────┴────────────────────────────────────────┘

FromPacket is the accessor every step uses:

	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}

## Observed pods

The refresh loop lists the domain's pods and calls RefreshPods, or applies
single watch events through HandlePodEvent:

	┌──────────────┬─────────────────────────────────────────────────────┐
	│ Input        │ Effect                                              │
	├──────────────┼─────────────────────────────────────────────────────┤
	│ RefreshPods  │ listed pods replace the observed ones; servers      │
	│              │ missing from the list lose their pod and the        │
	│              │ being-deleted mark                                  │
	│ Added        │ the pod is recorded with its status                 │
	│ Modified     │ same as Added                                       │
	│ Deleted      │ the pod is forgotten, status becomes SHUTDOWN       │
	└──────────────┴─────────────────────────────────────────────────────┘

Pods are matched to servers by the steward.cuemby.io/server-name label. A
pod without it is ignored.

## Last known status

Each observed pod records a last known status derived from its phase and
readiness:

	┌────────────────────────────┬──────────┐
	│ Pod                        │ Status   │
	├────────────────────────────┼──────────┤
	│ Running and Ready          │ RUNNING  │
	│ Running, not Ready         │ STARTING │
	│ Pending                    │ STARTING │
	│ Succeeded                  │ SHUTDOWN │
	│ Failed                     │ FAILED   │
	│ none                       │ SHUTDOWN │
	│ anything else              │ UNKNOWN  │
	└────────────────────────────┴──────────┘

The status survives the pod: after a delete event the server is SHUTDOWN,
which lets a later deletion skip the grace period. A server with no recorded
status falls back to the state in the domain's own status.

## Pod helpers

	presence.ServerNameOf(pod)   // steward server-name label
	presence.ClusterNameOf(pod)  // steward cluster-name label, "" for admin
	presence.IsReady(pod)        // Running with PodReady True
	presence.IsDeleting(pod)     // deletion timestamp set
	presence.IsEvicted(pod)      // Failed with reason Evicted
	presence.StatusOf(pod)       // the table above

Every helper accepts a nil pod.

## Pending rolls

RollRegistry maps a managed server name to the deferred step chain and
packet that will replace its pod:

	info.Rolls().Put("cluster-1-server1", work.StepAndPacket{
		Step:   cycle,
		Packet: packet.Copy(),
	})

	for _, server := range info.Rolls().Names() {
		deferred, _ := info.Rolls().Get(server)
		// run deferred.Step with deferred.Packet
	}

A server has at most one entry; Put on an existing name replaces the entry
and reports false. The registry takes its own lock so that concurrent managed
pod steps can register rolls without lost updates.

Entries leave the registry in five ways:

 1. CycleEndStep removes it once the pod was replaced.
 2. The exit hook of the roll fiber removes it whatever the outcome.
 3. A verify that finds the pod up to date again removes it as stale.
 4. A server scaled away is removed before its pod is deleted.
 5. Registry.Remove clears all of a deleted domain's rolls.

The first two use RemoveIf, which only removes an entry registered with the
given packet. A roll queued again while an older one was running therefore
survives the older fiber's exit.

Names returns the pending servers sorted, Entries a snapshot of the whole
registry, and Clear drops everything.

# Metrics

	steward_domains_total
	steward_server_pods_total{domain_uid}
	steward_pending_rolls{domain_uid}

The per-domain gauges are set under the same lock as the state they count.
Registry.Remove deletes the domain's pod gauge along with the Info.

# Integration Points

## Reconciler

The reconciler calls GetOrCreate before each attempt, refreshes the pods from
a list and puts the Info in the packet. When a domain leaves the store it
calls Remove and cancels the domain's fiber.

## Pod steps

Pod steps are the main writers between refreshes. They record the pods the
API returns and mark deletions in flight.

## Status API

pkg/api reads the pending rolls through deploy.Status and the observed pods
for /domains, and the metrics collector samples ServerStates.

# Design Patterns

## Shared mirror

One Info per domain is shared by every fiber working on it. The lock is per
Info, so two domains never wait on each other and steps of one domain see a
consistent view.

## Identity-guarded removal

RemoveIf compares the packet pointer instead of a version number. A packet is
copied for each registration, so identity is enough to tell two rolls of the
same server apart.

# Performance Characteristics

  - Registry lookups are sharded by the concurrent map
  - Info methods hold an RWMutex for O(1) work, except ServerNames,
    ServerPods and LastKnownStatuses which are O(servers)
  - RefreshPods is O(pods + servers)

# Troubleshooting

## A server looks stopped but is running

The last known status comes from the newest event or list. If the watch is
behind, the next RefreshPods corrects it.

## A roll is listed for a deleted domain

Registry.Remove clears rolls, so this means the domain is still in the store.
Check `steward domain list`.

# See Also

  - pkg/pod for the steps that read and write presence
  - pkg/reconciler for the refresh loop
*/
package presence
