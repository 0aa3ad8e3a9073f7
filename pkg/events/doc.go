/*
Package events provides an in-memory event broker for steward's lifecycle
notifications.

Steps publish an event whenever they change something in the cluster or
finish a domain; the controller logs them and tests subscribe to assert on
them. Delivery is best effort: nothing in steward depends on an event arriving.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  steps ──Emit(packet)──┐                                   │
	│  reconciler ──Publish──┼──▶ event queue (256)              │
	│                        │         │                         │
	│                        │         ▼                         │
	│                        │   broadcast loop                  │
	│                        │    │    │    │                    │
	│                        │    ▼    ▼    ▼                    │
	│                        │  subscriber channels (64 each)    │
	└────────────────────────────────────────────────────────────┘

Publish never blocks. Steps run on the engine's worker pool, so a full queue
drops the event with a warning instead of stalling a worker. A subscriber
whose channel is full misses events in the same way.

# Event Types

	pod.created            a server pod was created
	pod.exists             a server pod matched its declaration
	pod.patched            labels or annotations of a server pod were patched
	pod.replaced           a server pod was deleted and created again
	pod.deleted            a server pod was deleted
	pod.roll_pending       a managed server was registered for a roll
	domain.rolled          every pending roll of a domain has run
	domain.introspected    a new introspect version was recorded
	domain.reconciled      a reconciliation attempt succeeded
	domain.reconcile_failed a reconciliation attempt failed
	domain.deleted         a domain left the store and was forgotten

Metadata carries the domain UID and, for pod events, the server, cluster and
pod names under the Meta* keys.

# Usage

Steps find the broker in the packet:

	events.Emit(packet, events.EventPodCreated, "Created pod", map[string]string{
		events.MetaDomainUID: uid,
		events.MetaServer:    server,
	})

Consumers subscribe on the broker itself:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for e := range sub {
		fmt.Println(e.Type, e.Message)
	}
*/
package events
