/*
Package work provides the asynchronous step engine that drives every
reconciliation performed by Steward.

A unit of reconciliation is expressed as a chain of steps. Each step does a
small amount of work against a shared packet and then tells its fiber what to
do next. Steps never call each other: the returned NextAction is interpreted
by the fiber, which is the only place that decides whether execution goes on.
This keeps cancellation, suspension and fork-join handling in one loop.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                          Engine                            │
	│             (semaphore-bounded worker pool)                │
	└────────────────┬───────────────────────────────────────────┘
	                 │ dispatch
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│                          Fiber                             │
	│                                                            │
	│   ready ──Start──▶ running ──DoDelay/DoSuspend──▶ suspended │
	│                      │  ▲                         │        │
	│                      │  └──── timer / Resumer ────┘        │
	│                      ▼                                     │
	│                  completed (end, terminate, cancelled)     │
	└────────────────┬───────────────────────────────────────────┘
	                 │ Apply(packet)
	                 ▼
	   StepA ──next──▶ StepB ──next──▶ StepC ──next──▶ nil

The engine owns no step logic. It hands a fiber a worker, the fiber walks the
chain until a step asks it to wait, and the worker is released. When the wait
ends the fiber is dispatched again and picks up where it stopped.

# Core Components

## Engine

Engine schedules fibers on a pool bounded by a weighted semaphore. The pool
size comes from Config.Workers, falling back to DefaultWorkers (two per CPU)
when it is not positive.

	engine := work.NewEngine(work.Config{Workers: 8})
	defer engine.Shutdown()

	err := engine.Run(ctx, head, work.NewPacket())

Run starts a fiber and blocks until it completes or ctx is done, in which case
the fiber is cancelled and ctx.Err is returned. For fire-and-forget work use
NewFiber and Start with a CompletionCallback:

	f := engine.NewFiber()
	f.Start(head, packet, func(err error) {
		logger.Info().Err(err).Msg("Attempt finished")
	})

Shutdown cancels every active fiber. Fibers started after Shutdown complete
as cancelled without invoking a step. ActiveFibers reports how many started
fibers have not completed yet.

## Fiber

A fiber is a lightweight, resumable execution context. It runs one step at a
time and moves through these states:

	┌───────────┬──────────────────────────────────────────────────┐
	│ State     │ Meaning                                          │
	├───────────┼──────────────────────────────────────────────────┤
	│ ready     │ created, Start not called yet                    │
	│ running   │ executing steps on a worker                      │
	│ suspended │ waiting on a timer, a Resumer or fork-join       │
	│ completed │ finished; Err holds the outcome                  │
	└───────────┴──────────────────────────────────────────────────┘

Start may be called once. The fiber keeps a context derived from the engine,
so a step that needs one for an outbound call uses Fiber.Context. Fibers
spawned by a fork-join record their parent, and Fiber.Parent walks back up.

Introspection helpers used by the API and by tests:

  - State and CurrentStep report where the fiber is
  - ResumeAt reports when a delayed fiber is due and the delay it asked for
  - Done and IsDone expose completion, Wait blocks on it with a context
  - Err returns the terminal error, nil on success

## Steps

A step embeds Base, which carries the successor link, and implements Apply:

	type greetStep struct {
		work.Base
	}

	func (s *greetStep) Apply(packet *work.Packet) work.NextAction {
		packet.Put("greeting", "hello")
		return s.DoNext(packet)
	}

	step := &greetStep{Base: work.NewBase(nil)}

Func wraps a function as a step for small glue steps and tests:

	log := work.Func("log", func(s *work.StepFunc, p *work.Packet) work.NextAction {
		logger.Info().Str("greeting", p.GetString("greeting")).Msg("Greeted")
		return s.DoNext(p)
	}, nil)

Name drops the "Step" suffix of the type name, and a step that implements
Detailer adds its detail, so the pod step for one server shows up in logs as
"verify (managed-server1)".

## Next actions

Apply returns exactly one NextAction. The primitives are:

  - DoNext(step, packet): continue with step, a nil step ends the fiber
  - DoEnd(packet): end the fiber successfully
  - DoTerminate(err, packet): record err under KeyThrowable and end the fiber
  - DoRetry / DoDelay(step, packet, d): suspend and resume with step after d
  - DoForkJoin(step, packet, children): run each child on its own fiber and
    resume with step once all of them have completed
  - DoSuspend(packet, fn): suspend and hand fn a Resumer that continues the
    fiber later, typically from the completion of an API call

A panic inside Apply is recovered by the fiber and turned into a terminate
with the panic value wrapped in the error, so one broken step cannot take the
process down.

## Suspension and Resumer

DoSuspend gives the step a Resumer bound to that one suspension:

	return work.DoSuspend(packet, func(f *work.Fiber, resume work.Resumer) {
		go func() {
			resp := call(f.Context())
			resume(work.DoNext(&handleStep{resp: resp}, packet))
		}()
	})

The fiber counts its suspensions. A Resumer carries the count of the
suspension it was made for and succeeds only while the fiber is still
suspended on that same one:

	suspension 1 ──▶ resumer#1 ──▶ running ──▶ suspension 2 (DoDelay 1h)
	                                                 │
	                 resumer#1 called again ─────────┘ returns false,
	                                                   the delay stays in place

A late or duplicate call returns false and changes nothing, so a stale
callback can never cut short a later timer or a later callback. The same
rule covers timers and the join of a fork: each wakes the fiber through its
own suspension and is ignored once the fiber has moved on.

## Fork-join

	          parent fiber
	               │ DoForkJoin(join, packet, children)
	      ┌────────┼────────┐
	      ▼        ▼        ▼
	   child 0  child 1  child 2     (own fibers, own workers)
	      │        │        │
	      └────────┼────────┘ last one to finish
	               ▼
	          join step on the parent

Each child runs on its own fiber. Fork pairs a step with a shallow copy of
the parent packet; a child with no packet, or with the parent's own packet, is
given a copy as well. The parent holds no worker while it waits.

A child that fails does not stop its siblings. Its error is kept at the
child's position, and when the last child completes the join step finds the
failures on the parent packet in fork order:

	for _, err := range packet.ChildFailures() {
		logger.Warn().Err(err).Msg("Server step failed")
	}

The order is that of the children slice whatever order they finish in. A
child that ends with ErrCancelled is not counted as a failure. A fork with no
children resumes with the join step straight away.

# Chains

Chain joins step groups into one chain. Groups are linked in order, leading
nil groups are skipped, and a group that already shares a step with the chain
built so far is left out so the result can never loop:

	head, err := work.Chain(adminPod, nil, managedServers, rollCoordinator)

Chain returns an error when every group is nil; MustChain panics instead and
is meant for chains assembled from constants.

InsertBefore splices a step before the first successor whose insertion point
matches:

	ok := work.InsertBefore(head, readyStep, "managedServersStep")

The insertion point of a step is its unqualified type name unless the step
implements Pointed. InsertBefore never inserts a step that is already part of
the chain, since that would close a loop; it returns false and leaves the
chain as it was. It also returns false when no successor matches, in which
case the step is appended at the end.

Steps lists a chain in order and Describe renders it for logs as
"AdminPod[ManagedServers[RollServers]]". IdentityHash gives the address of a
step instance, used to tell two instances of the same type apart in trace
output.

# Packets

A Packet is a concurrency-safe map of named values shared by the steps of one
attempt:

	packet := work.NewPacket()
	packet.Put(keys.ServerName, "managed-server1")

	info, ok := work.Value[*presence.Info](packet, keys.DomainPresenceInfo)

GetString and GetBool return the zero value for missing or mistyped keys.
Value is the generic accessor for everything else.

Fork-join children never share the parent's packet. Compound read-modify-write sequences across concurrently
running children use Packet.Lock and Packet.Unlock.

The packet knows the fiber it is bound to through a weak reference, so
Packet.IsCancelled lets a step observe cancellation without keeping a finished
fiber alive. Packet.Err returns the error recorded by DoTerminate, and
ChildFailures the errors of the last fork-join.

# Cancellation

Cancellation is cooperative. Fiber.Cancel sets a flag that is checked before
every step invocation; a step already executing finishes its call. A fiber that
is suspended on a timer or on an external callback is woken and completes with
ErrCancelled. A fiber waiting on fork-join children cancels the children and
completes once they have drained. A fiber cancelled before it starts never
invokes a step.

	running ──Cancel──▶ finishes current Apply ──▶ completed(ErrCancelled)
	suspended ──Cancel──▶ woken ─────────────────▶ completed(ErrCancelled)
	forking ──Cancel──▶ children cancelled ──▶ drained ──▶ completed(ErrCancelled)

# Exit hooks

Fiber.OnExit registers a function that runs exactly once when the fiber
completes, whatever the outcome. Steps that publish state outside the packet
use it to withdraw that state when the fiber ends early. Hooks run in reverse
registration order, and one registered after completion runs immediately. A
panicking hook is recovered and logged.

# Concurrency

The engine bounds the number of fibers executing steps at the same time.
Suspended fibers hold no worker. A fiber executes at most one step at a time,
and each suspension is resumed at most once: a second call to the same
Resumer, or a timer that fires after a cancel, returns without effect.

# Metrics

	steward_fibers_started_total
	steward_fibers_completed_total{outcome}
	steward_fibers_suspended
	steward_fibers_active
	steward_steps_executed_total

# Logging

Each fiber logs through the "engine" component logger with a fiber_id
field. A recovered step panic is logged at error level by the fiber. Steps are
named with Name, which strips the package path and appends Detail. A fiber
that terminates logs its error at debug level; warn level logging of a failed
attempt belongs to the caller that owns the fiber.

# Integration Points

## Reconciler

The reconciler owns the engine. It starts one fiber per domain attempt with
the make-right chain and keeps the fiber so a deleted domain can be cancelled
mid-flight. The completion callback decides between success and a retry.

## Client

client.RequestStep is the only DoSuspend user in production code. It runs the
API call on its own goroutine with Fiber.Context and resumes the fiber with
the response step through the Resumer it was given.

## Scheduler and deploy

The scheduler forks one child per managed server; the deploy package forks
deferred roll cycles in batches. Both rely on the join seeing every child's
outcome in fork order.

# Design Patterns

## Trampolining

Steps return actions instead of calling successors, so a chain of any length
runs in constant stack depth and every transition passes through the fiber
loop where cancellation is checked.

## Continuation passing

A suspended fiber is nothing but its next action. Whatever wakes it (a timer,
a Resumer, the last child of a fork) hands that action back, and the fiber is
dispatched onto the pool again.

## Scoped cleanup

State a step publishes outside the packet is withdrawn by an OnExit hook
rather than by a later step, since a later step may never run.

# Performance Characteristics

  - A suspended fiber is a record plus its timer; waiting on the network or a
    delay holds no worker and no goroutine
  - Dispatch is one semaphore acquire per run of steps, not per step
  - Copying a packet is shallow and O(keys)
  - Fork-join allocates one fiber per child and one failure slot per child

# Troubleshooting

## A fiber never completes

  - Check ResumeAt: a delayed fiber reports when it is due
  - A step that returns DoSuspend must make sure its callback eventually
    calls the Resumer, or the fiber waits until it is cancelled
  - State reports "suspended" while children of a fork are still running

## A resume is ignored

The Resumer returned false because the fiber was cancelled or has already
moved on to a later suspension. This is expected for late callbacks.

## Steps stop running after shutdown

Engine.Shutdown cancels the engine context. New fibers complete as cancelled
without invoking a step; create a new engine instead.

# See Also

  - pkg/client for RequestStep
  - pkg/reconciler for the fiber per domain attempt
  - pkg/metrics for the fiber and step metrics
*/
package work
