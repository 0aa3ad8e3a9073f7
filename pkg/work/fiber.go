package work

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/steward/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrCancelled is the completion error of a fiber that stopped because it was cancelled
var ErrCancelled = stderrors.New("fiber cancelled")

// CompletionCallback is invoked once when a fiber completes. err is nil on a
// normal end, ErrCancelled after cancellation, or the terminal error.
type CompletionCallback func(err error)

type fiberState int

const (
	stateReady fiberState = iota
	stateRunning
	stateSuspended
	stateCompleted
)

func (s fiberState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateSuspended:
		return "suspended"
	case stateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// actionCancelled wakes a suspended fiber so that it completes as cancelled
const actionCancelled actionKind = -1

// Fiber runs one step chain to completion on the engine's worker pool
type Fiber struct {
	id        string
	engine    *Engine
	parent    *Fiber
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	logger    zerolog.Logger

	mu         sync.Mutex
	state      fiberState
	epoch      uint64
	current    Step
	packet     *Packet
	timer      *time.Timer
	resumeAt   time.Time
	delay      time.Duration
	joining    bool
	children   []*Fiber
	exitHooks  []func(error)
	onComplete CompletionCallback
	err        error
	done       chan struct{}
}

// ID returns the fiber's unique identifier
func (f *Fiber) ID() string {
	return f.id
}

// Parent returns the fiber that forked this one, or nil
func (f *Fiber) Parent() *Fiber {
	return f.parent
}

// Context returns a context that is cancelled when the fiber is cancelled or completes
func (f *Fiber) Context() context.Context {
	return f.ctx
}

// Start begins executing step with packet. onComplete may be nil.
func (f *Fiber) Start(step Step, packet *Packet, onComplete CompletionCallback) {
	if packet == nil {
		packet = NewPacket()
	}
	f.mu.Lock()
	if f.state != stateReady {
		f.mu.Unlock()
		f.logger.Error().Str("state", f.state.String()).Msg("Ignoring start of a fiber that was already started")
		return
	}
	f.state = stateRunning
	f.current = step
	f.packet = packet
	f.onComplete = onComplete
	f.mu.Unlock()

	packet.bind(f)
	f.engine.register(f)
	metrics.FibersStarted.Inc()
	f.engine.dispatch(f, DoNext(step, packet))
}

// Cancel requests cooperative cancellation. A step already executing finishes
// its call; no further step is invoked. Suspended fibers wake and complete with
// ErrCancelled, forked children are cancelled as well.
func (f *Fiber) Cancel() {
	if !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	f.logger.Debug().Msg("Fiber cancelled")
	f.cancel()
	f.wakeForCancel()
}

// IsCancelled reports whether the fiber or its engine was cancelled
func (f *Fiber) IsCancelled() bool {
	return f.cancelled.Load() || f.ctx.Err() != nil && !f.IsDone()
}

// OnExit registers hook to run exactly once when the fiber completes by any
// path: end, terminate, cancellation or a recovered panic. Hooks run in
// reverse registration order. A hook added after completion runs immediately.
func (f *Fiber) OnExit(hook func(err error)) {
	f.mu.Lock()
	if f.state == stateCompleted {
		err := f.err
		f.mu.Unlock()
		f.runHook(hook, err)
		return
	}
	f.exitHooks = append(f.exitHooks, hook)
	f.mu.Unlock()
}

// Done returns a channel closed when the fiber completes
func (f *Fiber) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the fiber has completed
func (f *Fiber) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the fiber completes or ctx is done
func (f *Fiber) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the completion error
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// State returns the execution state name
func (f *Fiber) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.String()
}

// CurrentStep returns the step being executed or the step the fiber suspended in
func (f *Fiber) CurrentStep() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// ResumeAt returns the scheduled resumption time and the delay of a fiber
// suspended on a timer; zero values otherwise
func (f *Fiber) ResumeAt() (time.Time, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeAt, f.delay
}

func (f *Fiber) String() string {
	return "Fiber-" + f.id
}

// run executes actions on a pool worker until the fiber suspends or completes
func (f *Fiber) run(action NextAction) {
	for {
		switch action.kind {
		case actionCancelled:
			f.complete(ErrCancelled)
			return
		case actionNext:
			if action.step == nil {
				f.complete(nil)
				return
			}
			if f.IsCancelled() {
				f.complete(ErrCancelled)
				return
			}
			action = f.invoke(action.step, f.rebind(action.packet))
		case actionTerminate:
			f.complete(action.err)
			return
		case actionDelay:
			f.suspendOnTimer(action)
			return
		case actionForkJoin:
			if len(action.children) == 0 {
				action = DoNext(action.step, action.packet)
				continue
			}
			f.forkJoin(action)
			return
		case actionSuspend:
			f.suspendOnCallback(action)
			return
		default:
			f.complete(errors.Errorf("unknown action %d", action.kind))
			return
		}
	}
}

func (f *Fiber) invoke(step Step, packet *Packet) (action NextAction) {
	f.mu.Lock()
	f.current = step
	f.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("step %s panicked: %v", Name(step), r)
			f.logger.Error().Err(err).Str("step", Name(step)).Msg("Recovered from step panic")
			action = DoTerminate(err, packet)
		}
	}()

	metrics.StepsExecuted.Inc()
	f.logger.Trace().Str("step", Name(step)).Str("step_id", IdentityHash(step)).Msg("Invoking step")
	return step.Apply(packet)
}

func (f *Fiber) rebind(packet *Packet) *Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if packet == nil {
		return f.packet
	}
	if packet != f.packet {
		f.packet = packet
		packet.bind(f)
	}
	return packet
}

func (f *Fiber) suspendOnTimer(a NextAction) {
	f.mu.Lock()
	if f.timer != nil {
		f.mu.Unlock()
		f.logger.Error().Str("step", Name(a.step)).Msg("Ignoring delay request while a timer is already pending")
		return
	}
	f.state = stateSuspended
	f.epoch++
	epoch := f.epoch
	f.delay = a.delay
	f.resumeAt = time.Now().Add(a.delay)
	resume := DoNext(a.step, a.packet)
	f.timer = time.AfterFunc(a.delay, func() {
		f.resume(epoch, resume)
	})
	f.mu.Unlock()

	metrics.FibersSuspended.Inc()
	f.logger.Debug().Str("step", Name(a.step)).Dur("delay", a.delay).Msg("Fiber suspended")
	f.afterSuspend()
}

func (f *Fiber) suspendOnCallback(a NextAction) {
	f.mu.Lock()
	f.state = stateSuspended
	f.epoch++
	epoch := f.epoch
	f.mu.Unlock()
	metrics.FibersSuspended.Inc()

	if a.onSuspend == nil {
		f.resume(epoch, DoTerminate(errors.New("suspend without callback"), f.rebind(a.packet)))
		return
	}
	a.onSuspend(f, func(action NextAction) bool {
		return f.resume(epoch, action)
	})
	f.afterSuspend()
}

func (f *Fiber) forkJoin(a NextAction) {
	children := make([]*Fiber, len(a.children))
	for i := range children {
		children[i] = f.engine.newFiber(f.ctx, f)
	}

	f.mu.Lock()
	f.state = stateSuspended
	f.epoch++
	epoch := f.epoch
	f.joining = true
	f.children = children
	f.mu.Unlock()
	metrics.FibersSuspended.Inc()

	var remaining atomic.Int32
	remaining.Store(int32(len(children)))
	resume := DoNext(a.step, a.packet)

	// Failures are kept by child position so the join sees them in fork
	// order whatever order the children finish in
	failures := make([]error, len(children))

	for i, sp := range a.children {
		packet := sp.Packet
		if packet == nil || packet == a.packet || packet.ownedByOther(children[i]) {
			packet = a.packet.Copy()
		}
		children[i].Start(sp.Step, packet, func(err error) {
			if err != nil && !stderrors.Is(err, ErrCancelled) {
				failures[i] = err
			}
			if remaining.Add(-1) == 0 {
				a.packet.addChildFailures(failures)
				f.resume(epoch, resume)
			}
		})
	}
	f.afterSuspend()
}

// afterSuspend handles a cancellation that raced with the suspension
func (f *Fiber) afterSuspend() {
	if f.IsCancelled() {
		f.wakeForCancel()
	}
}

func (f *Fiber) wakeForCancel() {
	f.mu.Lock()
	epoch := f.epoch
	joining := f.joining
	children := append([]*Fiber(nil), f.children...)
	f.mu.Unlock()

	if joining {
		for _, c := range children {
			c.Cancel()
		}
		return
	}
	f.resume(epoch, NextAction{kind: actionCancelled})
}

func (f *Fiber) resume(epoch uint64, action NextAction) bool {
	f.mu.Lock()
	if f.state != stateSuspended || epoch != f.epoch {
		f.mu.Unlock()
		return false
	}
	f.state = stateRunning
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.resumeAt = time.Time{}
	f.delay = 0
	f.joining = false
	f.children = nil
	f.mu.Unlock()

	metrics.FibersSuspended.Dec()
	f.engine.dispatch(f, action)
	return true
}

func (f *Fiber) complete(err error) {
	f.mu.Lock()
	if f.state == stateCompleted {
		f.mu.Unlock()
		return
	}
	f.state = stateCompleted
	f.err = err
	f.current = nil
	hooks := f.exitHooks
	f.exitHooks = nil
	onComplete := f.onComplete
	f.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		f.runHook(hooks[i], err)
	}
	f.cancel()
	f.engine.forget(f)

	switch {
	case err == nil:
		metrics.FibersCompleted.WithLabelValues("success").Inc()
	case stderrors.Is(err, ErrCancelled):
		metrics.FibersCompleted.WithLabelValues("cancelled").Inc()
	default:
		metrics.FibersCompleted.WithLabelValues("failed").Inc()
		f.logger.Debug().Err(err).Msg("Fiber terminated")
	}

	if onComplete != nil {
		onComplete(err)
	}
	close(f.done)
}

func (f *Fiber) runHook(hook func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Interface("panic", r).Msg("Recovered from exit hook panic")
		}
	}()
	hook(err)
}
