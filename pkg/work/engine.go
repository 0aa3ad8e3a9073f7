package work

import (
	"context"
	"runtime"
	"sync"

	"github.com/cuemby/steward/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config holds engine configuration
type Config struct {
	// Workers bounds the number of fibers executing steps at the same time.
	// Suspended fibers do not hold a worker.
	Workers int
}

// DefaultWorkers returns the worker count used when Config.Workers is not positive
func DefaultWorkers() int {
	return runtime.NumCPU() * 2
}

// Engine schedules fibers on a bounded worker pool
type Engine struct {
	sem     *semaphore.Weighted
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	fibers map[string]*Fiber
}

// NewEngine creates a new engine
func NewEngine(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.WithComponent("engine"),
		fibers:  make(map[string]*Fiber),
	}
}

// Workers returns the size of the worker pool
func (e *Engine) Workers() int {
	return e.workers
}

// NewFiber creates a fiber that is ready to start
func (e *Engine) NewFiber() *Fiber {
	return e.newFiber(e.ctx, nil)
}

// Run starts a fiber executing step with packet and blocks until it completes.
// When ctx is done first the fiber is cancelled and ctx.Err() is returned once
// it has stopped.
func (e *Engine) Run(ctx context.Context, step Step, packet *Packet) error {
	f := e.NewFiber()
	f.Start(step, packet, nil)

	select {
	case <-f.Done():
		return f.Err()
	case <-ctx.Done():
		f.Cancel()
		<-f.Done()
		return ctx.Err()
	}
}

// ActiveFibers returns the number of started fibers that have not completed
func (e *Engine) ActiveFibers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fibers)
}

// Shutdown cancels every active fiber. Fibers started afterwards complete as
// cancelled without invoking a step.
func (e *Engine) Shutdown() {
	e.cancel()

	e.mu.Lock()
	fibers := make([]*Fiber, 0, len(e.fibers))
	for _, f := range e.fibers {
		fibers = append(fibers, f)
	}
	e.mu.Unlock()

	for _, f := range fibers {
		f.Cancel()
	}
	e.logger.Info().Int("fibers", len(fibers)).Msg("Engine shut down")
}

func (e *Engine) newFiber(parent context.Context, parentFiber *Fiber) *Fiber {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()
	return &Fiber{
		id:     id,
		engine: e,
		parent: parentFiber,
		ctx:    ctx,
		cancel: cancel,
		logger: e.logger.With().Str("fiber_id", id).Logger(),
		state:  stateReady,
		done:   make(chan struct{}),
	}
}

// dispatch runs action on fiber once a worker is available
func (e *Engine) dispatch(f *Fiber, action NextAction) {
	go func() {
		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			f.complete(err)
			return
		}
		defer e.sem.Release(1)
		f.run(action)
	}()
}

func (e *Engine) register(f *Fiber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fibers[f.id] = f
}

func (e *Engine) forget(f *Fiber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fibers, f.id)
}
