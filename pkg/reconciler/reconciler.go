package reconciler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/scheduler"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
)

// Config wires a Reconciler to its collaborators
type Config struct {
	Store      storage.Store
	Client     client.PodClient
	Engine     *work.Engine
	Registry   *presence.Registry
	Broker     *events.Broker
	Tuning     config.Tuning
	StartupEnv []types.EnvVar
}

// attempt tracks the reconciliation of one domain
type attempt struct {
	fiber *work.Fiber
	// set while the domain waits in the retry queue
	retryPending bool
}

// Reconciler periodically drives every stored domain towards its declaration
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
	stopped  bool

	limiter workqueue.TypedRateLimiter[string]
	retries workqueue.TypedDelayingInterface[string]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry()
	}
	return &Reconciler{
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		attempts: make(map[string]*attempt),
		limiter:  RetryLimiter(cfg.Tuning.RetryBaseDelay, cfg.Tuning.RetryMaxDelay),
		retries: workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[string]{
			Name: "steward_retries",
		}),
		stopCh: make(chan struct{}),
	}
}

// RetryLimiter returns the per-domain retry backoff: base doubled per
// consecutive failure and capped at max, with an overall bucket so that many
// failing domains do not hammer the API server at once
func RetryLimiter(base, max time.Duration) workqueue.TypedRateLimiter[string] {
	return workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[string](base, max),
		&workqueue.TypedBucketRateLimiter[string]{
			Limiter: rate.NewLimiter(rate.Limit(10), 100),
		},
	)
}

// Registry returns the presence registry maintained by the reconciler
func (r *Reconciler) Registry() *presence.Registry {
	return r.cfg.Registry
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	metrics.RegisterComponent(metrics.ComponentReconciler, true, "running")
	r.startRetries()
	r.wg.Add(1)
	go r.run()
}

func (r *Reconciler) startRetries() {
	r.wg.Add(1)
	go r.processRetries()
}

// Stop stops the loop and cancels every running attempt
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		r.stopped = true
		for _, a := range r.attempts {
			if a.fiber != nil {
				a.fiber.Cancel()
			}
		}
		r.mu.Unlock()
		r.retries.ShutDown()
	})
	r.wg.Wait()
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Tuning.ReconcileInterval)
	defer ticker.Stop()

	r.reconcile()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation pass over the stored domains
func (r *Reconciler) reconcile() {
	domains, err := r.cfg.Store.ListDomains()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list domains")
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	stored := make(map[string]bool, len(domains))
	for _, d := range domains {
		stored[d.UID] = true
		r.startAttempt(d, false)
	}

	for _, uid := range r.cfg.Registry.UIDs() {
		if !stored[uid] {
			r.forget(uid)
		}
	}
}

// startAttempt starts a make-right fiber for domain unless one is running or
// the domain is waiting out a retry delay. retry starts the attempt scheduled
// by a failed one.
func (r *Reconciler) startAttempt(domain *types.Domain, retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	a, ok := r.attempts[domain.UID]
	if !ok {
		a = &attempt{}
		r.attempts[domain.UID] = a
	}
	if a.fiber != nil && !a.fiber.IsDone() {
		return
	}
	if a.retryPending && !retry {
		return
	}
	a.retryPending = false

	info := r.cfg.Registry.GetOrCreate(domain)
	packet := r.packet(info)
	timer := metrics.NewTimer()

	f := r.cfg.Engine.NewFiber()
	a.fiber = f
	logger := log.WithDomainUID(domain.UID)
	logger.Debug().Str("fiber", f.ID()).Msg("Starting reconciliation")

	f.Start(r.steps(), packet, func(err error) {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		r.completed(domain.UID, packet, err)
	})
}

func (r *Reconciler) packet(info *presence.Info) *work.Packet {
	p := work.NewPacket()
	p.Put(keys.DomainPresenceInfo, info)
	p.Put(keys.PodClient, r.cfg.Client)
	p.Put(keys.Tuning, r.cfg.Tuning)
	if r.cfg.Broker != nil {
		p.Put(keys.Events, r.cfg.Broker)
	}
	if len(r.cfg.StartupEnv) > 0 {
		p.Put(keys.StartupEnv, r.cfg.StartupEnv)
	}
	p.Put(keys.IntrospectionRerun, &rerunIntrospectionStep{store: r.cfg.Store})
	return p
}

// steps builds the chain of one attempt
func (r *Reconciler) steps() work.Step {
	return work.MustChain(
		refreshPresenceStep(),
		&introspectionStep{},
		scheduler.MakeRightSteps(),
		&recordStatusStep{store: r.cfg.Store},
	)
}

// completed records the outcome of an attempt and schedules a retry after a
// failure
func (r *Reconciler) completed(uid string, packet *work.Packet, err error) {
	logger := log.WithDomainUID(uid)
	meta := map[string]string{events.MetaDomainUID: uid}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[uid]
	if !ok {
		return
	}

	switch {
	case err == nil:
		metrics.ReconciliationsTotal.WithLabelValues("success").Inc()
		r.limiter.Forget(uid)
		logger.Debug().Msg("Domain reconciled")
		events.Emit(packet, events.EventDomainReconciled, "Domain reconciled", meta)

	case stderrors.Is(err, work.ErrCancelled):
		metrics.ReconciliationsTotal.WithLabelValues("cancelled").Inc()

	default:
		metrics.ReconciliationsTotal.WithLabelValues("failure").Inc()
		delay := r.limiter.When(uid)
		logger.Warn().Err(err).Int("failures", r.limiter.NumRequeues(uid)).Dur("retry_in", delay).Msg("Reconciliation failed")
		events.Emit(packet, events.EventDomainReconcileError, err.Error(), meta)

		if !r.stopped {
			a.retryPending = true
			r.retries.AddAfter(uid, delay)
		}
	}
}

// processRetries starts the attempts of domains whose retry delay elapsed
func (r *Reconciler) processRetries() {
	defer r.wg.Done()
	for {
		uid, shutdown := r.retries.Get()
		if shutdown {
			return
		}
		r.retry(uid)
		r.retries.Done(uid)
	}
}

// retry restarts the attempt of uid after its backoff delay
func (r *Reconciler) retry(uid string) {
	r.mu.Lock()
	a, ok := r.attempts[uid]
	pending := ok && a.retryPending
	r.mu.Unlock()
	if !pending {
		// forgotten, or already restarted by a pass
		return
	}

	domain, err := r.cfg.Store.GetDomain(uid)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			r.forget(uid)
			return
		}
		r.logger.Error().Err(err).Str("domain_uid", uid).Msg("Failed to load domain for retry")
		r.mu.Lock()
		if a, ok := r.attempts[uid]; ok {
			a.retryPending = false
		}
		r.mu.Unlock()
		return
	}
	r.startAttempt(domain, true)
}

// forget drops a domain that is no longer stored and cancels its attempt
func (r *Reconciler) forget(uid string) {
	r.mu.Lock()
	if a, ok := r.attempts[uid]; ok {
		if a.fiber != nil {
			a.fiber.Cancel()
		}
		delete(r.attempts, uid)
	}
	r.mu.Unlock()
	r.limiter.Forget(uid)

	if _, ok := r.cfg.Registry.Remove(uid); ok {
		log.WithDomainUID(uid).Info().Msg("Domain removed")
		if r.cfg.Broker != nil {
			r.cfg.Broker.Publish(&events.Event{
				Type:     events.EventDomainDeleted,
				Message:  fmt.Sprintf("Domain %s removed", uid),
				Metadata: map[string]string{events.MetaDomainUID: uid},
			})
		}
	}
}

// Wait blocks until no attempt is running or ctx is done
func (r *Reconciler) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		var running *work.Fiber
		for _, a := range r.attempts {
			if a.fiber != nil && !a.fiber.IsDone() {
				running = a.fiber
				break
			}
		}
		r.mu.Unlock()

		if running == nil {
			return nil
		}
		select {
		case <-running.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Failures returns the number of consecutive failed attempts of uid
func (r *Reconciler) Failures(uid string) int {
	return r.limiter.NumRequeues(uid)
}
