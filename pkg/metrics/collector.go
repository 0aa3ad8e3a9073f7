package metrics

import (
	"time"
)

// FiberSource reports the fibers an engine has not completed yet
type FiberSource interface {
	ActiveFibers() int
}

// StateSource reports the observed servers of every domain, counted by
// lifecycle state and keyed by domain UID
type StateSource interface {
	ServerStates() map[string]map[string]int
}

// Collector samples gauges that are cheaper to read periodically than to
// maintain on every change
type Collector struct {
	fibers   FiberSource
	states   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(fibers FiberSource, states StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		fibers:   fibers,
		states:   states,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectFiberMetrics()
	c.collectServerMetrics()
}

func (c *Collector) collectFiberMetrics() {
	if c.fibers == nil {
		return
	}
	FibersActive.Set(float64(c.fibers.ActiveFibers()))
}

func (c *Collector) collectServerMetrics() {
	if c.states == nil {
		return
	}

	// Reset so that domains and states that disappeared stop reporting
	ServersByState.Reset()
	for uid, states := range c.states.ServerStates() {
		for state, count := range states {
			ServersByState.WithLabelValues(uid, state).Set(float64(count))
		}
	}
}
