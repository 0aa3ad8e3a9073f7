package presence

import (
	"sort"
	"sync"

	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/work"
)

// RollRegistry holds the deferred replacement of each managed server that was
// labeled for roll, keyed by server name. A server has at most one entry.
type RollRegistry struct {
	domainUID string

	mu      sync.Mutex
	entries map[string]work.StepAndPacket
}

func newRollRegistry(domainUID string) *RollRegistry {
	return &RollRegistry{
		domainUID: domainUID,
		entries:   make(map[string]work.StepAndPacket),
	}
}

// Put registers the deferred replacement of server, replacing any earlier
// one. It reports whether the server was not registered before.
func (r *RollRegistry) Put(server string, deferred work.StepAndPacket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.entries[server]
	r.entries[server] = deferred
	r.updateGauge()
	return !exists
}

// Remove deletes the entry of server and reports whether there was one
func (r *RollRegistry) Remove(server string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.entries[server]
	delete(r.entries, server)
	r.updateGauge()
	return exists
}

// RemoveIf deletes the entry of server only when it was registered with
// packet. A newer registration for the same server is left in place.
func (r *RollRegistry) RemoveIf(server string, packet *work.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, exists := r.entries[server]
	if !exists || sp.Packet != packet {
		return false
	}
	delete(r.entries, server)
	r.updateGauge()
	return true
}

// Get returns the deferred replacement registered for server
func (r *RollRegistry) Get(server string) (work.StepAndPacket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.entries[server]
	return sp, ok
}

// Has reports whether server is pending a roll
func (r *RollRegistry) Has(server string) bool {
	_, ok := r.Get(server)
	return ok
}

// Len returns the number of pending rolls
func (r *RollRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Names returns the servers pending a roll in sorted order
func (r *RollRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns a snapshot of the registry
func (r *RollRegistry) Entries() map[string]work.StepAndPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]work.StepAndPacket, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Clear removes every entry
func (r *RollRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]work.StepAndPacket)
	metrics.PendingRolls.DeleteLabelValues(r.domainUID)
}

// updateGauge must be called with r.mu held
func (r *RollRegistry) updateGauge() {
	metrics.PendingRolls.WithLabelValues(r.domainUID).Set(float64(len(r.entries)))
}
