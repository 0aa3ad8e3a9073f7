package presence

import (
	"sort"

	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/types"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry holds the presence information of every domain, keyed by domain UID
type Registry struct {
	infos cmap.ConcurrentMap[string, *Info]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{infos: cmap.New[*Info]()}
}

// GetOrCreate returns the Info of domain, creating it on first use. An existing
// Info has its domain record replaced by domain.
func (r *Registry) GetOrCreate(domain *types.Domain) *Info {
	info := r.infos.Upsert(domain.UID, nil, func(exists bool, current *Info, _ *Info) *Info {
		if exists {
			current.SetDomain(domain)
			return current
		}
		return NewInfo(domain)
	})
	metrics.DomainsTotal.Set(float64(r.infos.Count()))
	return info
}

// Get returns the Info of the domain with uid
func (r *Registry) Get(uid string) (*Info, bool) {
	return r.infos.Get(uid)
}

// Remove drops the Info of the domain with uid, marks the domain as deleted
// and clears its pending rolls
func (r *Registry) Remove(uid string) (*Info, bool) {
	info, ok := r.infos.Pop(uid)
	if ok {
		info.SetDomain(nil)
		info.Rolls().Clear()
		metrics.ServerPodsTotal.DeleteLabelValues(uid)
	}
	metrics.DomainsTotal.Set(float64(r.infos.Count()))
	return info, ok
}

// UIDs returns the UIDs of all registered domains, sorted
func (r *Registry) UIDs() []string {
	uids := r.infos.Keys()
	sort.Strings(uids)
	return uids
}

// Len returns the number of registered domains
func (r *Registry) Len() int {
	return r.infos.Count()
}

// Range calls fn for every registered domain
func (r *Registry) Range(fn func(uid string, info *Info)) {
	r.infos.IterCb(fn)
}

// ServerStates counts the observed server pods of every domain by lifecycle
// state, keyed by domain UID
func (r *Registry) ServerStates() map[string]map[string]int {
	out := make(map[string]map[string]int)
	r.infos.IterCb(func(uid string, info *Info) {
		states := make(map[string]int)
		for _, pod := range info.ServerPods() {
			states[StatusOf(pod)]++
		}
		out[uid] = states
	})
	return out
}
