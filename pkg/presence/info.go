package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// LastKnownStatus is the last lifecycle state observed for a server
type LastKnownStatus struct {
	Status string
	Time   time.Time
}

type serverInfo struct {
	pod          *corev1.Pod
	beingDeleted bool
	lastKnown    *LastKnownStatus
}

// Info mirrors the observed state of one domain. It is shared by every step
// reconciling the domain and by the outer refresh loop.
type Info struct {
	domainUID string
	namespace string
	rolls     *RollRegistry

	mu      sync.RWMutex
	domain  *types.Domain
	servers map[string]*serverInfo
}

// NewInfo creates presence information for domain
func NewInfo(domain *types.Domain) *Info {
	return &Info{
		domainUID: domain.UID,
		namespace: domain.Namespace,
		rolls:     newRollRegistry(domain.UID),
		domain:    domain,
		servers:   make(map[string]*serverInfo),
	}
}

// FromPacket returns the Info stored under keys.DomainPresenceInfo
func FromPacket(packet *work.Packet) (*Info, bool) {
	info, ok := work.Value[*Info](packet, keys.DomainPresenceInfo)
	return info, ok && info != nil
}

// DomainUID returns the domain UID
func (i *Info) DomainUID() string {
	return i.domainUID
}

// Namespace returns the namespace of the domain's pods
func (i *Info) Namespace() string {
	return i.namespace
}

// Rolls returns the domain's pending-roll registry
func (i *Info) Rolls() *RollRegistry {
	return i.rolls
}

// Domain returns the domain record, or nil once the domain has been deleted
func (i *Info) Domain() *types.Domain {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.domain
}

// SetDomain replaces the domain record. A nil domain marks the domain as deleted.
func (i *Info) SetDomain(domain *types.Domain) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.domain = domain
}

// EffectiveServerSpec resolves the server's configuration from the current
// domain record; nil when the domain is gone or does not define the server
func (i *Info) EffectiveServerSpec(server, cluster string) *types.EffectiveServerSpec {
	d := i.Domain()
	if d == nil {
		return nil
	}
	return d.EffectiveServerSpec(server, cluster)
}

// ServerPod returns the last observed pod of server, or nil
func (i *Info) ServerPod(server string) *corev1.Pod {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if s, ok := i.servers[server]; ok {
		return s.pod
	}
	return nil
}

// SetServerPod records the observed pod of server. A nil pod marks the pod as
// absent and clears the being-deleted flag.
func (i *Info) SetServerPod(server string, pod *corev1.Pod) {
	i.mu.Lock()
	defer i.mu.Unlock()

	s := i.server(server)
	s.pod = pod
	if pod == nil {
		s.beingDeleted = false
	}
	i.updateGauge()
}

// SetServerPodBeingDeleted marks or clears the being-deleted flag of server
func (i *Info) SetServerPodBeingDeleted(server string, deleting bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.server(server).beingDeleted = deleting
}

// IsServerPodBeingDeleted reports whether a delete of server's pod is in flight
func (i *Info) IsServerPodBeingDeleted(server string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if s, ok := i.servers[server]; ok {
		return s.beingDeleted
	}
	return false
}

// LastKnownStatus returns the last status recorded for server, or nil
func (i *Info) LastKnownStatus(server string) *LastKnownStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if s, ok := i.servers[server]; ok && s.lastKnown != nil {
		lk := *s.lastKnown
		return &lk
	}
	return nil
}

// SetLastKnownStatus records the status of server
func (i *Info) SetLastKnownStatus(server, status string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.server(server).lastKnown = &LastKnownStatus{Status: status, Time: time.Now()}
}

// ServerState returns the last known status of server, falling back to the
// state recorded in the domain status
func (i *Info) ServerState(server string) string {
	if lk := i.LastKnownStatus(server); lk != nil {
		return lk.Status
	}
	if d := i.Domain(); d != nil {
		return d.ServerState(server)
	}
	return ""
}

// ServerNames returns the servers that currently have a pod, sorted
func (i *Info) ServerNames() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, 0, len(i.servers))
	for name, s := range i.servers {
		if s.pod != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ServerPods returns a snapshot of the observed pods keyed by server name
func (i *Info) ServerPods() map[string]*corev1.Pod {
	i.mu.RLock()
	defer i.mu.RUnlock()

	pods := make(map[string]*corev1.Pod, len(i.servers))
	for name, s := range i.servers {
		if s.pod != nil {
			pods[name] = s.pod
		}
	}
	return pods
}

// LastKnownStatuses returns a snapshot of the recorded statuses keyed by server name
func (i *Info) LastKnownStatuses() map[string]LastKnownStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]LastKnownStatus, len(i.servers))
	for name, s := range i.servers {
		if s.lastKnown != nil {
			out[name] = *s.lastKnown
		}
	}
	return out
}

// RefreshPods replaces the observed pods with pods, as returned by a list of
// the domain's pods. Servers without a pod in the list become absent.
func (i *Info) RefreshPods(pods []*corev1.Pod) {
	observed := make(map[string]*corev1.Pod, len(pods))
	for _, pod := range pods {
		if server := ServerNameOf(pod); server != "" {
			observed[server] = pod
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for name, s := range i.servers {
		if _, ok := observed[name]; !ok && s.pod != nil {
			s.pod = nil
			s.beingDeleted = false
		}
	}
	for name, pod := range observed {
		s := i.server(name)
		s.pod = pod
		s.lastKnown = &LastKnownStatus{Status: StatusOf(pod), Time: time.Now()}
	}
	i.updateGauge()
}

// HandlePodEvent applies a watch event for one of the domain's pods
func (i *Info) HandlePodEvent(eventType watch.EventType, pod *corev1.Pod) {
	server := ServerNameOf(pod)
	if server == "" {
		return
	}

	switch eventType {
	case watch.Added, watch.Modified:
		i.mu.Lock()
		s := i.server(server)
		s.pod = pod
		s.lastKnown = &LastKnownStatus{Status: StatusOf(pod), Time: time.Now()}
		i.updateGauge()
		i.mu.Unlock()
	case watch.Deleted:
		i.mu.Lock()
		s := i.server(server)
		s.pod = nil
		s.beingDeleted = false
		s.lastKnown = &LastKnownStatus{Status: types.StateShutdown, Time: time.Now()}
		i.updateGauge()
		i.mu.Unlock()
	}
}

// server must be called with i.mu held for writing
func (i *Info) server(name string) *serverInfo {
	s, ok := i.servers[name]
	if !ok {
		s = &serverInfo{}
		i.servers[name] = s
	}
	return s
}

// updateGauge must be called with i.mu held
func (i *Info) updateGauge() {
	n := 0
	for _, s := range i.servers {
		if s.pod != nil {
			n++
		}
	}
	metrics.ServerPodsTotal.WithLabelValues(i.domainUID).Set(float64(n))
}
