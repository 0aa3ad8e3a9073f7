package scheduler

import (
	"sort"

	"github.com/cuemby/steward/pkg/deploy"
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/pod"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
)

// ServerRef names a managed server and its cluster
type ServerRef struct {
	Name    string
	Cluster string
}

// Plan is the set of managed servers a domain should run and the observed
// servers it no longer defines
type Plan struct {
	Servers []ServerRef
	Surplus []string
}

// PlanManagedServers compares the managed servers declared by domain with the
// observed pods, keyed by server name
func PlanManagedServers(domain *types.Domain, observed map[string]*corev1.Pod) Plan {
	var plan Plan
	desired := make(map[string]bool)

	for _, c := range domain.Clusters {
		for _, name := range c.ServerNames() {
			plan.Servers = append(plan.Servers, ServerRef{Name: name, Cluster: c.Name})
			desired[name] = true
		}
	}

	for name := range observed {
		if name == domain.AdminServer.Name || desired[name] {
			continue
		}
		plan.Surplus = append(plan.Surplus, name)
	}
	sort.Strings(plan.Surplus)
	return plan
}

// managedServersStep verifies every managed server of the domain
type managedServersStep struct {
	work.Base
}

// ManagedServersStep forks one pod verification per declared managed server
// and one pod deletion per observed managed server the domain no longer
// declares, and continues with next once all of them have completed
func ManagedServersStep(next work.Step) work.Step {
	return &managedServersStep{Base: work.NewBase(next)}
}

func (s *managedServersStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok {
		return s.DoNext(packet)
	}
	domain := info.Domain()
	if domain == nil {
		return s.DoNext(packet)
	}

	plan := PlanManagedServers(domain, info.ServerPods())

	children := make([]work.StepAndPacket, 0, len(plan.Servers)+len(plan.Surplus))
	for _, server := range plan.Servers {
		child := packet.Copy()
		child.Put(keys.ServerName, server.Name)
		child.Put(keys.ClusterName, server.Cluster)
		children = append(children, work.StepAndPacket{Step: pod.ManagedPodStep(nil), Packet: child})
	}
	for _, server := range plan.Surplus {
		info.Rolls().Remove(server)
		children = append(children, work.StepAndPacket{
			Step:   pod.DeletePodStep(server, false, nil),
			Packet: packet.Copy(),
		})
	}

	log.WithDomainUID(info.DomainUID()).Debug().
		Int("servers", len(plan.Servers)).
		Int("surplus", len(plan.Surplus)).
		Msg("Verifying managed servers")

	return work.DoForkJoin(s.Next(), packet, children)
}

// childFailuresStep ends the attempt with an error when any forked child failed
type childFailuresStep struct {
	work.Base
}

func (s *childFailuresStep) Apply(packet *work.Packet) work.NextAction {
	failures := packet.ChildFailures()
	if len(failures) == 0 {
		return s.DoNext(packet)
	}
	return work.DoTerminate(errors.Errorf("%d server operations failed, first: %v", len(failures), failures[0]), packet)
}

// MakeRightSteps builds the chain that brings every pod of a domain in line
// with its declaration: the admin server first, then the managed servers,
// then the deferred rolling restarts
func MakeRightSteps() work.Step {
	return work.MustChain(
		pod.AdminPodStep(nil),
		pod.AdminPodReadyStep(nil),
		ManagedServersStep(nil),
		deploy.RollServersStep(nil),
		&childFailuresStep{},
	)
}
