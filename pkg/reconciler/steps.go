package reconciler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/scheduler"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
)

// PodSelector returns the label selector of the pods steward created for a domain
func PodSelector(domainUID string) string {
	return fmt.Sprintf("%s=%s,%s=%s", keys.LabelDomainUID, domainUID, keys.LabelCreatedBy, keys.CreatedByValue)
}

// refreshPresenceStep lists the domain's pods and replaces the observed pods
// in its presence info
func refreshPresenceStep() work.Step {
	return work.Func("refresh presence", func(s *work.StepFunc, packet *work.Packet) work.NextAction {
		info, ok := presence.FromPacket(packet)
		if !ok || info.Domain() == nil {
			return s.DoNext(packet)
		}

		selector := PodSelector(info.DomainUID())
		return work.DoNext(client.RequestStep("list pods",
			func(ctx context.Context, c client.PodClient) client.Response {
				return c.List(ctx, info.Namespace(), selector)
			},
			func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
				if resp.Err != nil {
					return work.DoTerminate(client.Failure(resp), p)
				}
				info.RefreshPods(resp.Pods)
				return work.DoNext(next, p)
			}, s.Next()), packet)
	}, nil)
}

// introspectionStep flags the attempt when the declared introspect version
// differs from the one last recorded
type introspectionStep struct {
	work.Base
}

func (s *introspectionStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok {
		return s.DoNext(packet)
	}
	domain := info.Domain()
	if domain == nil {
		return s.DoNext(packet)
	}

	recorded := ""
	if domain.Status != nil {
		recorded = domain.Status.IntrospectVersion
	}
	if domain.IntrospectVersion != recorded {
		log.WithDomainUID(info.DomainUID()).Info().
			Str("declared", domain.IntrospectVersion).
			Str("recorded", recorded).
			Msg("Introspection required")
		packet.Put(keys.IntrospectionRequired, true)
	}
	return s.DoNext(packet)
}

// rerunIntrospectionStep records the declared introspect version and starts
// the make-right chain over
type rerunIntrospectionStep struct {
	work.Base
	store storage.Store
}

func (s *rerunIntrospectionStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return work.DoEnd(packet)
	}
	domain := info.Domain()
	packet.Remove(keys.IntrospectionRequired)

	status := &types.DomainStatus{}
	if domain.Status != nil {
		*status = *domain.Status
	}
	status.IntrospectVersion = domain.IntrospectVersion
	status.UpdatedAt = time.Now()
	if err := s.store.SaveDomainStatus(info.DomainUID(), status); err != nil {
		return work.DoTerminate(fmt.Errorf("failed to record introspect version: %w", err), packet)
	}

	log.WithDomainUID(info.DomainUID()).Info().Str("version", domain.IntrospectVersion).Msg("Domain introspected")
	events.Emit(packet, events.EventDomainIntrospected,
		fmt.Sprintf("Introspected version %s", domain.IntrospectVersion),
		map[string]string{events.MetaDomainUID: info.DomainUID()})

	return work.DoNext(work.MustChain(scheduler.MakeRightSteps(), &recordStatusStep{store: s.store}), packet)
}

// recordStatusStep persists the observed server states so that the delete
// grace decision survives a controller restart
type recordStatusStep struct {
	work.Base
	store storage.Store
}

func (s *recordStatusStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}

	status := ObservedStatus(info)
	if err := s.store.SaveDomainStatus(info.DomainUID(), status); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return s.DoNext(packet)
		}
		return work.DoTerminate(fmt.Errorf("failed to record domain status: %w", err), packet)
	}
	return s.DoNext(packet)
}

// ObservedStatus builds the domain status from the presence info: one entry
// per declared server and per server that still has a pod
func ObservedStatus(info *presence.Info) *types.DomainStatus {
	domain := info.Domain()
	now := time.Now()
	pods := info.ServerPods()

	clusters := map[string]string{domain.AdminServer.Name: ""}
	for _, ref := range scheduler.PlanManagedServers(domain, pods).Servers {
		clusters[ref.Name] = ref.Cluster
	}
	for server, pod := range pods {
		if _, ok := clusters[server]; !ok {
			clusters[server] = presence.ClusterNameOf(pod)
		}
	}

	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	status := &types.DomainStatus{
		IntrospectVersion: domain.IntrospectVersion,
		Message:           fmt.Sprintf("%d servers, %d pending roll", len(pods), info.Rolls().Len()),
		UpdatedAt:         now,
	}
	for _, name := range names {
		state := types.StateShutdown
		if pod, ok := pods[name]; ok {
			state = presence.StatusOf(pod)
		}
		status.Servers = append(status.Servers, &types.ServerStatus{
			ServerName:  name,
			ClusterName: clusters[name],
			State:       state,
			UpdatedAt:   now,
		})
	}
	return status
}
