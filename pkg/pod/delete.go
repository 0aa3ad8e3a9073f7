package pod

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	corev1 "k8s.io/api/core/v1"
)

// deletePodStep deletes the pod of one server
type deletePodStep struct {
	work.Base
	server   string
	mustWait bool
}

// DeletePodStep deletes the observed pod of server. With mustWait the chain
// continues only once the orchestrator reports the pod gone.
func DeletePodStep(server string, mustWait bool, next work.Step) work.Step {
	return &deletePodStep{Base: work.NewBase(next), server: server, mustWait: mustWait}
}

func (s *deletePodStep) Detail() string {
	return s.server
}

func (s *deletePodStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}
	current := info.ServerPod(s.server)
	if current == nil {
		return s.DoNext(packet)
	}

	tuning := config.TuningFrom(packet)
	info.SetServerPodBeingDeleted(s.server, true)
	grace := GracePeriod(info, s.server, current, tuning)

	name := current.Name
	logger := log.WithServer(info.DomainUID(), s.server)
	kind := KindManaged
	if presence.ClusterNameOf(current) == "" {
		kind = KindAdmin
	}

	return work.DoNext(client.RequestStep("delete pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Delete(ctx, info.Namespace(), name, grace)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.IsNotFound() {
				info.SetServerPod(s.server, nil)
				return work.DoNext(next, p)
			}
			if resp.Err != nil {
				info.SetServerPodBeingDeleted(s.server, false)
				return work.DoTerminate(client.Failure(resp), p)
			}

			metrics.PodOperationsTotal.WithLabelValues(string(kind), "delete").Inc()
			logger.Info().Str("pod", name).Dur("grace", grace).Msg("Deleted pod")
			events.Emit(p, events.EventPodDeleted, fmt.Sprintf("Pod %s deleted", name), map[string]string{
				events.MetaDomainUID: info.DomainUID(),
				events.MetaServer:    s.server,
				events.MetaPod:       name,
			})

			if !s.mustWait {
				return work.DoNext(next, p)
			}
			return work.DoNext(s.recheck(info, name, next), p)
		}, s.Next()), packet)
}

// recheck reads the pod until it is gone. A pod that exists without a
// deletion timestamp is a new pod with the same name and is deleted again.
func (s *deletePodStep) recheck(info *presence.Info, name string, next work.Step) work.Step {
	var get work.Step
	get = client.RequestStep("recheck pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Get(ctx, info.Namespace(), name)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.IsNotFound() {
				info.SetServerPod(s.server, nil)
				return work.DoNext(next, p)
			}
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}

			info.SetServerPod(s.server, resp.Pod)
			if !presence.IsDeleting(resp.Pod) {
				return work.DoNext(s, p)
			}
			return work.DoRetry(get, p, config.TuningFrom(p).WatchBackstopRecheckDelay)
		}, next)
	return get
}

// GracePeriod returns the grace period for deleting pod of server. A server
// last known as stopped gets none; otherwise it is the effective shutdown
// timeout plus the configured additional delete time.
func GracePeriod(info *presence.Info, server string, pod *corev1.Pod, tuning config.Tuning) time.Duration {
	if types.IsStopped(info.ServerState(server)) {
		return 0
	}

	timeout := tuning.DefaultShutdownTimeout
	if spec := info.EffectiveServerSpec(server, presence.ClusterNameOf(pod)); spec != nil && spec.ShutdownTimeout > 0 {
		timeout = spec.ShutdownTimeout
	}
	return timeout + tuning.AdditionalDeleteTime
}
