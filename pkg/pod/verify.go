package pod

import (
	"context"
	"fmt"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
)

// Kind tells the admin server pod apart from managed server pods
type Kind string

const (
	KindAdmin   Kind = "admin"
	KindManaged Kind = "managed"
)

// verifyStep brings the pod of one server in line with its desired model
type verifyStep struct {
	work.Base
	kind Kind
}

// AdminPodStep verifies the admin server pod of the domain in the packet
func AdminPodStep(next work.Step) work.Step {
	return &verifyStep{Base: work.NewBase(next), kind: KindAdmin}
}

// ManagedPodStep verifies the managed server pod named by keys.ServerName and
// keys.ClusterName in the packet
func ManagedPodStep(next work.Step) work.Step {
	return &verifyStep{Base: work.NewBase(next), kind: KindManaged}
}

func (s *verifyStep) Detail() string {
	return string(s.kind)
}

func (s *verifyStep) Apply(packet *work.Packet) work.NextAction {
	t, ok := target(packet, s.kind)
	if !ok {
		return s.DoNext(packet)
	}
	if t.spec == nil {
		return work.DoTerminate(errors.Errorf("server %s is not defined in domain %s", t.server, t.info.DomainUID()), packet)
	}

	desired, err := t.desired(packet)
	if err != nil {
		return work.DoTerminate(err, packet)
	}

	current := t.info.ServerPod(t.server)
	tuning := config.TuningFrom(packet)

	switch {
	case current == nil:
		if t.info.IsServerPodBeingDeleted(t.server) {
			return work.DoRetry(s, packet, tuning.WatchBackstopRecheckDelay)
		}
		return work.DoNext(createPodStep(t.kind, t.server, t.cluster, events.EventPodCreated, s.Next()), packet)

	case presence.IsDeleting(current):
		return work.DoNext(awaitDeletionStep(s, t, current.Name), packet)

	case presence.IsEvicted(current) && tuning.RestartEvictedPods:
		t.logger.Info().Str("pod", current.Name).Msg("Replacing evicted pod")
		return work.DoNext(cycleSteps(t.kind, t.server, t.cluster, s.Next()), packet)

	case HashOf(current) != HashOf(desired):
		return s.replace(packet, t, current)
	}

	// The pod matches again, so a roll registered by an earlier pass is stale
	if t.kind == KindManaged && t.info.Rolls().Remove(t.server) {
		t.logger.Info().Str("pod", current.Name).Msg("Pod is up to date, dropping pending roll")
	}

	if !metadataMatches(current, desired) {
		return work.DoNext(patchMetadataStep(s, t, current, desired, s.Next()), packet)
	}

	t.logger.Debug().Str("pod", current.Name).Msg("Pod exists")
	events.Emit(packet, events.EventPodExists, fmt.Sprintf("Pod %s exists", current.Name), t.metadata(current.Name))
	return s.DoNext(packet)
}

// replace handles a pod whose template hash differs from the desired one
func (s *verifyStep) replace(packet *work.Packet, t *serverTarget, current *corev1.Pod) work.NextAction {
	if t.kind == KindAdmin {
		if packet.GetBool(keys.IntrospectionRequired) {
			if rerun, ok := work.Value[work.Step](packet, keys.IntrospectionRerun); ok && rerun != nil {
				t.logger.Info().Msg("Admin pod out of date, re-running introspection")
				return work.DoNext(rerun, packet)
			}
		}
		t.logger.Info().Str("pod", current.Name).Msg("Admin pod out of date, replacing")
		return work.DoNext(cycleSteps(t.kind, t.server, t.cluster, s.Next()), packet)
	}

	deferred := work.StepAndPacket{
		Step:   cycleSteps(t.kind, t.server, t.cluster, nil),
		Packet: packet.Copy(),
	}

	if isLabeledForRoll(current) {
		t.info.Rolls().Put(t.server, deferred)
		return work.DoEnd(packet)
	}

	body, err := rollLabelPatch(current)
	if err != nil {
		return work.DoTerminate(fmt.Errorf("failed to build roll label patch: %w", err), packet)
	}

	name := current.Name
	return work.DoNext(client.RequestStep("label pod for roll",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Patch(ctx, t.info.Namespace(), name, k8stypes.JSONPatchType, body)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.IsNotFound() {
				t.info.SetServerPod(t.server, nil)
				return work.DoNext(s, p)
			}
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}

			t.info.SetServerPod(t.server, resp.Pod)
			t.info.Rolls().Put(t.server, deferred)
			metrics.PodOperationsTotal.WithLabelValues(string(t.kind), "label").Inc()
			t.logger.Info().Str("pod", name).Msg("Pod labeled for roll")
			events.Emit(p, events.EventPodRollPending, fmt.Sprintf("Pod %s is pending a roll", name), t.metadata(name))
			return work.DoEnd(p)
		}, nil), packet)
}

// serverTarget is the server a pod step works on, resolved from the packet
type serverTarget struct {
	kind    Kind
	info    *presence.Info
	domain  *types.Domain
	server  string
	cluster string
	spec    *types.EffectiveServerSpec
	logger  zerolog.Logger
}

// target resolves the server addressed by packet. It reports false when there
// is nothing to do because the domain is gone.
func target(packet *work.Packet, kind Kind) (*serverTarget, bool) {
	info, ok := presence.FromPacket(packet)
	if !ok {
		return nil, false
	}
	domain := info.Domain()
	if domain == nil {
		return nil, false
	}

	t := &serverTarget{kind: kind, info: info, domain: domain}
	if kind == KindAdmin {
		t.server = domain.AdminServer.Name
	} else {
		t.server = packet.GetString(keys.ServerName)
		t.cluster = packet.GetString(keys.ClusterName)
	}
	t.spec = domain.EffectiveServerSpec(t.server, t.cluster)
	t.logger = log.WithServer(info.DomainUID(), t.server)
	return t, true
}

func (t *serverTarget) desired(packet *work.Packet) (*corev1.Pod, error) {
	env, _ := work.Value[[]types.EnvVar](packet, keys.StartupEnv)
	m := Model{
		DomainUID:  t.info.DomainUID(),
		DomainName: t.domain.Name,
		Namespace:  t.info.Namespace(),
		AdminName:  t.domain.AdminServer.Name,
		Spec:       t.spec,
		StartupEnv: env,
	}
	return m.Build()
}

func (t *serverTarget) metadata(podName string) map[string]string {
	meta := map[string]string{
		events.MetaDomainUID: t.info.DomainUID(),
		events.MetaServer:    t.server,
		events.MetaPod:       podName,
	}
	if t.cluster != "" {
		meta[events.MetaCluster] = t.cluster
	}
	return meta
}

// createStep creates the pod of server from the model in effect when it runs
type createStep struct {
	work.Base
	kind      Kind
	server    string
	cluster   string
	eventType events.EventType
}

func createPodStep(kind Kind, server, cluster string, eventType events.EventType, next work.Step) work.Step {
	return &createStep{Base: work.NewBase(next), kind: kind, server: server, cluster: cluster, eventType: eventType}
}

func (s *createStep) Detail() string {
	return s.server
}

func (s *createStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}
	domain := info.Domain()
	t := &serverTarget{
		kind:    s.kind,
		info:    info,
		domain:  domain,
		server:  s.server,
		cluster: s.cluster,
		spec:    domain.EffectiveServerSpec(s.server, s.cluster),
		logger:  log.WithServer(info.DomainUID(), s.server),
	}
	if t.spec == nil {
		// The server was removed from the domain while its pod was replaced
		return s.DoNext(packet)
	}

	desired, err := t.desired(packet)
	if err != nil {
		return work.DoTerminate(err, packet)
	}

	return work.DoNext(client.RequestStep("create pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Create(ctx, info.Namespace(), desired)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}

			info.SetServerPod(s.server, resp.Pod)
			metrics.PodOperationsTotal.WithLabelValues(string(s.kind), "create").Inc()
			if s.eventType == events.EventPodReplaced {
				t.logger.Info().Str("pod", desired.Name).Msg("Replaced pod")
				events.Emit(p, s.eventType, fmt.Sprintf("Pod %s replaced", desired.Name), t.metadata(desired.Name))
			} else {
				t.logger.Info().Str("pod", desired.Name).Msg("Created pod")
				events.Emit(p, s.eventType, fmt.Sprintf("Pod %s created", desired.Name), t.metadata(desired.Name))
			}
			return work.DoNext(next, p)
		}, s.Next()), packet)
}

// patchMetadataStep merges the desired labels and annotations into the pod
func patchMetadataStep(verify work.Step, t *serverTarget, current, desired *corev1.Pod, next work.Step) work.Step {
	name := current.Name
	body, err := metadataPatch(current, desired)
	if err != nil {
		return work.Func("patch pod", func(_ *work.StepFunc, p *work.Packet) work.NextAction {
			return work.DoTerminate(fmt.Errorf("failed to build metadata patch: %w", err), p)
		}, nil)
	}

	return client.RequestStep("patch pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Patch(ctx, t.info.Namespace(), name, k8stypes.MergePatchType, body)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.IsNotFound() {
				t.info.SetServerPod(t.server, nil)
				return work.DoNext(verify, p)
			}
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}

			t.info.SetServerPod(t.server, resp.Pod)
			metrics.PodOperationsTotal.WithLabelValues(string(t.kind), "patch").Inc()
			t.logger.Info().Str("pod", name).Msg("Patched pod metadata")
			events.Emit(p, events.EventPodPatched, fmt.Sprintf("Pod %s patched", name), t.metadata(name))
			return work.DoNext(next, p)
		}, next)
}

// awaitDeletionStep refreshes a pod that is terminating and runs verify
// again once it is gone, rechecking after the backstop delay meanwhile
func awaitDeletionStep(verify work.Step, t *serverTarget, name string) work.Step {
	var get work.Step
	get = client.RequestStep("get pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Get(ctx, t.info.Namespace(), name)
		},
		func(p *work.Packet, resp client.Response, _ work.Step) work.NextAction {
			if resp.IsNotFound() {
				t.info.SetServerPod(t.server, nil)
				return work.DoNext(verify, p)
			}
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}

			t.info.SetServerPod(t.server, resp.Pod)
			if presence.IsDeleting(resp.Pod) {
				return work.DoRetry(get, p, config.TuningFrom(p).WatchBackstopRecheckDelay)
			}
			return work.DoNext(verify, p)
		}, nil)
	return get
}

// AdminPodReadyStep waits until the admin server pod reports ready, checking
// again after the backstop delay while it does not
func AdminPodReadyStep(next work.Step) work.Step {
	return &adminReadyStep{Base: work.NewBase(next)}
}

type adminReadyStep struct {
	work.Base
}

func (s *adminReadyStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}
	admin := info.Domain().AdminServer.Name
	if presence.IsReady(info.ServerPod(admin)) {
		return s.DoNext(packet)
	}

	name := Name(info.DomainUID(), admin)
	return work.DoNext(client.RequestStep("get admin pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Get(ctx, info.Namespace(), name)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.Err != nil {
				return work.DoTerminate(client.Failure(resp), p)
			}
			if resp.IsNotFound() {
				info.SetServerPod(admin, nil)
			} else {
				info.SetServerPod(admin, resp.Pod)
				info.SetLastKnownStatus(admin, presence.StatusOf(resp.Pod))
			}
			if !presence.IsReady(resp.Pod) {
				log.WithServer(info.DomainUID(), admin).Debug().Msg("Waiting for admin pod to become ready")
				return work.DoRetry(s, p, config.TuningFrom(p).WatchBackstopRecheckDelay)
			}
			return work.DoNext(next, p)
		}, s.Next()), packet)
}
