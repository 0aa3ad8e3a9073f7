package pod

import (
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/work"
)

// cycleSteps deletes the pod of server, waits until it is gone and creates it
// again from the current model. The managed variant is the deferred roll of
// one server: it is guarded so its registry entry never outlives the fiber
// running it, and it ends with CycleEndStep.
func cycleSteps(kind Kind, server, cluster string, next work.Step) work.Step {
	if kind == KindAdmin {
		return DeletePodStep(server, true,
			createPodStep(kind, server, cluster, events.EventPodReplaced, next))
	}
	return &rollGuardStep{
		Base:   work.NewBase(DeletePodStep(server, true, createPodStep(kind, server, cluster, events.EventPodReplaced, CycleEndStep(server, next)))),
		server: server,
	}
}

// rollGuardStep registers an exit hook on the running fiber that removes the
// server's roll entry however the fiber finishes
type rollGuardStep struct {
	work.Base
	server string
}

func (s *rollGuardStep) Detail() string {
	return s.server
}

func (s *rollGuardStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok {
		return s.DoNext(packet)
	}
	if f := packet.Fiber(); f != nil {
		server := s.server
		f.OnExit(func(err error) {
			if info.Rolls().RemoveIf(server, packet) && err != nil {
				log.WithServer(info.DomainUID(), server).Warn().Err(err).Msg("Roll abandoned")
			}
		})
	}
	return s.DoNext(packet)
}

// CycleEndStep removes the roll entry of server once its pod was replaced
func CycleEndStep(server string, next work.Step) work.Step {
	return &cycleEndStep{Base: work.NewBase(next), server: server}
}

type cycleEndStep struct {
	work.Base
	server string
}

func (s *cycleEndStep) Detail() string {
	return s.server
}

func (s *cycleEndStep) Apply(packet *work.Packet) work.NextAction {
	if info, ok := presence.FromPacket(packet); ok {
		info.Rolls().RemoveIf(s.server, packet)
	}
	return s.DoNext(packet)
}

// PresenceUpdateStep forgets the pod of server in the domain's presence info
func PresenceUpdateStep(server string, next work.Step) work.Step {
	return work.Func("presence update", func(s *work.StepFunc, packet *work.Packet) work.NextAction {
		if info, ok := presence.FromPacket(packet); ok {
			info.SetServerPod(server, nil)
		}
		return s.DoNext(packet)
	}, next)
}
