package deploy

import (
	"fmt"

	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/work"
)

// rollServersStep replaces the managed servers pending a roll
type rollServersStep struct {
	work.Base
}

// RollServersStep runs the deferred replacements registered in the domain's
// RollRegistry, at most MaxConcurrentRolls servers at a time, and continues
// with next once every batch has completed
func RollServersStep(next work.Step) work.Step {
	return &rollServersStep{Base: work.NewBase(next)}
}

func (s *rollServersStep) Apply(packet *work.Packet) work.NextAction {
	info, ok := presence.FromPacket(packet)
	if !ok || info.Domain() == nil {
		return s.DoNext(packet)
	}

	servers := info.Rolls().Names()
	if len(servers) == 0 {
		return s.DoNext(packet)
	}

	parallelism := config.TuningFrom(packet).MaxConcurrentRolls
	if parallelism < 1 {
		parallelism = 1
	}

	log.WithDomainUID(info.DomainUID()).Info().
		Int("servers", len(servers)).
		Int("parallelism", parallelism).
		Msg("Starting rolling restart")

	return work.DoNext(&batchStep{
		Base:        work.NewBase(s.Next()),
		info:        info,
		servers:     servers,
		parallelism: parallelism,
	}, packet)
}

// batchStep forks the deferred replacements of one batch and joins on the
// step handling the following batch
type batchStep struct {
	work.Base
	info        *presence.Info
	servers     []string
	offset      int
	parallelism int
}

func (s *batchStep) Detail() string {
	return fmt.Sprintf("%d/%d", s.number(), s.batches())
}

func (s *batchStep) number() int {
	return s.offset/s.parallelism + 1
}

func (s *batchStep) batches() int {
	return (len(s.servers) + s.parallelism - 1) / s.parallelism
}

func (s *batchStep) Apply(packet *work.Packet) work.NextAction {
	logger := log.WithDomainUID(s.info.DomainUID())

	if s.offset >= len(s.servers) {
		logger.Info().Int("servers", len(s.servers)).Msg("Rolling restart complete")
		events.Emit(packet, events.EventDomainRolled,
			fmt.Sprintf("Rolled %d servers", len(s.servers)),
			map[string]string{events.MetaDomainUID: s.info.DomainUID()})
		return s.DoNext(packet)
	}

	end := s.offset + s.parallelism
	if end > len(s.servers) {
		end = len(s.servers)
	}
	batch := s.servers[s.offset:end]

	// The registry is read again so a server scaled away or re-registered
	// since the snapshot is rolled with its current entry or not at all
	var children []work.StepAndPacket
	for _, server := range batch {
		if deferred, ok := s.info.Rolls().Get(server); ok && deferred.Step != nil {
			children = append(children, deferred)
		}
	}

	logger.Info().
		Int("batch", s.number()).
		Int("batches", s.batches()).
		Strs("servers", batch).
		Msg("Rolling batch")

	following := &batchStep{
		Base:        work.NewBase(s.Next()),
		info:        s.info,
		servers:     s.servers,
		offset:      end,
		parallelism: s.parallelism,
	}
	return work.DoForkJoin(following, packet, children)
}

// RollStatus reports the rolling restart state of a domain
type RollStatus struct {
	DomainUID    string
	Pending      []string
	TotalServers int
	ReadyServers int
	States       map[string]int // state -> count
}

// Status returns the rolling restart state of the domain described by info
func Status(info *presence.Info) *RollStatus {
	status := &RollStatus{
		DomainUID: info.DomainUID(),
		Pending:   info.Rolls().Names(),
		States:    make(map[string]int),
	}

	for _, pod := range info.ServerPods() {
		status.TotalServers++
		status.States[presence.StatusOf(pod)]++
		if presence.IsReady(pod) {
			status.ReadyServers++
		}
	}
	return status
}
