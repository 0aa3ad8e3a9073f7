package events

import (
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/work"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventPodCreated           EventType = "pod.created"
	EventPodExists            EventType = "pod.exists"
	EventPodPatched           EventType = "pod.patched"
	EventPodReplaced          EventType = "pod.replaced"
	EventPodDeleted           EventType = "pod.deleted"
	EventPodRollPending       EventType = "pod.roll_pending"
	EventDomainRolled         EventType = "domain.rolled"
	EventDomainIntrospected   EventType = "domain.introspected"
	EventDomainReconciled     EventType = "domain.reconciled"
	EventDomainReconcileError EventType = "domain.reconcile_failed"
	EventDomainDeleted        EventType = "domain.deleted"
)

// Metadata keys
const (
	MetaDomainUID = "domain_uid"
	MetaServer    = "server"
	MetaCluster   = "cluster"
	MetaPod       = "pod"
)

// Event represents a reconciliation event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution. It never blocks: steps publish
// from pool workers, so an event is dropped when the queue is full.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		log.Logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Emit publishes an event to the broker stored in packet under keys.Events.
// It does nothing when the packet carries no broker.
func Emit(packet *work.Packet, eventType EventType, message string, metadata map[string]string) {
	b, ok := work.Value[*Broker](packet, keys.Events)
	if !ok || b == nil {
		return
	}
	b.Publish(&Event{Type: eventType, Message: message, Metadata: metadata})
}
