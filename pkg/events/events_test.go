package events

import (
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventPodCreated, Message: "created", Metadata: map[string]string{MetaServer: "admin-server"}})

	for _, sub := range []Subscriber{sub1, sub2} {
		e := receive(t, sub)
		assert.Equal(t, EventPodCreated, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "admin-server", e.Metadata[MetaServer])
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventPodExists})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a broker that is not running")
	}

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventPodExists})
}

func TestEmit(t *testing.T) {
	p := work.NewPacket()
	Emit(p, EventPodPatched, "no broker", nil)

	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	p.Put(keys.Events, b)
	Emit(p, EventPodPatched, "patched", map[string]string{MetaDomainUID: "sample"})

	e := receive(t, sub)
	require.NotNil(t, e)
	assert.Equal(t, EventPodPatched, e.Type)
	assert.Equal(t, "patched", e.Message)
	assert.Equal(t, "sample", e.Metadata[MetaDomainUID])
}
