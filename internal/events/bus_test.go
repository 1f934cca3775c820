package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: DeviceJoined, Subject: "phone-1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, DeviceJoined, ev.Kind)
			assert.Equal(t, "phone-1", ev.Subject)
			assert.False(t, ev.Time.IsZero(), "publish should stamp the time")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: TaskState, Subject: "t1"})
	bus.Publish(Event{Kind: TaskState, Subject: "t2"})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, "t1", (<-ch).Subject)
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	cancel()

	bus.Publish(Event{Kind: ConflictDetected})

	assert.Len(t, ch, 0)
	assert.Equal(t, uint64(0), bus.Dropped())
}

type recorder struct{ got []Event }

func (r *recorder) Publish(ev Event) { r.got = append(r.got, ev) }

func TestMultiSkipsNil(t *testing.T) {
	r := &recorder{}
	m := Multi{nil, r, Discard{}}

	m.Publish(Event{Kind: FailoverTriggered})

	require.Len(t, r.got, 1)
	assert.Equal(t, FailoverTriggered, r.got[0].Kind)
}
