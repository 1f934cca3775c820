// Package events carries state-change notifications from the engine's
// components to whoever is watching (monitoring, UI, metrics).
//
// Publishers never block: each subscriber owns a buffered mailbox and an
// event that does not fit is dropped and counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a class of event.
type Kind string

const (
	DeviceJoined    Kind = "device.joined"
	DeviceUpdated   Kind = "device.updated"
	DeviceDegraded  Kind = "device.degraded"
	DeviceOffline   Kind = "device.offline"
	DevicePurged    Kind = "device.purged"
	DeviceRecovered Kind = "device.recovered"

	TaskState Kind = "task.state"

	ConflictDetected Kind = "conflict.detected"

	FailoverTriggered  Kind = "failover.triggered"
	LeaderAcquired     Kind = "leader.acquired"
	LeaderLeaseExpired Kind = "leader.lease_expired"

	BreakerState Kind = "breaker.state"
)

// Event is a single notification. Subject identifies the device, task, key or
// group the event is about; Payload carries a kind-specific value.
type Event struct {
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

type subscriber struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func (s *subscriber) tryEnqueue(ev Event) bool {
	select {
	case <-s.closed:
		return false
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Bus fans events out to subscribers.
type Bus struct {
	subs    map[int]*subscriber
	mu      sync.RWMutex
	nextID  int
	dropped atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers ev to every subscriber without blocking.
// A zero Time is filled with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.tryEnqueue(ev) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. The channel is never closed;
// after cancel no further events are delivered.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer), closed: make(chan struct{})}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Multi publishes to several publishers in order, skipping nil entries.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
