// Package events carries dispatch notifications from the core to its
// delivery channels over named topics.
package events

import (
	"context"
	"sync"
	"time"

	"ridedispatch/internal/metrics"
)

// Topic names.
const (
	TopicTripLifecycle  = "trip.lifecycle"
	TopicDriverLocation = "driver.location"
)

// Audience selects a role-wide broadcast.
type Audience string

const (
	AudienceNone      Audience = ""
	AudienceAll       Audience = "all"
	AudienceDrivers   Audience = "drivers"
	AudienceCustomers Audience = "customers"
)

// Event is one notification. Recipients, Room and Audience are independent
// delivery targets; any combination may be set.
type Event struct {
	Topic      string    `json:"topic"`
	Name       string    `json:"name"`
	TripID     string    `json:"trip_id,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Room       string    `json:"room,omitempty"`
	Audience   Audience  `json:"audience,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	// JoinRoom adds Recipients to Room before delivery.
	JoinRoom bool `json:"-"`
	// CloseRoom removes every member from Room after delivery.
	CloseRoom bool `json:"-"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Subscription receives events for one topic.
type Subscription struct {
	C     <-chan Event
	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is an in-process pub/sub with non-blocking publish. A subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a subscription to topic with the given buffer size.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, topic: topic, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.topic][s]; ok {
		delete(b.subs[s.topic], s)
		close(s.ch)
	}
}

// Publish fans e out to every subscriber of e.Topic without blocking.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[e.Topic] {
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(e.Topic).Inc()
		}
	}
}

// Close detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

var _ Publisher = (*Bus)(nil)
