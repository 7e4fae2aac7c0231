package transport

import (
	"context"
	"sync"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/logger"
)

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(topic string, buffer int) *events.Subscription
}

// Router moves bus events into the hub.
type Router struct {
	hub  *Hub
	bus  Subscriber
	log  logger.ILogger
	subs []*events.Subscription
	wg   sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(hub *Hub, bus Subscriber, log logger.ILogger) *Router {
	return &Router{hub: hub, bus: bus, log: log}
}

// Start subscribes to every client-facing topic.
func (r *Router) Start(ctx context.Context) {
	for _, topic := range []string{events.TopicTripLifecycle, events.TopicDriverLocation} {
		sub := r.bus.Subscribe(topic, 1024)
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go r.consume(ctx, sub)
	}
}

// Stop detaches from the bus and waits for the consumers.
func (r *Router) Stop() {
	for _, sub := range r.subs {
		sub.Close()
	}
	r.wg.Wait()
}

func (r *Router) consume(ctx context.Context, sub *events.Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			r.Deliver(e)
		}
	}
}

// Deliver sends e to its recipients, the members of its room and its
// audience, each user at most once.
func (r *Router) Deliver(e events.Event) int {
	if e.JoinRoom && e.Room != "" {
		r.hub.JoinRoom(e.Room, e.Recipients...)
	}

	msg := Message{Type: e.Name, TripID: e.TripID, Data: e.Payload, Timestamp: e.OccurredAt}

	targets := append([]string(nil), e.Recipients...)
	if e.Room != "" {
		targets = append(targets, r.hub.RoomMembers(e.Room)...)
	}
	switch e.Audience {
	case events.AudienceAll:
		targets = append(targets, r.hub.ConnectedUsers("")...)
	case events.AudienceDrivers:
		targets = append(targets, r.hub.ConnectedUsers(domain.RoleDriver)...)
	case events.AudienceCustomers:
		targets = append(targets, r.hub.ConnectedUsers(domain.RoleCustomer)...)
	}
	sent := r.hub.SendToUsers(targets, msg)

	if e.CloseRoom && e.Room != "" {
		r.hub.CloseRoom(e.Room)
	}

	r.log.Debug("event delivered",
		logger.String("event", e.Name),
		logger.String("trip_id", e.TripID),
		logger.Int("sessions", sent),
	)
	return sent
}
