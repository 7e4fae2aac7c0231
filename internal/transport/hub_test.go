package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/logger"
)

func connect(h *Hub, userID string, role domain.Role) *Session {
	s := newSession(h, nil, userID, role, nil, logger.NewNop())
	h.register(s)
	return s
}

func drain(s *Session) []Message {
	var out []Message
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return out
			}
			var m Message
			if err := json.Unmarshal(data, &m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

// =============================================================================
// Hub
// =============================================================================

func TestHub_SendToUser_AllSessions(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	phone := connect(h, "cust-1", domain.RoleCustomer)
	tablet := connect(h, "cust-1", domain.RoleCustomer)

	if n := h.SendToUser("cust-1", Message{Type: "trip_accepted"}); n != 2 {
		t.Fatalf("sent = %d, want 2", n)
	}
	for _, s := range []*Session{phone, tablet} {
		msgs := drain(s)
		if len(msgs) != 1 || msgs[0].Type != "trip_accepted" {
			t.Errorf("session got %+v", msgs)
		}
	}
}

func TestHub_SendToUser_NoSessionIsSkipped(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	if n := h.SendToUser("ghost", Message{Type: "trip_accepted"}); n != 0 {
		t.Errorf("sent = %d, want 0", n)
	}
}

func TestHub_BroadcastByRole(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	d1 := connect(h, "driver-1", domain.RoleDriver)
	d2 := connect(h, "driver-2", domain.RoleDriver)
	c1 := connect(h, "cust-1", domain.RoleCustomer)

	if n := h.BroadcastToDrivers(Message{Type: "notice"}); n != 2 {
		t.Errorf("drivers: sent = %d, want 2", n)
	}
	if n := h.BroadcastToCustomers(Message{Type: "notice"}); n != 1 {
		t.Errorf("customers: sent = %d, want 1", n)
	}
	if n := h.BroadcastToAll(Message{Type: "notice"}); n != 3 {
		t.Errorf("all: sent = %d, want 3", n)
	}
	if got := len(drain(d1)) + len(drain(d2)) + len(drain(c1)); got != 5 {
		t.Errorf("frames = %d, want 5", got)
	}
}

func TestHub_UnregisterClosesSession(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	s := connect(h, "driver-1", domain.RoleDriver)
	h.unregister(s)
	h.unregister(s)

	if h.IsConnected("driver-1") {
		t.Error("driver still connected")
	}
	if s.enqueue([]byte("x")) {
		t.Error("closed session accepted a frame")
	}
	if _, ok := <-s.send; ok {
		t.Error("send channel not closed")
	}
}

func TestHub_ConcurrentSendAndDisconnect(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	sessions := make([]*Session, 20)
	for i := range sessions {
		sessions[i] = connect(h, "driver-1", domain.RoleDriver)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.SendToUser("driver-1", Message{Type: "notice"})
		}()
		go func() {
			defer wg.Done()
			h.unregister(s)
		}()
	}
	wg.Wait()

	if h.SessionCount() != 0 {
		t.Errorf("sessions = %d, want 0", h.SessionCount())
	}
}

// =============================================================================
// Router
// =============================================================================

func TestRouter_DeliverDedupesRoomAndRecipients(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	r := NewRouter(h, events.NewBus(), logger.NewNop())
	cust := connect(h, "cust-1", domain.RoleCustomer)
	driver := connect(h, "driver-1", domain.RoleDriver)

	r.Deliver(events.Event{
		Name:       domain.EventTripAccepted,
		TripID:     "trip-1",
		Recipients: []string{"cust-1", "driver-1"},
		Room:       "trip-1",
		JoinRoom:   true,
	})
	r.Deliver(events.Event{
		Name:       domain.EventDriverLocationUpdate,
		TripID:     "trip-1",
		Recipients: []string{"cust-1"},
		Room:       "trip-1",
	})

	if got := len(drain(cust)); got != 2 {
		t.Errorf("customer frames = %d, want 2", got)
	}
	if got := len(drain(driver)); got != 2 {
		t.Errorf("driver frames = %d, want 2", got)
	}
}

func TestRouter_CloseRoomAfterDelivery(t *testing.T) {
	t.Parallel()

	h := NewHub(logger.NewNop())
	r := NewRouter(h, events.NewBus(), logger.NewNop())
	cust := connect(h, "cust-1", domain.RoleCustomer)
	h.JoinRoom("trip-1", "cust-1", "driver-1")

	r.Deliver(events.Event{Name: domain.EventTripCompleted, TripID: "trip-1", Room: "trip-1", CloseRoom: true})

	if got := len(drain(cust)); got != 1 {
		t.Errorf("customer frames = %d, want 1", got)
	}
	if members := h.RoomMembers("trip-1"); len(members) != 0 {
		t.Errorf("room still has %v", members)
	}
}

func TestRouter_ConsumesBus(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	h := NewHub(logger.NewNop())
	r := NewRouter(h, bus, logger.NewNop())
	driver := connect(h, "driver-1", domain.RoleDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	bus.Publish(ctx, events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       domain.EventNewTripRequest,
		Recipients: []string{"driver-1"},
	})

	select {
	case data := <-driver.send:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil || m.Type != domain.EventNewTripRequest {
			t.Errorf("got %s, %v", data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

// =============================================================================
// Session inbound
// =============================================================================

type sinkCall struct {
	driverID string
	coords   domain.Coordinates
	meta     domain.PresenceMeta
}

func TestSession_LocationUpdate(t *testing.T) {
	t.Parallel()

	var calls []sinkCall
	sink := LocationSinkFunc(func(_ context.Context, id string, c domain.Coordinates, m domain.PresenceMeta) error {
		calls = append(calls, sinkCall{id, c, m})
		return nil
	})

	h := NewHub(logger.NewNop())
	driver := newSession(h, nil, "driver-1", domain.RoleDriver, sink, logger.NewNop())
	driver.handle(context.Background(), []byte(`{"type":"location_update","data":{"lat":6.52,"lon":3.38,"is_available":false}}`))

	if len(calls) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(calls))
	}
	if calls[0].coords.Lat != 6.52 || calls[0].coords.Lon != 3.38 || calls[0].meta.IsAvailable || !calls[0].meta.IsOnline {
		t.Errorf("unexpected call %+v", calls[0])
	}

	customer := newSession(h, nil, "cust-1", domain.RoleCustomer, sink, logger.NewNop())
	customer.handle(context.Background(), []byte(`{"type":"location_update","data":{"lat":1,"lon":1}}`))
	if len(calls) != 1 {
		t.Error("customer location update reached the sink")
	}
	msgs := drain(customer)
	if len(msgs) != 1 || msgs[0].Type != msgError {
		t.Errorf("customer got %+v", msgs)
	}
}

func TestSession_Ping(t *testing.T) {
	t.Parallel()

	s := newSession(NewHub(logger.NewNop()), nil, "driver-1", domain.RoleDriver, nil, logger.NewNop())
	s.handle(context.Background(), []byte(`{"type":"ping"}`))

	msgs := drain(s)
	if len(msgs) != 1 || msgs[0].Type != msgPong {
		t.Errorf("got %+v", msgs)
	}
}
