package tests

import (
	"context"
	"errors"
	"testing"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/service"
)

func cancelAs(h *harness, tripID, actorID string, actor domain.CancelActor) (*domain.Trip, error) {
	return h.tripService.CancelTrip(context.Background(), service.CancelTripRequest{
		TripID:  tripID,
		ActorID: actorID,
		Actor:   actor,
		Reason:  "changed my mind",
	})
}

func TestCancel_SearchingTripByCustomer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.requestRide(t)

	got, err := cancelAs(h, trip.ID, "cust-1", domain.CancelActorCustomer)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.TripStatusCancelled || got.CancelledBy != domain.CancelActorCustomer {
		t.Errorf("trip = %s by %s", got.Status, got.CancelledBy)
	}

	cancelled := h.bus.Named(domain.EventTripCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("trip_cancelled events = %d, want 1", len(cancelled))
	}
	if cancelled[0].Room != "" {
		t.Errorf("searching trip has no room, got %q", cancelled[0].Room)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.requestRide(t)

	for i := 0; i < 3; i++ {
		if _, err := cancelAs(h, trip.ID, "cust-1", domain.CancelActorCustomer); err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
	}
	if n := len(h.bus.Named(domain.EventTripCancelled)); n != 1 {
		t.Errorf("trip_cancelled events = %d, want 1", n)
	}
	if n := len(h.jobs.Jobs(service.JobTypeTripFanout)); n != 1 {
		t.Errorf("pushes = %d, want 1", n)
	}
}

func TestCancel_OfferedTripWithdrawsOffers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.offeredTrip(t, "driver-a", "driver-b")

	if _, err := cancelAs(h, trip.ID, "cust-1", domain.CancelActorCustomer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if holders := h.offers.Holders(trip.ID); len(holders) != 0 {
		t.Errorf("offers left: %v", holders)
	}
	gone := h.bus.Named(domain.EventTripNoLongerAvailable)
	if len(gone) != 1 || len(gone[0].Recipients) != 2 {
		t.Errorf("trip_no_longer_available = %+v", gone)
	}
}

func TestCancel_AssignedTripByDriver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.assignedTrip(t, "driver-a")

	if _, err := cancelAs(h, trip.ID, "driver-a", domain.CancelActorDriver); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	e := h.bus.Named(domain.EventTripCancelled)[0]
	if e.Room != domain.TripRoom(trip.ID) || !e.CloseRoom {
		t.Errorf("cancel does not close the trip room: %+v", e)
	}
	if !contains(e.Recipients, "cust-1") || !contains(e.Recipients, "driver-a") {
		t.Errorf("recipients = %v", e.Recipients)
	}

	p, _ := h.registry.GetPresence(context.Background(), "driver-a")
	if p == nil || !p.IsAvailable {
		t.Errorf("driver not released: %+v", p)
	}
}

func TestCancel_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		actorID string
		actor   domain.CancelActor
		finish  bool
		wantErr error
	}{
		{"stranger posing as customer", "cust-2", domain.CancelActorCustomer, false, service.ErrNotTripParticipant},
		{"unassigned driver", "driver-b", domain.CancelActorDriver, false, service.ErrNotTripParticipant},
		{"unknown actor", "cust-1", "admin", false, service.ErrInvalidCancelActor},
		{"completed trip", "cust-1", domain.CancelActorCustomer, true, domain.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			trip := h.assignedTrip(t, "driver-a")
			if tt.finish {
				for _, e := range []domain.LifecycleEvent{domain.LifecycleArrived, domain.LifecycleStarted, domain.LifecycleCompleted} {
					if _, err := report(h, trip.ID, "driver-a", e); err != nil {
						t.Fatalf("%s: %v", e, err)
					}
				}
			}

			_, err := cancelAs(h, trip.ID, tt.actorID, tt.actor)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if n := len(h.bus.Named(domain.EventTripCancelled)); n != 0 {
				t.Errorf("trip_cancelled events = %d, want 0", n)
			}
		})
	}
}
