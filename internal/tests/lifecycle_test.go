package tests

import (
	"context"
	"errors"
	"testing"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/service"
)

func report(h *harness, tripID, driverID string, event domain.LifecycleEvent) (*domain.Trip, error) {
	return h.tripService.ReportDriverLifecycleEvent(context.Background(), service.LifecycleEventRequest{
		TripID:   tripID,
		DriverID: driverID,
		Event:    event,
	})
}

func TestLifecycle_FullRide(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.assignedTrip(t, "driver-a")

	steps := []struct {
		event  domain.LifecycleEvent
		status domain.TripStatus
		name   string
	}{
		{domain.LifecycleArrivingSoon, domain.TripStatusDriverAssigned, domain.EventDriverArrivingSoon},
		{domain.LifecycleArrived, domain.TripStatusDriverArrived, domain.EventArrivedAtPickup},
		{domain.LifecycleStarted, domain.TripStatusInProgress, domain.EventTripStarted},
		{domain.LifecycleCompleted, domain.TripStatusCompleted, domain.EventTripCompleted},
	}
	for _, step := range steps {
		got, err := report(h, trip.ID, "driver-a", step.event)
		if err != nil {
			t.Fatalf("%s: %v", step.event, err)
		}
		if got.Status != step.status {
			t.Errorf("%s: status = %s, want %s", step.event, got.Status, step.status)
		}
		if n := len(h.bus.Named(step.name)); n != 1 {
			t.Errorf("%s: %s events = %d, want 1", step.event, step.name, n)
		}
	}

	final := h.trips.GetTrip(trip.ID)
	if final.ArrivedAt.IsZero() || final.StartedAt.IsZero() || final.CompletedAt.IsZero() {
		t.Errorf("timestamps not recorded: %+v", final)
	}

	completed := h.bus.Named(domain.EventTripCompleted)[0]
	if !completed.CloseRoom || completed.Room != domain.TripRoom(trip.ID) {
		t.Errorf("completion does not close the trip room: %+v", completed)
	}

	p, _ := h.registry.GetPresence(context.Background(), "driver-a")
	if p == nil || !p.IsAvailable {
		t.Errorf("driver not released after completion: %+v", p)
	}
}

func TestLifecycle_OutOfOrderEventsAreRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare []domain.LifecycleEvent
		event   domain.LifecycleEvent
	}{
		{"start before arrival", nil, domain.LifecycleStarted},
		{"complete before start", []domain.LifecycleEvent{domain.LifecycleArrived}, domain.LifecycleCompleted},
		{"arrive twice", []domain.LifecycleEvent{domain.LifecycleArrived}, domain.LifecycleArrived},
		{"arriving soon after arrival", []domain.LifecycleEvent{domain.LifecycleArrived}, domain.LifecycleArrivingSoon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			trip := h.assignedTrip(t, "driver-a")
			for _, e := range tt.prepare {
				if _, err := report(h, trip.ID, "driver-a", e); err != nil {
					t.Fatalf("prepare %s: %v", e, err)
				}
			}
			before := h.trips.GetTrip(trip.ID).Status

			_, err := report(h, trip.ID, "driver-a", tt.event)
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("got %v, want ErrInvalidTransition", err)
			}
			if got := h.trips.GetTrip(trip.ID).Status; got != before {
				t.Errorf("status changed from %s to %s", before, got)
			}
		})
	}
}

func TestLifecycle_OnlyAssignedDriverMayReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.assignedTrip(t, "driver-a")

	_, err := report(h, trip.ID, "driver-b", domain.LifecycleArrived)
	if !errors.Is(err, service.ErrDriverNotAssigned) {
		t.Errorf("got %v, want ErrDriverNotAssigned", err)
	}
}

func TestLifecycle_InvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.assignedTrip(t, "driver-a")

	tests := []struct {
		name    string
		tripID  string
		driver  string
		event   domain.LifecycleEvent
		wantErr error
	}{
		{"unknown event", trip.ID, "driver-a", "teleported", service.ErrInvalidLifecycleEvent},
		{"missing trip", "", "driver-a", domain.LifecycleArrived, service.ErrInvalidTripID},
		{"missing driver", trip.ID, "", domain.LifecycleArrived, service.ErrInvalidDriverID},
		{"unknown trip", "trip-missing", "driver-a", domain.LifecycleArrived, service.ErrTripNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := report(h, tt.tripID, tt.driver, tt.event)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifecycle_PushesCustomer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	trip := h.assignedTrip(t, "driver-a")

	if _, err := report(h, trip.ID, "driver-a", domain.LifecycleArrived); err != nil {
		t.Fatalf("arrived: %v", err)
	}

	var templates []string
	for _, j := range h.jobs.Jobs(service.JobTypeTripFanout) {
		job := j.(service.TripFanoutJob)
		if job.UserID == "cust-1" {
			templates = append(templates, job.Template)
		}
	}
	if !contains(templates, service.TemplateDriverAssigned) || !contains(templates, service.TemplateDriverArrived) {
		t.Errorf("customer pushes = %v", templates)
	}
}
