package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/domain"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/service"
)

const (
	searchWindow = 5 * time.Minute
	offerTTL     = 60 * time.Second
	offerGrace   = 15 * time.Second
	presenceTTL  = 5 * time.Minute
)

// Lagos mainland, used as the pickup point throughout.
var pickup = domain.Coordinates{Lat: 6.52, Lon: 3.38}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock     *testClock
	trips     *MockTripRepository
	offers    *MockOfferStore
	backend   *geo.MemoryBackend
	registry  *geo.Registry
	locations *MockDriverLocationRepository
	bus       *RecordingPublisher
	jobs      *MockEnqueuer
	customers *MockCustomerRepository

	tripService   *service.TripService
	driverService *service.DriverService
	sweep         *dispatch.SweepRunner
	expiry        *dispatch.ExpiryRunner
}

func newHarness(t *testing.T, tune func(*dispatch.SweepConfig)) *harness {
	t.Helper()

	h := &harness{
		clock:     newTestClock(),
		trips:     NewMockTripRepository(),
		offers:    NewMockOfferStore(),
		locations: NewMockDriverLocationRepository(),
		bus:       &RecordingPublisher{},
		jobs:      &MockEnqueuer{},
		customers: NewMockCustomerRepository(&domain.CustomerSummary{ID: "cust-1", Name: "Ada"}),
	}
	log := logger.NewNop()

	h.backend = geo.NewMemoryBackend().WithClock(h.clock.Now)
	h.registry = geo.NewRegistry(h.backend, presenceTTL).WithClock(h.clock.Now)

	h.tripService = service.NewTripService(h.trips, h.offers, h.registry, h.bus, h.jobs, log, service.TripServiceConfig{
		SearchTimeout: searchWindow,
	}).WithClock(h.clock.Now)
	h.driverService = service.NewDriverService(h.registry, h.locations, h.trips, h.offers, h.jobs, h.bus, log).WithClock(h.clock.Now)

	customerService := service.NewCustomerService(NewMockCustomerCache(), h.customers, log)

	cfg := dispatch.SweepConfig{
		BatchSize:         50,
		InitialRadiusKm:   5,
		EscalatedRadiusKm: 10,
		MaxCandidates:     10,
		OfferTTL:          offerTTL,
		SearchTimeout:     searchWindow,
		PerTripTimeout:    time.Second,
		Concurrency:       4,
	}
	if tune != nil {
		tune(&cfg)
	}
	h.sweep = dispatch.NewSweepRunner(h.trips, h.registry, h.offers, customerService, h.tripService, h.bus, log, cfg).
		WithClock(h.clock.Now).
		WithPushes(h.jobs)
	h.expiry = dispatch.NewExpiryRunner(h.trips, h.offers, h.tripService, h.bus, log, dispatch.ExpiryConfig{
		OfferTTL:   offerTTL,
		OfferGrace: offerGrace,
		BatchSize:  50,
	}).WithClock(h.clock.Now)

	return h
}

// driverAt puts an online driver into the registry.
func (h *harness) driverAt(t *testing.T, id string, lat, lon float64, available bool) {
	t.Helper()
	err := h.registry.UpsertPresence(context.Background(), domain.DriverPresence{
		DriverID:    id,
		Coordinates: domain.Coordinates{Lat: lat, Lon: lon},
		IsOnline:    true,
		IsAvailable: available,
		UpdatedAt:   h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("upsert presence %s: %v", id, err)
	}
}

// requestRide creates a searching trip for cust-1 at the pickup point.
func (h *harness) requestRide(t *testing.T) *domain.Trip {
	t.Helper()
	trip, err := h.tripService.RequestRide(context.Background(), service.RequestRideRequest{
		CustomerID:  "cust-1",
		Pickup:      domain.Location{Address: "Yaba", Coordinates: pickup},
		Destination: domain.Location{Address: "Ikeja", Coordinates: domain.Coordinates{Lat: 6.60, Lon: 3.35}},
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return trip
}

func (h *harness) runSweep(t *testing.T) {
	t.Helper()
	if err := h.sweep.Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func (h *harness) runExpiry(t *testing.T) {
	t.Helper()
	if err := h.expiry.Run(context.Background()); err != nil {
		t.Fatalf("expiry: %v", err)
	}
}

// offeredTrip returns a trip in drivers_found offered to the given drivers.
func (h *harness) offeredTrip(t *testing.T, driverIDs ...string) *domain.Trip {
	t.Helper()
	for i, id := range driverIDs {
		h.driverAt(t, id, pickup.Lat+0.001*float64(i+1), pickup.Lon, true)
	}
	trip := h.requestRide(t)
	h.runSweep(t)
	got := h.trips.GetTrip(trip.ID)
	if got.Status != domain.TripStatusDriversFound {
		t.Fatalf("trip status = %s, want drivers_found", got.Status)
	}
	return got
}

// assignedTrip returns a trip accepted by driverID.
func (h *harness) assignedTrip(t *testing.T, driverID string) *domain.Trip {
	t.Helper()
	trip := h.offeredTrip(t, driverID)
	got, err := h.tripService.AcceptOffer(context.Background(), service.OfferRequest{TripID: trip.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return got
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
