package geo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridedispatch/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var lagos = domain.Coordinates{Lon: 3.38, Lat: 6.52}

func newTestRegistry(ttl time.Duration) (*Registry, *MemoryBackend, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend().WithClock(clock.Now)
	return NewRegistry(backend, ttl).WithClock(clock.Now), backend, clock
}

func presence(id string, c domain.Coordinates, online, available bool) domain.DriverPresence {
	return domain.DriverPresence{DriverID: id, Coordinates: c, IsOnline: online, IsAvailable: available}
}

func TestDistanceKm(t *testing.T) {
	t.Parallel()

	if d := DistanceKm(lagos, lagos); d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
	// One hundredth of a degree of latitude is about 1.11 km.
	d := DistanceKm(lagos, domain.Coordinates{Lon: 3.38, Lat: 6.53})
	if d < 1.0 || d > 1.2 {
		t.Errorf("expected ~1.11km, got %f", d)
	}
}

func TestFindNearby_FiltersRadiusAndAvailabilityIndependently(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(5 * time.Minute)
	ctx := context.Background()

	near := domain.Coordinates{Lon: 3.381, Lat: 6.521}
	far := domain.Coordinates{Lon: 3.50, Lat: 6.70}

	for _, p := range []domain.DriverPresence{
		presence("available-near", near, true, true),
		presence("busy-near", near, true, false),
		presence("available-far", far, true, true),
	} {
		if err := reg.UpsertPresence(ctx, p); err != nil {
			t.Fatalf("upsert %s: %v", p.DriverID, err)
		}
	}

	got, err := reg.FindNearby(ctx, lagos, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "available-near" {
		t.Fatalf("expected only available-near, got %+v", got)
	}
}

func TestFindNearby_NeverReturnsStaleEntries(t *testing.T) {
	t.Parallel()

	// Backend retains the entry longer than the registry considers it fresh,
	// which is what happens when a key TTL is refreshed by an availability flip.
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend().WithClock(clock.Now)
	reg := NewRegistry(backend, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	p := presence("d1", lagos, true, true)
	p.UpdatedAt = clock.Now()
	if err := backend.Upsert(ctx, p, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, err := reg.FindNearby(ctx, lagos, 5, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected driver while fresh, got %+v err=%v", got, err)
	}

	clock.Advance(time.Minute)

	got, err = reg.FindNearby(ctx, lagos, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected stale driver to be excluded, got %+v", got)
	}
	if p, _ := reg.GetPresence(ctx, "d1"); p != nil {
		t.Error("expected stale presence to read as absent")
	}
}

func TestUpsertPresence_OfflineRemovesImmediately(t *testing.T) {
	t.Parallel()

	reg, backend, _ := newTestRegistry(5 * time.Minute)
	ctx := context.Background()

	if err := reg.UpsertPresence(ctx, presence("d1", lagos, true, true)); err != nil {
		t.Fatal(err)
	}
	if backend.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", backend.Len())
	}

	if err := reg.UpsertPresence(ctx, presence("d1", lagos, false, false)); err != nil {
		t.Fatal(err)
	}
	if backend.Len() != 0 {
		t.Fatalf("expected offline driver to be removed, got %d entries", backend.Len())
	}
}

func TestFindNearby_FailsFastWhenBackendDown(t *testing.T) {
	t.Parallel()

	reg, backend, _ := newTestRegistry(5 * time.Minute)
	backend.FailWith = errors.New("connection refused")

	got, err := reg.FindNearby(context.Background(), lagos, 5, 10)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil result, got %+v", got)
	}
}

func TestFindNearby_OrdersByDistanceAndLimits(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(5 * time.Minute)
	ctx := context.Background()

	_ = reg.UpsertPresence(ctx, presence("third", domain.Coordinates{Lon: 3.38, Lat: 6.55}, true, true))
	_ = reg.UpsertPresence(ctx, presence("first", domain.Coordinates{Lon: 3.38, Lat: 6.521}, true, true))
	_ = reg.UpsertPresence(ctx, presence("second", domain.Coordinates{Lon: 3.38, Lat: 6.53}, true, true))

	got, err := reg.FindNearby(ctx, lagos, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "first" || got[1].DriverID != "second" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestSetAvailability_KeepsHeartbeatAge(t *testing.T) {
	t.Parallel()

	reg, _, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	_ = reg.UpsertPresence(ctx, presence("d1", lagos, true, true))
	clock.Advance(30 * time.Second)

	if err := reg.SetAvailability(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	if got, _ := reg.FindNearby(ctx, lagos, 5, 10); len(got) != 0 {
		t.Fatalf("expected unavailable driver to be excluded, got %+v", got)
	}

	if err := reg.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Second)
	if got, _ := reg.FindNearby(ctx, lagos, 5, 10); len(got) != 0 {
		t.Fatalf("availability flip must not refresh freshness, got %+v", got)
	}
}
