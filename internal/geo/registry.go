// Package geo keeps the current position and availability of every driver
// and answers proximity queries over it.
package geo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ridedispatch/internal/domain"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers use it to tell "registry down" apart from "no drivers nearby".
var ErrUnavailable = errors.New("presence registry unavailable")

// Candidate is a driver returned by a proximity query.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Backend is the storage behind the registry. Backends index positions and
// hold snapshots for at least ttl; freshness and availability are judged by
// the registry itself.
type Backend interface {
	Upsert(ctx context.Context, p domain.DriverPresence, ttl time.Duration) error
	Remove(ctx context.Context, driverID string) error
	// Radius returns indexed drivers within radiusKm of origin, nearest first.
	// A non-positive limit means no limit.
	Radius(ctx context.Context, origin domain.Coordinates, radiusKm float64, limit int) ([]Candidate, error)
	// Get returns nil when no snapshot is stored.
	Get(ctx context.Context, driverID string) (*domain.DriverPresence, error)
	GetMany(ctx context.Context, driverIDs []string) (map[string]*domain.DriverPresence, error)
	Ping(ctx context.Context) error
}

// Registry is the geospatial driver registry.
type Registry struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates a registry whose entries go stale after ttl.
func NewRegistry(backend Backend, ttl time.Duration) *Registry {
	return &Registry{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the registry clock. Used by tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// TTL returns the freshness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// UpsertPresence stores a heartbeat. An offline heartbeat removes the driver
// from the index immediately.
func (r *Registry) UpsertPresence(ctx context.Context, p domain.DriverPresence) error {
	if !p.IsOnline {
		return r.RemovePresence(ctx, p.DriverID)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.now()
	}
	if err := r.backend.Upsert(ctx, p, r.ttl); err != nil {
		return unavailable("upsert presence", err)
	}
	return nil
}

// RemovePresence drops a driver from the index.
func (r *Registry) RemovePresence(ctx context.Context, driverID string) error {
	if err := r.backend.Remove(ctx, driverID); err != nil {
		return unavailable("remove presence", err)
	}
	return nil
}

// SetAvailability flips the availability flag of a present driver without
// refreshing its heartbeat. Absent drivers are left alone.
func (r *Registry) SetAvailability(ctx context.Context, driverID string, available bool) error {
	p, err := r.GetPresence(ctx, driverID)
	if err != nil {
		return err
	}
	if p == nil || p.IsAvailable == available {
		return nil
	}
	p.IsAvailable = available
	if err := r.backend.Upsert(ctx, *p, r.ttl); err != nil {
		return unavailable("set availability", err)
	}
	return nil
}

// FindNearby returns drivers that are within radiusKm of origin, online,
// available and fresh, nearest first. Each condition is checked on its own.
func (r *Registry) FindNearby(ctx context.Context, origin domain.Coordinates, radiusKm float64, limit int) ([]Candidate, error) {
	indexed, err := r.backend.Radius(ctx, origin, radiusKm, 0)
	if err != nil {
		return nil, unavailable("find nearby", err)
	}
	if len(indexed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(indexed))
	for _, c := range indexed {
		ids = append(ids, c.DriverID)
	}
	snapshots, err := r.backend.GetMany(ctx, ids)
	if err != nil {
		return nil, unavailable("find nearby", err)
	}

	now := r.now()
	result := make([]Candidate, 0, len(indexed))
	var expired []string
	for _, id := range ids {
		p, ok := snapshots[id]
		if !ok || p == nil {
			expired = append(expired, id)
			continue
		}
		if !p.IsFresh(now, r.ttl) {
			continue
		}
		if !p.IsOnline || !p.IsAvailable {
			continue
		}
		distance := DistanceKm(origin, p.Coordinates)
		if distance > radiusKm {
			continue
		}
		result = append(result, Candidate{DriverID: id, DistanceKm: distance})
	}

	// Index members whose snapshot has expired are removed lazily.
	for _, id := range expired {
		_ = r.backend.Remove(ctx, id)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DistanceKm < result[j].DistanceKm
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetPresence returns the driver's snapshot, or nil when absent or stale.
func (r *Registry) GetPresence(ctx context.Context, driverID string) (*domain.DriverPresence, error) {
	p, err := r.backend.Get(ctx, driverID)
	if err != nil {
		return nil, unavailable("get presence", err)
	}
	if p == nil || !p.IsFresh(r.now(), r.ttl) {
		return nil, nil
	}
	return p, nil
}

// GetMany returns the fresh snapshots among driverIDs.
func (r *Registry) GetMany(ctx context.Context, driverIDs []string) (map[string]*domain.DriverPresence, error) {
	if len(driverIDs) == 0 {
		return map[string]*domain.DriverPresence{}, nil
	}
	snapshots, err := r.backend.GetMany(ctx, driverIDs)
	if err != nil {
		return nil, unavailable("get many", err)
	}
	now := r.now()
	result := make(map[string]*domain.DriverPresence, len(snapshots))
	for id, p := range snapshots {
		if p != nil && p.IsFresh(now, r.ttl) {
			result[id] = p
		}
	}
	return result, nil
}

// Ping reports whether the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.backend.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
