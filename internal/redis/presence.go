package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/geo"
)

const (
	driverGeoKey      = "drivers:geo"
	presenceKeyPrefix = "drivers:presence:"
)

// PresenceStore is the Redis backend of the driver registry: a GEO set for
// proximity plus one expiring JSON snapshot per driver.
type PresenceStore struct {
	client *redis.Client
}

// NewPresenceStore creates a new PresenceStore.
func NewPresenceStore(client *redis.Client) *PresenceStore {
	return &PresenceStore{client: client}
}

// Upsert writes the driver's position to the geo index and its snapshot with ttl.
func (s *PresenceStore) Upsert(ctx context.Context, p domain.DriverPresence, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      p.DriverID,
			Longitude: p.Coordinates.Lon,
			Latitude:  p.Coordinates.Lat,
		})
		pipe.Set(ctx, presenceKeyPrefix+p.DriverID, data, ttl)
		return nil
	})
	return err
}

// Remove drops the driver from the geo index and deletes its snapshot.
func (s *PresenceStore) Remove(ctx context.Context, driverID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, driverGeoKey, driverID)
		pipe.Del(ctx, presenceKeyPrefix+driverID)
		return nil
	})
	return err
}

// Radius returns indexed drivers within radiusKm of origin, nearest first.
func (s *PresenceStore) Radius(ctx context.Context, origin domain.Coordinates, radiusKm float64, limit int) ([]geo.Candidate, error) {
	query := &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}

	results, err := s.client.GeoRadius(ctx, driverGeoKey, origin.Lon, origin.Lat, query).Result()
	if err != nil {
		return nil, err
	}

	candidates := make([]geo.Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, geo.Candidate{
			DriverID:   r.Name,
			DistanceKm: r.Dist,
		})
	}
	return candidates, nil
}

// Get returns the driver's snapshot, or nil when it has expired or never existed.
func (s *PresenceStore) Get(ctx context.Context, driverID string) (*domain.DriverPresence, error) {
	data, err := s.client.Get(ctx, presenceKeyPrefix+driverID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var p domain.DriverPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetMany fetches snapshots with a single MGET. Missing drivers are omitted.
func (s *PresenceStore) GetMany(ctx context.Context, driverIDs []string) (map[string]*domain.DriverPresence, error) {
	result := make(map[string]*domain.DriverPresence, len(driverIDs))
	if len(driverIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(driverIDs))
	for i, id := range driverIDs {
		keys[i] = presenceKeyPrefix + id
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.DriverPresence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		result[driverIDs[i]] = &p
	}
	return result, nil
}

// Ping checks connectivity.
func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
