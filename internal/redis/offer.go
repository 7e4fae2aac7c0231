package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
)

const (
	offerDriverPrefix = "offers:driver:" // hash tripID -> offer JSON
	offerTripPrefix   = "offers:trip:"   // set of driverIDs
	offerDriversKey   = "offers:drivers" // set of driverIDs holding any offer

	// Keys outlive the offers they hold so the expiry runner still sees them.
	offerKeyRetention = 10 * time.Minute
)

// OfferStore keeps incoming offers per driver and per trip.
type OfferStore struct {
	client *redis.Client
}

// NewOfferStore creates a new OfferStore.
func NewOfferStore(client *redis.Client) *OfferStore {
	return &OfferStore{client: client}
}

// Create writes all offers in one transaction.
func (s *OfferStore) Create(ctx context.Context, offers []domain.IncomingOffer) error {
	if len(offers) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range offers {
			data, err := json.Marshal(o)
			if err != nil {
				return err
			}
			retainUntil := o.ExpiresAt.Add(offerKeyRetention)

			pipe.HSet(ctx, offerDriverPrefix+o.DriverID, o.TripID, data)
			pipe.ExpireAt(ctx, offerDriverPrefix+o.DriverID, retainUntil)
			pipe.SAdd(ctx, offerTripPrefix+o.TripID, o.DriverID)
			pipe.ExpireAt(ctx, offerTripPrefix+o.TripID, retainUntil)
			pipe.SAdd(ctx, offerDriversKey, o.DriverID)
		}
		return nil
	})
	return err
}

// Get returns the driver's offer for a trip, or nil.
func (s *OfferStore) Get(ctx context.Context, driverID, tripID string) (*domain.IncomingOffer, error) {
	data, err := s.client.HGet(ctx, offerDriverPrefix+driverID, tripID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var o domain.IncomingOffer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListByDriver returns every offer held by a driver.
func (s *OfferStore) ListByDriver(ctx context.Context, driverID string) ([]domain.IncomingOffer, error) {
	raw, err := s.client.HGetAll(ctx, offerDriverPrefix+driverID).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		s.client.SRem(ctx, offerDriversKey, driverID)
		return nil, nil
	}

	offers := make([]domain.IncomingOffer, 0, len(raw))
	for _, v := range raw {
		var o domain.IncomingOffer
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			continue
		}
		offers = append(offers, o)
	}
	return offers, nil
}

// ListDrivers returns drivers that may hold offers.
func (s *OfferStore) ListDrivers(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, offerDriversKey).Result()
}

// Delete removes one driver's offer for a trip.
func (s *OfferStore) Delete(ctx context.Context, driverID, tripID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, offerDriverPrefix+driverID, tripID)
		pipe.SRem(ctx, offerTripPrefix+tripID, driverID)
		return nil
	})
	return err
}

// DeleteForTrip removes every offer for a trip and returns the drivers that held one.
func (s *OfferStore) DeleteForTrip(ctx context.Context, tripID string) ([]string, error) {
	driverIDs, err := s.client.SMembers(ctx, offerTripPrefix+tripID).Result()
	if err != nil {
		return nil, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, driverID := range driverIDs {
			pipe.HDel(ctx, offerDriverPrefix+driverID, tripID)
		}
		pipe.Del(ctx, offerTripPrefix+tripID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return driverIDs, nil
}

// CountForTrip returns how many drivers still hold an offer for a trip.
func (s *OfferStore) CountForTrip(ctx context.Context, tripID string) (int64, error) {
	return s.client.SCard(ctx, offerTripPrefix+tripID).Result()
}
