package dispatch

import (
	"context"
	"fmt"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// ExpiryConfig tunes the offer expiry runner.
type ExpiryConfig struct {
	OfferTTL   time.Duration
	OfferGrace time.Duration
	BatchSize  int
}

// SearchReverter sends trips without live offers back to searching.
type SearchReverter interface {
	RevertToSearching(ctx context.Context, tripID string) (bool, error)
}

// ExpiryRunner drops lapsed offers and reverts trips that ran out of them.
type ExpiryRunner struct {
	tripRepo repository.TripRepository
	offers   redis.OfferStoreInterface
	reverter SearchReverter
	bus      events.Publisher
	log      logger.ILogger
	cfg      ExpiryConfig
	now      func() time.Time
}

// NewExpiryRunner creates a new ExpiryRunner.
func NewExpiryRunner(
	tripRepo repository.TripRepository,
	offers redis.OfferStoreInterface,
	reverter SearchReverter,
	bus events.Publisher,
	log logger.ILogger,
	cfg ExpiryConfig,
) *ExpiryRunner {
	return &ExpiryRunner{
		tripRepo: tripRepo,
		offers:   offers,
		reverter: reverter,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (r *ExpiryRunner) WithClock(now func() time.Time) *ExpiryRunner {
	r.now = now
	return r
}

func (r *ExpiryRunner) Name() string { return "offer_expiry" }

// Run performs one expiry pass. Running it twice in a row is harmless: the
// second pass finds nothing to drop and every reversion is conditional.
func (r *ExpiryRunner) Run(ctx context.Context) error {
	now := r.now()

	driverIDs, err := r.offers.ListDrivers(ctx)
	if err != nil {
		return fmt.Errorf("list offer holders: %w", err)
	}

	touched := make(map[string]struct{})
	for _, driverID := range driverIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		offers, err := r.offers.ListByDriver(ctx, driverID)
		if err != nil {
			r.log.Warning("failed to list driver offers", logger.String("driver_id", driverID), logger.Error(err))
			continue
		}
		for _, offer := range offers {
			if !offer.IsExpired(now) {
				continue
			}
			if err := r.offers.Delete(ctx, offer.DriverID, offer.TripID); err != nil {
				r.log.Warning("failed to drop expired offer",
					logger.String("driver_id", offer.DriverID),
					logger.String("trip_id", offer.TripID),
					logger.Error(err),
				)
				continue
			}
			metrics.OffersExpired.Inc()
			touched[offer.TripID] = struct{}{}

			r.bus.Publish(ctx, events.Event{
				Topic:      events.TopicTripLifecycle,
				Name:       domain.EventTripRequestExpired,
				TripID:     offer.TripID,
				Recipients: []string{offer.DriverID},
				Payload:    map[string]string{"trip_id": offer.TripID},
				OccurredAt: now,
			})
		}
	}

	// Trips stuck in drivers_found with no offers, e.g. after a crash between
	// offer cleanup and reversion.
	stale, err := r.tripRepo.ListStaleDriversFound(ctx, now.Add(-(r.cfg.OfferTTL + r.cfg.OfferGrace)), r.cfg.BatchSize)
	if err != nil {
		r.log.Warning("failed to list stale trips", logger.Error(err))
	}
	for _, trip := range stale {
		touched[trip.ID] = struct{}{}
	}

	reverted := 0
	for tripID := range touched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := r.revertIfExhausted(ctx, tripID)
		if err != nil {
			r.log.Warning("failed to revert trip", logger.String("trip_id", tripID), logger.Error(err))
			continue
		}
		if ok {
			reverted++
		}
	}

	if reverted > 0 {
		r.log.Info("trips returned to searching", logger.Int("count", reverted))
	}
	return nil
}

func (r *ExpiryRunner) revertIfExhausted(ctx context.Context, tripID string) (bool, error) {
	remaining, err := r.offers.CountForTrip(ctx, tripID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	return r.reverter.RevertToSearching(ctx, tripID)
}
