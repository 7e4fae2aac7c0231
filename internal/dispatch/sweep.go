package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

// SweepConfig tunes the dispatch sweep.
type SweepConfig struct {
	BatchSize            int
	InitialRadiusKm      float64
	EscalatedRadiusKm    float64
	MaxCandidates        int
	OfferTTL             time.Duration
	SearchTimeout        time.Duration
	ResetSearchOnRevert  bool
	PerTripTimeout       time.Duration
	Concurrency          int
	CancelOnNoCandidates bool
}

// CustomerLookup resolves customer summaries for a batch of trips.
type CustomerLookup interface {
	GetCustomerSummaries(ctx context.Context, customerIDs []string) (map[string]*domain.CustomerSummary, error)
}

// SearchExpirer cancels trips whose search failed.
type SearchExpirer interface {
	ExpireSearch(ctx context.Context, trip *domain.Trip) (bool, error)
}

// Sweep results, also used as metric labels.
const (
	resultOffered      = "offered"
	resultNoCandidates = "no_candidates"
	resultExpired      = "expired"
	resultLostRace     = "lost_race"
	resultFailed       = "failed"
)

// NewTripRequest is the payload of new_trip_request.
type NewTripRequest struct {
	Trip      *domain.Trip            `json:"trip"`
	Customer  *domain.CustomerSummary `json:"customer,omitempty"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// SweepRunner offers searching trips to nearby drivers.
type SweepRunner struct {
	tripRepo  repository.TripRepository
	registry  service.PresenceRegistry
	offers    redis.OfferStoreInterface
	customers CustomerLookup
	expirer   SearchExpirer
	bus       events.Publisher
	jobs      service.JobEnqueuer
	log       logger.ILogger
	cfg       SweepConfig
	now       func() time.Time
}

// NewSweepRunner creates a new SweepRunner.
func NewSweepRunner(
	tripRepo repository.TripRepository,
	registry service.PresenceRegistry,
	offers redis.OfferStoreInterface,
	customers CustomerLookup,
	expirer SearchExpirer,
	bus events.Publisher,
	log logger.ILogger,
	cfg SweepConfig,
) *SweepRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &SweepRunner{
		tripRepo:  tripRepo,
		registry:  registry,
		offers:    offers,
		customers: customers,
		expirer:   expirer,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (r *SweepRunner) WithClock(now func() time.Time) *SweepRunner {
	r.now = now
	return r
}

// WithPushes also notifies offered drivers by push, for apps in the background.
func (r *SweepRunner) WithPushes(jobs service.JobEnqueuer) *SweepRunner {
	r.jobs = jobs
	return r
}

func (r *SweepRunner) Name() string { return "dispatch_sweep" }

// Run processes one batch of searching trips. Individual trip failures are
// logged and never abort the batch.
func (r *SweepRunner) Run(ctx context.Context) error {
	trips, err := r.tripRepo.ListByStatus(ctx, domain.TripStatusSearching, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list searching trips: %w", err)
	}
	if len(trips) == 0 {
		return nil
	}

	customerIDs := make([]string, 0, len(trips))
	for _, t := range trips {
		customerIDs = append(customerIDs, t.CustomerID)
	}
	summaries, err := r.customers.GetCustomerSummaries(ctx, customerIDs)
	if err != nil {
		// Offers still go out, just without the customer card.
		r.log.Warning("customer summaries unavailable", logger.Error(err))
		summaries = map[string]*domain.CustomerSummary{}
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, trip := range trips {
		g.Go(func() error {
			tripCtx, cancel := context.WithTimeout(ctx, r.cfg.PerTripTimeout)
			defer cancel()

			result, err := r.dispatchTrip(tripCtx, trip, summaries[trip.CustomerID])
			if err != nil {
				result = resultFailed
				r.log.Error("dispatch trip failed", logger.String("trip_id", trip.ID), logger.Error(err))
			}
			metrics.TripsProcessed.WithLabelValues(result).Inc()
			return nil
		})
	}
	_ = g.Wait()

	r.log.Debug("dispatch sweep finished", logger.Int("trips", len(trips)))
	return nil
}

func (r *SweepRunner) dispatchTrip(ctx context.Context, trip *domain.Trip, customer *domain.CustomerSummary) (string, error) {
	now := r.now()

	if !now.Before(trip.SearchDeadline(r.cfg.SearchTimeout, r.cfg.ResetSearchOnRevert)) {
		return r.expire(ctx, trip)
	}

	candidates, err := r.findCandidates(ctx, trip.Pickup.Coordinates)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		if r.cfg.CancelOnNoCandidates {
			return r.expire(ctx, trip)
		}
		return resultNoCandidates, nil
	}

	expiresAt := now.Add(r.cfg.OfferTTL)
	offers := make([]domain.IncomingOffer, 0, len(candidates))
	driverIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		offers = append(offers, domain.IncomingOffer{
			TripID:     trip.ID,
			DriverID:   c.DriverID,
			CustomerID: trip.CustomerID,
			Pickup:     trip.Pickup,
			DistanceKm: c.DistanceKm,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		})
		driverIDs = append(driverIDs, c.DriverID)
	}

	// Offers are written before the transition so an accepted offer always
	// finds a trip that is, or is about to be, in drivers_found.
	if err := r.offers.Create(ctx, offers); err != nil {
		return "", fmt.Errorf("create offers: %w", err)
	}

	won, err := r.tripRepo.MarkDriversFound(ctx, trip.ID, len(offers), now)
	if err != nil {
		if _, derr := r.offers.DeleteForTrip(context.WithoutCancel(ctx), trip.ID); derr != nil {
			r.log.Warning("failed to roll back offers", logger.String("trip_id", trip.ID), logger.Error(derr))
		}
		return "", fmt.Errorf("mark drivers found: %w", err)
	}
	if !won {
		// The offers may now belong to whoever won, so they stay. Leftovers
		// on a trip that moved elsewhere lapse through the expiry runner.
		return resultLostRace, nil
	}
	metrics.OffersCreated.Add(float64(len(offers)))

	trip.Status = domain.TripStatusDriversFound
	trip.DriversNotified = len(offers)
	trip.DriversFoundAt = now

	r.bus.Publish(ctx, events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       domain.EventNewTripRequest,
		TripID:     trip.ID,
		Recipients: driverIDs,
		Payload:    NewTripRequest{Trip: trip, Customer: customer, ExpiresAt: expiresAt},
		OccurredAt: now,
	})
	r.pushOffers(ctx, trip, driverIDs)

	r.log.Info("trip offered",
		logger.String("trip_id", trip.ID),
		logger.Int("drivers", len(driverIDs)),
	)
	return resultOffered, nil
}

func (r *SweepRunner) pushOffers(ctx context.Context, trip *domain.Trip, driverIDs []string) {
	if r.jobs == nil {
		return
	}
	for _, driverID := range driverIDs {
		_, err := r.jobs.Enqueue(ctx, service.TripFanoutJob{
			TripID:   trip.ID,
			UserID:   driverID,
			Template: service.TemplateNewTripRequest,
			Data:     map[string]string{"customer_id": trip.CustomerID},
		}, service.FanoutOptions)
		if err != nil {
			r.log.Warning("failed to enqueue offer push", logger.String("trip_id", trip.ID), logger.Error(err))
			return
		}
	}
}

// findCandidates queries the initial radius and widens once when it is empty.
func (r *SweepRunner) findCandidates(ctx context.Context, origin domain.Coordinates) ([]geo.Candidate, error) {
	candidates, err := r.registry.FindNearby(ctx, origin, r.cfg.InitialRadiusKm, r.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 || r.cfg.EscalatedRadiusKm <= r.cfg.InitialRadiusKm {
		return candidates, nil
	}
	return r.registry.FindNearby(ctx, origin, r.cfg.EscalatedRadiusKm, r.cfg.MaxCandidates)
}

func (r *SweepRunner) expire(ctx context.Context, trip *domain.Trip) (string, error) {
	won, err := r.expirer.ExpireSearch(ctx, trip)
	if err != nil {
		return "", err
	}
	if !won {
		return resultLostRace, nil
	}
	return resultExpired, nil
}
