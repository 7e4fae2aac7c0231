package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/queue"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// DriverService handles driver presence and offers.
type DriverService struct {
	registry  PresenceRegistry
	locations repository.DriverLocationRepository
	tripRepo  repository.TripRepository
	offers    redis.OfferStoreInterface
	jobs      JobEnqueuer
	bus       events.Publisher
	log       logger.ILogger
	now       func() time.Time
}

// NewDriverService creates a new DriverService.
func NewDriverService(
	registry PresenceRegistry,
	locations repository.DriverLocationRepository,
	tripRepo repository.TripRepository,
	offers redis.OfferStoreInterface,
	jobs JobEnqueuer,
	bus events.Publisher,
	log logger.ILogger,
) *DriverService {
	return &DriverService{
		registry:  registry,
		locations: locations,
		tripRepo:  tripRepo,
		offers:    offers,
		jobs:      jobs,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (s *DriverService) WithClock(now func() time.Time) *DriverService {
	s.now = now
	return s
}

// RegisterJobs registers the presence persistence handler.
func (s *DriverService) RegisterJobs(q *queue.Queue) error {
	return queue.Handle(q, s.handlePresenceJob)
}

// UpdatePresenceRequest contains one driver heartbeat.
type UpdatePresenceRequest struct {
	DriverID    string
	Coordinates domain.Coordinates
	Meta        domain.PresenceMeta
}

// UpdateDriverPresence records a heartbeat in the registry immediately and
// schedules persistence and relay to the driver's active trip.
// Going offline removes the driver from the index before returning.
func (s *DriverService) UpdateDriverPresence(ctx context.Context, req UpdatePresenceRequest) error {
	if req.DriverID == "" {
		return ErrInvalidDriverID
	}
	if !req.Coordinates.IsValid() {
		return ErrInvalidLocation
	}

	now := s.now()
	presence := domain.DriverPresence{
		DriverID:    req.DriverID,
		Coordinates: req.Coordinates,
		Heading:     req.Meta.Heading,
		Speed:       req.Meta.Speed,
		IsOnline:    req.Meta.IsOnline,
		IsAvailable: req.Meta.IsAvailable,
		UpdatedAt:   now,
	}

	if err := s.registry.UpsertPresence(ctx, presence); err != nil {
		if errors.Is(err, geo.ErrUnavailable) {
			return fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
		}
		return err
	}

	_, err := s.jobs.Enqueue(ctx, PresenceJob{
		DriverID:    presence.DriverID,
		Coordinates: presence.Coordinates,
		Heading:     presence.Heading,
		Speed:       presence.Speed,
		IsOnline:    presence.IsOnline,
		IsAvailable: presence.IsAvailable,
		ReportedAt:  now,
	}, presenceOptions)
	if err != nil {
		// The registry already holds the heartbeat; only the durable copy is late.
		s.log.Warning("failed to enqueue presence sync", logger.String("driver_id", req.DriverID), logger.Error(err))
	}
	return nil
}

func (s *DriverService) handlePresenceJob(ctx context.Context, job PresenceJob) error {
	presence := job.presence()
	if err := s.locations.Upsert(ctx, presence); err != nil {
		return fmt.Errorf("persist driver location: %w", err)
	}

	if !job.IsOnline {
		return nil
	}

	trip, err := s.tripRepo.GetActiveByDriverID(ctx, job.DriverID)
	if err != nil {
		return fmt.Errorf("load active trip: %w", err)
	}
	if trip == nil {
		return nil
	}

	s.bus.Publish(ctx, events.Event{
		Topic:      events.TopicDriverLocation,
		Name:       domain.EventDriverLocationUpdate,
		TripID:     trip.ID,
		Recipients: []string{trip.CustomerID},
		Room:       domain.TripRoom(trip.ID),
		Payload:    presence,
		OccurredAt: job.ReportedAt,
	})
	return nil
}

// ListOffers returns the driver's live offers.
func (s *DriverService) ListOffers(ctx context.Context, driverID string) ([]domain.IncomingOffer, error) {
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	offers, err := s.offers.ListByDriver(ctx, driverID)
	if err != nil {
		return nil, unavailable("list offers", err)
	}

	now := s.now()
	live := make([]domain.IncomingOffer, 0, len(offers))
	for _, o := range offers {
		if !o.IsExpired(now) {
			live = append(live, o)
		}
	}
	return live, nil
}
