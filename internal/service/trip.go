package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// cancelAttempts bounds how often CancelTrip re-reads a trip that changed under it.
const cancelAttempts = 3

// TripServiceConfig holds the search window settings shared with the runners.
type TripServiceConfig struct {
	SearchTimeout       time.Duration
	ResetSearchOnRevert bool
}

// TripService handles trip operations.
type TripService struct {
	tripRepo repository.TripRepository
	offers   redis.OfferStoreInterface
	registry PresenceRegistry
	bus      events.Publisher
	jobs     JobEnqueuer
	log      logger.ILogger
	cfg      TripServiceConfig
	now      func() time.Time
}

// NewTripService creates a new TripService.
func NewTripService(
	tripRepo repository.TripRepository,
	offers redis.OfferStoreInterface,
	registry PresenceRegistry,
	bus events.Publisher,
	jobs JobEnqueuer,
	log logger.ILogger,
	cfg TripServiceConfig,
) *TripService {
	return &TripService{
		tripRepo: tripRepo,
		offers:   offers,
		registry: registry,
		bus:      bus,
		jobs:     jobs,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *TripService) WithClock(now func() time.Time) *TripService {
	s.now = now
	return s
}

// Config returns the search window settings.
func (s *TripService) Config() TripServiceConfig {
	return s.cfg
}

// RequestRideRequest contains the parameters for requesting a ride.
type RequestRideRequest struct {
	CustomerID    string
	Pickup        domain.Location
	Destination   domain.Location
	Pricing       json.RawMessage
	PaymentMethod domain.PaymentMethod // Optional: defaults to cash
}

// RequestRide persists a new trip in searching. The next sweep picks it up.
func (s *TripService) RequestRide(ctx context.Context, req RequestRideRequest) (*domain.Trip, error) {
	if err := validateRequestRide(req); err != nil {
		return nil, err
	}

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = domain.PaymentMethodCash
	}

	now := s.now()
	trip := &domain.Trip{
		ID:              uuid.New().String(),
		CustomerID:      req.CustomerID,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		Pricing:         req.Pricing,
		PaymentMethod:   paymentMethod,
		Status:          domain.TripStatusSearching,
		RequestedAt:     now,
		SearchStartedAt: now,
	}

	if err := s.tripRepo.Create(ctx, trip); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		return nil, unavailable("create trip", err)
	}

	s.log.Info("trip requested",
		logger.String("trip_id", trip.ID),
		logger.String("customer_id", trip.CustomerID),
	)
	return trip, nil
}

func validateRequestRide(req RequestRideRequest) error {
	if req.CustomerID == "" {
		return ErrInvalidCustomerID
	}
	if !req.Pickup.Coordinates.IsValid() {
		return ErrInvalidPickupLocation
	}
	if !req.Destination.Coordinates.IsValid() {
		return ErrInvalidDestinationLocation
	}
	if req.PaymentMethod != "" && !req.PaymentMethod.IsValid() {
		return ErrInvalidPaymentMethod
	}
	if len(req.Pricing) > 0 && !json.Valid(req.Pricing) {
		return ErrInvalidPricing
	}
	return nil
}

// GetTrip retrieves a trip by ID.
func (s *TripService) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	if tripID == "" {
		return nil, ErrInvalidTripID
	}
	return s.loadTrip(ctx, tripID)
}

func (s *TripService) loadTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	trip, err := s.tripRepo.GetByID(ctx, tripID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTripNotFound
		}
		return nil, unavailable("load trip", err)
	}
	return trip, nil
}

// OfferRequest identifies one driver's offer for one trip.
type OfferRequest struct {
	TripID   string
	DriverID string
}

func (r OfferRequest) validate() error {
	if r.TripID == "" {
		return ErrInvalidTripID
	}
	if r.DriverID == "" {
		return ErrInvalidDriverID
	}
	return nil
}

// AcceptOffer assigns the trip to the driver if the driver holds a live offer
// and nobody was assigned first. Exactly one concurrent caller succeeds; the
// others get ErrRaceLost.
func (s *TripService) AcceptOffer(ctx context.Context, req OfferRequest) (*domain.Trip, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	offer, err := s.offers.Get(ctx, req.DriverID, req.TripID)
	if err != nil {
		return nil, unavailable("get offer", err)
	}
	if offer == nil {
		// The winner's own offer is deleted on assignment; a retry still
		// gets the trip back.
		if trip, err := s.loadTrip(ctx, req.TripID); err == nil && trip.DriverID == req.DriverID && trip.Status.HasDriver() {
			metrics.OfferAccepts.WithLabelValues("duplicate").Inc()
			return trip, nil
		}
		metrics.OfferAccepts.WithLabelValues("no_offer").Inc()
		return nil, ErrOfferNotFound
	}

	now := s.now()
	if offer.IsExpired(now) {
		metrics.OfferAccepts.WithLabelValues("expired").Inc()
		return nil, ErrOfferExpired
	}

	won, err := s.tripRepo.AssignDriver(ctx, req.TripID, req.DriverID, now)
	if err != nil {
		return nil, unavailable("assign driver", err)
	}

	trip, err := s.loadTrip(ctx, req.TripID)
	if err != nil {
		return nil, err
	}

	if !won {
		switch {
		case trip.DriverID == req.DriverID && trip.Status.HasDriver():
			// Repeated accept by the winner.
			metrics.OfferAccepts.WithLabelValues("duplicate").Inc()
			return trip, nil
		case trip.DriverID != "":
			metrics.OfferAccepts.WithLabelValues("race_lost").Inc()
			return nil, ErrRaceLost
		default:
			metrics.OfferAccepts.WithLabelValues("invalid_state").Inc()
			return nil, domain.ValidateTransition(trip.Status, domain.TripStatusDriverAssigned)
		}
	}
	metrics.OfferAccepts.WithLabelValues("won").Inc()

	holders, err := s.offers.DeleteForTrip(ctx, trip.ID)
	if err != nil {
		s.log.Warning("failed to clear sibling offers", logger.String("trip_id", trip.ID), logger.Error(err))
	}
	if err := s.registry.SetAvailability(ctx, req.DriverID, false); err != nil {
		s.log.Warning("failed to mark driver busy", logger.String("driver_id", req.DriverID), logger.Error(err))
	}

	room := domain.TripRoom(trip.ID)
	s.bus.Publish(ctx, events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       domain.EventTripAccepted,
		TripID:     trip.ID,
		Recipients: []string{trip.CustomerID, req.DriverID},
		Room:       room,
		JoinRoom:   true,
		Payload:    trip,
		OccurredAt: now,
	})

	if others := without(holders, req.DriverID); len(others) > 0 {
		s.bus.Publish(ctx, events.Event{
			Topic:      events.TopicTripLifecycle,
			Name:       domain.EventTripNoLongerAvailable,
			TripID:     trip.ID,
			Recipients: others,
			Payload:    map[string]string{"trip_id": trip.ID},
			OccurredAt: now,
		})
	}

	s.fanout(ctx, trip, trip.CustomerID, TemplateDriverAssigned, map[string]string{"driver_id": req.DriverID})

	s.log.Info("offer accepted",
		logger.String("trip_id", trip.ID),
		logger.String("driver_id", req.DriverID),
	)
	return trip, nil
}

// RejectOffer drops the driver's offer. When no offers remain the expiry
// runner sends the trip back to searching.
func (s *TripService) RejectOffer(ctx context.Context, req OfferRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	offer, err := s.offers.Get(ctx, req.DriverID, req.TripID)
	if err != nil {
		return unavailable("get offer", err)
	}
	if offer == nil {
		return ErrOfferNotFound
	}

	if err := s.offers.Delete(ctx, req.DriverID, req.TripID); err != nil {
		return unavailable("delete offer", err)
	}
	return nil
}

// LifecycleEventRequest contains a driver-reported progress event.
type LifecycleEventRequest struct {
	TripID   string
	DriverID string
	Event    domain.LifecycleEvent
}

// ReportDriverLifecycleEvent validates the event against the trip's current
// status and applies it.
func (s *TripService) ReportDriverLifecycleEvent(ctx context.Context, req LifecycleEventRequest) (*domain.Trip, error) {
	if req.TripID == "" {
		return nil, ErrInvalidTripID
	}
	if req.DriverID == "" {
		return nil, ErrInvalidDriverID
	}
	required, target, ok := req.Event.Target()
	if !ok {
		return nil, ErrInvalidLifecycleEvent
	}

	trip, err := s.loadTrip(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != req.DriverID {
		return nil, ErrDriverNotAssigned
	}
	if trip.Status != required {
		return nil, fmt.Errorf("%w: %s cannot follow %s", domain.ErrInvalidTransition, req.Event, trip.Status)
	}

	now := s.now()
	room := domain.TripRoom(trip.ID)

	if req.Event == domain.LifecycleArrivingSoon {
		s.bus.Publish(ctx, events.Event{
			Topic:      events.TopicTripLifecycle,
			Name:       domain.EventDriverArrivingSoon,
			TripID:     trip.ID,
			Recipients: []string{trip.CustomerID},
			Payload:    map[string]string{"trip_id": trip.ID, "driver_id": trip.DriverID},
			OccurredAt: now,
		})
		s.fanout(ctx, trip, trip.CustomerID, TemplateDriverArriving, nil)
		return trip, nil
	}

	if err := domain.ValidateTransition(trip.Status, target); err != nil {
		return nil, err
	}

	won, err := s.tripRepo.AdvanceLifecycle(ctx, trip.ID, req.DriverID, required, target, now)
	if err != nil {
		return nil, unavailable("advance trip", err)
	}
	if !won {
		current, err := s.loadTrip(ctx, trip.ID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s cannot follow %s", domain.ErrInvalidTransition, req.Event, current.Status)
	}

	trip, err = s.loadTrip(ctx, trip.ID)
	if err != nil {
		return nil, err
	}

	var name, template string
	switch target {
	case domain.TripStatusDriverArrived:
		name, template = domain.EventArrivedAtPickup, TemplateDriverArrived
	case domain.TripStatusInProgress:
		name, template = domain.EventTripStarted, TemplateTripStarted
	case domain.TripStatusCompleted:
		name, template = domain.EventTripCompleted, TemplateTripCompleted
		if err := s.registry.SetAvailability(ctx, req.DriverID, true); err != nil {
			s.log.Warning("failed to release driver", logger.String("driver_id", req.DriverID), logger.Error(err))
		}
	}

	s.bus.Publish(ctx, events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       name,
		TripID:     trip.ID,
		Recipients: []string{trip.CustomerID},
		Room:       room,
		CloseRoom:  target == domain.TripStatusCompleted,
		Payload:    trip,
		OccurredAt: now,
	})
	s.fanout(ctx, trip, trip.CustomerID, template, nil)

	return trip, nil
}

// CancelTripRequest contains the parameters for cancelling a trip.
type CancelTripRequest struct {
	TripID  string
	ActorID string
	Actor   domain.CancelActor
	Reason  string
}

// CancelTrip cancels a non-terminal trip. Cancelling an already cancelled
// trip returns it unchanged without notifying anyone again.
func (s *TripService) CancelTrip(ctx context.Context, req CancelTripRequest) (*domain.Trip, error) {
	if req.TripID == "" {
		return nil, ErrInvalidTripID
	}
	switch req.Actor {
	case domain.CancelActorCustomer, domain.CancelActorDriver, domain.CancelActorSystem:
	default:
		return nil, ErrInvalidCancelActor
	}

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		trip, err := s.loadTrip(ctx, req.TripID)
		if err != nil {
			return nil, err
		}
		if trip.Status == domain.TripStatusCancelled {
			return trip, nil
		}
		if err := authorizeCancel(trip, req); err != nil {
			return nil, err
		}
		if err := domain.ValidateTransition(trip.Status, domain.TripStatusCancelled); err != nil {
			return nil, err
		}

		won, err := s.cancel(ctx, trip, req.Reason, req.Actor)
		if err != nil {
			return nil, err
		}
		if won {
			return s.loadTrip(ctx, trip.ID)
		}
	}
	return nil, ErrRaceLost
}

func authorizeCancel(trip *domain.Trip, req CancelTripRequest) error {
	switch req.Actor {
	case domain.CancelActorCustomer:
		if req.ActorID != trip.CustomerID {
			return ErrNotTripParticipant
		}
	case domain.CancelActorDriver:
		if trip.DriverID == "" || req.ActorID != trip.DriverID {
			return ErrNotTripParticipant
		}
	}
	return nil
}

// ExpireSearch cancels a trip still in searching whose search window closed
// without any candidate. Only the caller that wins the update notifies.
func (s *TripService) ExpireSearch(ctx context.Context, trip *domain.Trip) (bool, error) {
	if trip.Status != domain.TripStatusSearching {
		return false, nil
	}
	return s.cancel(ctx, trip, domain.CancelReasonNoDriversAvailable, domain.CancelActorSystem)
}

// cancel performs the conditional update from trip.Status and, on success,
// clears offers and notifies every party exactly once.
func (s *TripService) cancel(ctx context.Context, trip *domain.Trip, reason string, actor domain.CancelActor) (bool, error) {
	now := s.now()
	won, err := s.tripRepo.Cancel(ctx, trip.ID, trip.Status, reason, actor, now)
	if err != nil {
		return false, unavailable("cancel trip", err)
	}
	if !won {
		return false, nil
	}

	holders, err := s.offers.DeleteForTrip(ctx, trip.ID)
	if err != nil {
		s.log.Warning("failed to clear offers", logger.String("trip_id", trip.ID), logger.Error(err))
	}
	if len(holders) > 0 {
		s.bus.Publish(ctx, events.Event{
			Topic:      events.TopicTripLifecycle,
			Name:       domain.EventTripNoLongerAvailable,
			TripID:     trip.ID,
			Recipients: holders,
			Payload:    map[string]string{"trip_id": trip.ID},
			OccurredAt: now,
		})
	}

	recipients := []string{trip.CustomerID}
	if trip.DriverID != "" {
		recipients = append(recipients, trip.DriverID)
		if err := s.registry.SetAvailability(ctx, trip.DriverID, true); err != nil {
			s.log.Warning("failed to release driver", logger.String("driver_id", trip.DriverID), logger.Error(err))
		}
	}

	payload := map[string]string{
		"trip_id":      trip.ID,
		"reason":       reason,
		"cancelled_by": string(actor),
	}
	e := events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       domain.EventTripCancelled,
		TripID:     trip.ID,
		Recipients: recipients,
		Payload:    payload,
		OccurredAt: now,
	}
	if trip.Status.HasDriver() {
		e.Room = domain.TripRoom(trip.ID)
		e.CloseRoom = true
	}
	s.bus.Publish(ctx, e)

	template := TemplateTripCancelled
	if reason == domain.CancelReasonNoDriversAvailable {
		template = TemplateNoDriversFound
	}
	for _, userID := range recipients {
		s.fanout(ctx, trip, userID, template, map[string]string{"reason": reason})
	}

	metrics.TripsProcessed.WithLabelValues("cancelled_" + string(actor)).Inc()
	s.log.Info("trip cancelled",
		logger.String("trip_id", trip.ID),
		logger.String("reason", reason),
		logger.String("cancelled_by", string(actor)),
	)
	return true, nil
}

// RevertToSearching sends a drivers_found trip with no live offers back to
// searching. It is a no-op for trips that moved on.
func (s *TripService) RevertToSearching(ctx context.Context, tripID string) (bool, error) {
	now := s.now()
	won, err := s.tripRepo.RevertToSearching(ctx, tripID, now, s.cfg.ResetSearchOnRevert)
	if err != nil {
		return false, unavailable("revert trip", err)
	}
	if !won {
		return false, nil
	}

	trip, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return true, err
	}

	metrics.TripsReverted.Inc()
	s.bus.Publish(ctx, events.Event{
		Topic:      events.TopicTripLifecycle,
		Name:       domain.EventTripSearchingAgain,
		TripID:     trip.ID,
		Recipients: []string{trip.CustomerID},
		Payload:    trip,
		OccurredAt: now,
	})
	s.fanout(ctx, trip, trip.CustomerID, TemplateSearchingAgain, nil)
	return true, nil
}

// fanout schedules a push notification. Queue failures are logged, not returned.
func (s *TripService) fanout(ctx context.Context, trip *domain.Trip, userID, template string, data map[string]string) {
	if s.jobs == nil || userID == "" {
		return
	}
	_, err := s.jobs.Enqueue(ctx, TripFanoutJob{
		TripID:   trip.ID,
		UserID:   userID,
		Template: template,
		Data:     data,
	}, FanoutOptions)
	if err != nil {
		s.log.Warning("failed to enqueue trip fan-out",
			logger.String("trip_id", trip.ID),
			logger.String("template", template),
			logger.Error(err),
		)
	}
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
