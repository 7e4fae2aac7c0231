package service

import (
	"errors"
	"fmt"
)

var (
	// ErrTripNotFound is returned when the trip does not exist.
	ErrTripNotFound = errors.New("trip not found")

	// ErrOfferNotFound is returned when the driver holds no offer for the trip.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrOfferExpired is returned when the offer window has closed.
	ErrOfferExpired = errors.New("offer expired")

	// ErrRaceLost is returned when another driver was assigned first.
	ErrRaceLost = errors.New("trip already taken by another driver")

	// ErrDependencyUnavailable is returned when a backing store cannot be reached.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrDriverNotAssigned is returned when the driver is not the one assigned to the trip.
	ErrDriverNotAssigned = errors.New("driver not assigned to this trip")

	// ErrNotTripParticipant is returned when the actor is neither the trip's customer nor its driver.
	ErrNotTripParticipant = errors.New("actor is not a participant of this trip")

	// ErrInvalidLifecycleEvent is returned for an unknown driver lifecycle event.
	ErrInvalidLifecycleEvent = errors.New("invalid lifecycle event")

	// ErrInvalidCustomerID is returned when customer ID is empty.
	ErrInvalidCustomerID = errors.New("invalid customer id")

	// ErrInvalidDriverID is returned when driver ID is empty.
	ErrInvalidDriverID = errors.New("invalid driver id")

	// ErrInvalidTripID is returned when trip ID is empty.
	ErrInvalidTripID = errors.New("invalid trip id")

	// ErrInvalidPickupLocation is returned when pickup coordinates are invalid.
	ErrInvalidPickupLocation = errors.New("invalid pickup location")

	// ErrInvalidDestinationLocation is returned when destination coordinates are invalid.
	ErrInvalidDestinationLocation = errors.New("invalid destination location")

	// ErrInvalidLocation is returned when location coordinates are invalid.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidPaymentMethod is returned when payment method is invalid.
	ErrInvalidPaymentMethod = errors.New("invalid payment method")

	// ErrInvalidPricing is returned when the pricing snapshot is not valid JSON.
	ErrInvalidPricing = errors.New("invalid pricing snapshot")

	// ErrInvalidCancelActor is returned when the cancelling actor is unknown.
	ErrInvalidCancelActor = errors.New("invalid cancel actor")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyUnavailable, err)
}
