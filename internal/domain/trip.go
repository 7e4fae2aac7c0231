package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TripStatus represents the current dispatch status of a trip.
type TripStatus string

const (
	TripStatusSearching      TripStatus = "searching"
	TripStatusDriversFound   TripStatus = "drivers_found"
	TripStatusDriverAssigned TripStatus = "driver_assigned"
	TripStatusDriverArrived  TripStatus = "driver_arrived"
	TripStatusInProgress     TripStatus = "in_progress"
	TripStatusCompleted      TripStatus = "completed"
	TripStatusCancelled      TripStatus = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not an edge of the trip state machine.
var ErrInvalidTransition = errors.New("invalid trip status transition")

// tripTransitions lists the legal target states for every non-terminal state.
// Cancellation is handled separately since it is reachable from all of them.
var tripTransitions = map[TripStatus][]TripStatus{
	TripStatusSearching:      {TripStatusDriversFound},
	TripStatusDriversFound:   {TripStatusSearching, TripStatusDriverAssigned},
	TripStatusDriverAssigned: {TripStatusDriverArrived},
	TripStatusDriverArrived:  {TripStatusInProgress},
	TripStatusInProgress:     {TripStatusCompleted},
}

// AllTripStatuses returns every known status, in lifecycle order.
func AllTripStatuses() []TripStatus {
	return []TripStatus{
		TripStatusSearching,
		TripStatusDriversFound,
		TripStatusDriverAssigned,
		TripStatusDriverArrived,
		TripStatusInProgress,
		TripStatusCompleted,
		TripStatusCancelled,
	}
}

// IsValid reports whether s is a known status.
func (s TripStatus) IsValid() bool {
	switch s {
	case TripStatusSearching, TripStatusDriversFound, TripStatusDriverAssigned,
		TripStatusDriverArrived, TripStatusInProgress, TripStatusCompleted, TripStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s TripStatus) IsTerminal() bool {
	return s == TripStatusCompleted || s == TripStatusCancelled
}

// HasDriver reports whether a trip in status s carries an assigned driver.
func (s TripStatus) HasDriver() bool {
	switch s {
	case TripStatusDriverAssigned, TripStatusDriverArrived, TripStatusInProgress, TripStatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TripStatus) bool {
	if !from.IsValid() || !to.IsValid() || from.IsTerminal() {
		return false
	}
	if to == TripStatusCancelled {
		return true
	}
	for _, next := range tripTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a wrapped ErrInvalidTransition when from -> to is illegal.
func ValidateTransition(from, to TripStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PaymentMethod represents how the customer intends to pay.
type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodWallet PaymentMethod = "wallet"
)

// IsValid reports whether m is a supported payment method.
func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard || m == PaymentMethodWallet
}

// CancelActor identifies who cancelled a trip.
type CancelActor string

const (
	CancelActorCustomer CancelActor = "customer"
	CancelActorDriver   CancelActor = "driver"
	CancelActorSystem   CancelActor = "system"
)

// Cancellation reason codes set by the dispatch core.
const (
	CancelReasonNoDriversAvailable = "no_drivers_available"
)

// Location is an addressed point.
type Location struct {
	Address     string      `json:"address"`
	Coordinates Coordinates `json:"coordinates"`
}

// Trip is a ride request tracked through dispatch and its lifecycle.
type Trip struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	Pickup        Location        `json:"pickup"`
	Destination   Location        `json:"destination"`
	Pricing       json.RawMessage `json:"pricing,omitempty"` // Opaque snapshot supplied by the caller
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        TripStatus      `json:"status"`
	DriverID      string          `json:"driver_id,omitempty"`

	DriversNotified int `json:"drivers_notified"`

	RequestedAt     time.Time `json:"requested_at"`
	SearchStartedAt time.Time `json:"search_started_at"`
	DriversFoundAt  time.Time `json:"drivers_found_at,omitempty"`
	AcceptedAt      time.Time `json:"accepted_at,omitempty"`
	ArrivedAt       time.Time `json:"arrived_at,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	CancelledAt     time.Time `json:"cancelled_at,omitempty"`

	CancelReason string      `json:"cancel_reason,omitempty"`
	CancelledBy  CancelActor `json:"cancelled_by,omitempty"`
}

// SearchDeadline returns the moment the search window closes under the given policy.
func (t *Trip) SearchDeadline(window time.Duration, resetOnRevert bool) time.Time {
	anchor := t.RequestedAt
	if resetOnRevert && !t.SearchStartedAt.IsZero() {
		anchor = t.SearchStartedAt
	}
	return anchor.Add(window)
}

// LifecycleEvent is a driver-reported progress event.
type LifecycleEvent string

const (
	LifecycleArrivingSoon LifecycleEvent = "arriving_soon"
	LifecycleArrived      LifecycleEvent = "arrived"
	LifecycleStarted      LifecycleEvent = "started"
	LifecycleCompleted    LifecycleEvent = "completed"
)

// Target returns the status an event moves the trip to and the status it requires.
// arriving_soon leaves the status unchanged, so target equals required.
func (e LifecycleEvent) Target() (required, target TripStatus, ok bool) {
	switch e {
	case LifecycleArrivingSoon:
		return TripStatusDriverAssigned, TripStatusDriverAssigned, true
	case LifecycleArrived:
		return TripStatusDriverAssigned, TripStatusDriverArrived, true
	case LifecycleStarted:
		return TripStatusDriverArrived, TripStatusInProgress, true
	case LifecycleCompleted:
		return TripStatusInProgress, TripStatusCompleted, true
	}
	return "", "", false
}
