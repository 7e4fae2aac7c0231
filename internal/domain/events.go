package domain

// Client-facing event names delivered over the real-time transport.
const (
	EventNewTripRequest        = "new_trip_request"
	EventTripRequestExpired    = "trip_request_expired"
	EventTripAccepted          = "trip_accepted"
	EventTripNoLongerAvailable = "trip_no_longer_available"
	EventDriverLocationUpdate  = "driver_location_update"
	EventDriverArrivingSoon    = "driver_arriving_soon"
	EventArrivedAtPickup       = "arrived_at_pickup"
	EventTripStarted           = "trip_started"
	EventTripCompleted         = "trip_completed"
	EventTripCancelled         = "trip_cancelled"
	EventTripSearchingAgain    = "trip_searching_again"
)

// Role distinguishes the two kinds of connected users.
type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// TripRoom returns the transport room name for an active trip.
func TripRoom(tripID string) string {
	return "trip:" + tripID
}
