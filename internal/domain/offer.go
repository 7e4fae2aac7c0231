package domain

import "time"

// IncomingOffer is a time-bounded candidate assignment of one trip to one driver.
type IncomingOffer struct {
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	CustomerID string    `json:"customer_id"`
	Pickup     Location  `json:"pickup"`
	DistanceKm float64   `json:"distance_km"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the offer can no longer be accepted at now.
func (o *IncomingOffer) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
