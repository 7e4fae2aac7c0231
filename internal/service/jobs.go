package service

import (
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/queue"
)

// Job types handled by the services.
const (
	JobTypePresenceSync = "presence.sync"
	JobTypeTripFanout   = "trip.fanout"
)

// PresenceJob persists a driver heartbeat and relays it to the active trip.
type PresenceJob struct {
	DriverID    string             `json:"driver_id"`
	Coordinates domain.Coordinates `json:"coordinates"`
	Heading     float64            `json:"heading"`
	Speed       float64            `json:"speed"`
	IsOnline    bool               `json:"is_online"`
	IsAvailable bool               `json:"is_available"`
	ReportedAt  time.Time          `json:"reported_at"`
}

func (PresenceJob) JobType() string { return JobTypePresenceSync }

func (j PresenceJob) presence() domain.DriverPresence {
	return domain.DriverPresence{
		DriverID:    j.DriverID,
		Coordinates: j.Coordinates,
		Heading:     j.Heading,
		Speed:       j.Speed,
		IsOnline:    j.IsOnline,
		IsAvailable: j.IsAvailable,
		UpdatedAt:   j.ReportedAt,
	}
}

// TripFanoutJob pushes a trip update to a user's devices.
type TripFanoutJob struct {
	TripID   string            `json:"trip_id"`
	UserID   string            `json:"user_id"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

func (TripFanoutJob) JobType() string { return JobTypeTripFanout }

// Push templates.
const (
	TemplateDriverAssigned = "driver_assigned"
	TemplateDriverArriving = "driver_arriving"
	TemplateDriverArrived  = "driver_arrived"
	TemplateTripStarted    = "trip_started"
	TemplateTripCompleted  = "trip_completed"
	TemplateTripCancelled  = "trip_cancelled"
	TemplateNoDriversFound = "no_drivers_found"
	TemplateNewTripRequest = "new_trip_request"
	TemplateSearchingAgain = "searching_again"
)

// User-facing pushes are served before presence persistence.
var (
	FanoutOptions   = queue.Options{Priority: 10, MaxAttempts: 3}
	presenceOptions = queue.Options{Priority: 5}
)
