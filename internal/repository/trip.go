package repository

import (
	"context"
	"time"

	"ridedispatch/internal/domain"
)

// TripRepository defines the persistence operations for trips.
//
// Every status change is a conditional update on the persisted status. The
// boolean result reports whether this caller won the update; false means the
// row was no longer in the expected state.
type TripRepository interface {
	// Create persists a new trip.
	Create(ctx context.Context, trip *domain.Trip) error

	// GetByID retrieves a trip by ID.
	GetByID(ctx context.Context, id string) (*domain.Trip, error)

	// ListByStatus returns up to limit trips in status, oldest request first.
	ListByStatus(ctx context.Context, status domain.TripStatus, limit int) ([]*domain.Trip, error)

	// ListStaleDriversFound returns drivers_found trips that entered that
	// status before the given moment.
	ListStaleDriversFound(ctx context.Context, before time.Time, limit int) ([]*domain.Trip, error)

	// MarkDriversFound moves searching -> drivers_found.
	MarkDriversFound(ctx context.Context, id string, notified int, at time.Time) (bool, error)

	// AssignDriver moves drivers_found -> driver_assigned only while no
	// driver is set.
	AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error)

	// RevertToSearching moves drivers_found -> searching and resets the
	// notified count. resetSearch restarts the search window.
	RevertToSearching(ctx context.Context, id string, at time.Time, resetSearch bool) (bool, error)

	// AdvanceLifecycle moves an assigned trip along its driver-reported
	// lifecycle, stamping the timestamp that belongs to the target status.
	AdvanceLifecycle(ctx context.Context, id, driverID string, from, to domain.TripStatus, at time.Time) (bool, error)

	// Cancel moves a trip from the given non-terminal status to cancelled.
	Cancel(ctx context.Context, id string, from domain.TripStatus, reason string, actor domain.CancelActor, at time.Time) (bool, error)

	// GetActiveByDriverID retrieves the active trip for a driver.
	// Returns nil if no active trip exists.
	GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Trip, error)
}
