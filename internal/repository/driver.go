package repository

import (
	"context"

	"ridedispatch/internal/domain"
)

// DriverLocationRepository keeps the last known durable position of each driver.
type DriverLocationRepository interface {
	// Upsert stores the latest presence snapshot for a driver.
	Upsert(ctx context.Context, p domain.DriverPresence) error

	// GetByDriverID returns the last stored snapshot.
	GetByDriverID(ctx context.Context, driverID string) (*domain.DriverPresence, error)
}
