package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

type driverLocationRow struct {
	DriverID    string    `db:"driver_id"`
	Lon         float64   `db:"lon"`
	Lat         float64   `db:"lat"`
	Heading     float64   `db:"heading"`
	Speed       float64   `db:"speed"`
	IsOnline    bool      `db:"is_online"`
	IsAvailable bool      `db:"is_available"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// DriverLocationRepository is a PostgreSQL implementation of repository.DriverLocationRepository.
type DriverLocationRepository struct {
	q Querier
}

// NewDriverLocationRepository creates a new PostgreSQL driver location repository.
func NewDriverLocationRepository(db *sqlx.DB) *DriverLocationRepository {
	return &DriverLocationRepository{q: db}
}

// Upsert stores the latest snapshot. Older heartbeats never overwrite newer ones.
func (r *DriverLocationRepository) Upsert(ctx context.Context, p domain.DriverPresence) error {
	query := `
		INSERT INTO driver_locations (driver_id, lon, lat, heading, speed, is_online, is_available, updated_at)
		VALUES (:driver_id, :lon, :lat, :heading, :speed, :is_online, :is_available, :updated_at)
		ON CONFLICT (driver_id) DO UPDATE SET
			lon = EXCLUDED.lon,
			lat = EXCLUDED.lat,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			is_online = EXCLUDED.is_online,
			is_available = EXCLUDED.is_available,
			updated_at = EXCLUDED.updated_at
		WHERE driver_locations.updated_at <= EXCLUDED.updated_at
	`

	_, err := sqlx.NamedExecContext(ctx, r.q, query, driverLocationRow{
		DriverID:    p.DriverID,
		Lon:         p.Coordinates.Lon,
		Lat:         p.Coordinates.Lat,
		Heading:     p.Heading,
		Speed:       p.Speed,
		IsOnline:    p.IsOnline,
		IsAvailable: p.IsAvailable,
		UpdatedAt:   p.UpdatedAt,
	})
	return err
}

// GetByDriverID returns the last stored snapshot.
func (r *DriverLocationRepository) GetByDriverID(ctx context.Context, driverID string) (*domain.DriverPresence, error) {
	var row driverLocationRow
	err := r.q.GetContext(ctx, &row, `
		SELECT driver_id, lon, lat, heading, speed, is_online, is_available, updated_at
		FROM driver_locations WHERE driver_id = $1
	`, driverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &domain.DriverPresence{
		DriverID:    row.DriverID,
		Coordinates: domain.Coordinates{Lon: row.Lon, Lat: row.Lat},
		Heading:     row.Heading,
		Speed:       row.Speed,
		IsOnline:    row.IsOnline,
		IsAvailable: row.IsAvailable,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

var _ repository.DriverLocationRepository = (*DriverLocationRepository)(nil)
