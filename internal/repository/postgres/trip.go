package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

const tripColumns = `
	id, customer_id,
	pickup_address, pickup_lon, pickup_lat,
	destination_address, destination_lon, destination_lat,
	pricing, payment_method, status, driver_id, drivers_notified,
	requested_at, search_started_at, drivers_found_at, accepted_at,
	arrived_at, started_at, completed_at, cancelled_at,
	cancel_reason, cancelled_by`

// tripRow mirrors the trips table.
type tripRow struct {
	ID                 string         `db:"id"`
	CustomerID         string         `db:"customer_id"`
	PickupAddress      string         `db:"pickup_address"`
	PickupLon          float64        `db:"pickup_lon"`
	PickupLat          float64        `db:"pickup_lat"`
	DestinationAddress string         `db:"destination_address"`
	DestinationLon     float64        `db:"destination_lon"`
	DestinationLat     float64        `db:"destination_lat"`
	Pricing            sql.NullString `db:"pricing"`
	PaymentMethod      string         `db:"payment_method"`
	Status             string         `db:"status"`
	DriverID           sql.NullString `db:"driver_id"`
	DriversNotified    int            `db:"drivers_notified"`
	RequestedAt        time.Time      `db:"requested_at"`
	SearchStartedAt    time.Time      `db:"search_started_at"`
	DriversFoundAt     sql.NullTime   `db:"drivers_found_at"`
	AcceptedAt         sql.NullTime   `db:"accepted_at"`
	ArrivedAt          sql.NullTime   `db:"arrived_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	CancelledAt        sql.NullTime   `db:"cancelled_at"`
	CancelReason       sql.NullString `db:"cancel_reason"`
	CancelledBy        sql.NullString `db:"cancelled_by"`
}

func (r tripRow) toDomain() *domain.Trip {
	trip := &domain.Trip{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Pickup: domain.Location{
			Address:     r.PickupAddress,
			Coordinates: domain.Coordinates{Lon: r.PickupLon, Lat: r.PickupLat},
		},
		Destination: domain.Location{
			Address:     r.DestinationAddress,
			Coordinates: domain.Coordinates{Lon: r.DestinationLon, Lat: r.DestinationLat},
		},
		PaymentMethod:   domain.PaymentMethod(r.PaymentMethod),
		Status:          domain.TripStatus(r.Status),
		DriverID:        r.DriverID.String,
		DriversNotified: r.DriversNotified,
		RequestedAt:     r.RequestedAt,
		SearchStartedAt: r.SearchStartedAt,
		DriversFoundAt:  r.DriversFoundAt.Time,
		AcceptedAt:      r.AcceptedAt.Time,
		ArrivedAt:       r.ArrivedAt.Time,
		StartedAt:       r.StartedAt.Time,
		CompletedAt:     r.CompletedAt.Time,
		CancelledAt:     r.CancelledAt.Time,
		CancelReason:    r.CancelReason.String,
		CancelledBy:     domain.CancelActor(r.CancelledBy.String),
	}
	if r.Pricing.Valid {
		trip.Pricing = []byte(r.Pricing.String)
	}
	return trip
}

// lifecycleColumns maps a driver-reported target status to its timestamp column.
var lifecycleColumns = map[domain.TripStatus]string{
	domain.TripStatusDriverArrived: "arrived_at",
	domain.TripStatusInProgress:    "started_at",
	domain.TripStatusCompleted:     "completed_at",
}

// activeStatuses are the states in which a trip holds its driver.
var activeStatuses = []string{
	string(domain.TripStatusDriverAssigned),
	string(domain.TripStatusDriverArrived),
	string(domain.TripStatusInProgress),
}

// TripRepository is a PostgreSQL implementation of repository.TripRepository.
type TripRepository struct {
	q Querier
}

// NewTripRepository creates a new PostgreSQL trip repository.
func NewTripRepository(db *sqlx.DB) *TripRepository {
	return &TripRepository{q: db}
}

// Create persists a new trip.
func (r *TripRepository) Create(ctx context.Context, trip *domain.Trip) error {
	query := `
		INSERT INTO trips (
			id, customer_id,
			pickup_address, pickup_lon, pickup_lat,
			destination_address, destination_lon, destination_lat,
			pricing, payment_method, status, drivers_notified,
			requested_at, search_started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	var pricing sql.NullString
	if len(trip.Pricing) > 0 {
		pricing = sql.NullString{String: string(trip.Pricing), Valid: true}
	}

	_, err := r.q.ExecContext(ctx, query,
		trip.ID,
		trip.CustomerID,
		trip.Pickup.Address,
		trip.Pickup.Coordinates.Lon,
		trip.Pickup.Coordinates.Lat,
		trip.Destination.Address,
		trip.Destination.Coordinates.Lon,
		trip.Destination.Coordinates.Lat,
		pricing,
		trip.PaymentMethod,
		trip.Status,
		trip.DriversNotified,
		trip.RequestedAt,
		trip.SearchStartedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: trip %s", repository.ErrDuplicate, trip.ID)
	}
	return err
}

// GetByID retrieves a trip by ID.
func (r *TripRepository) GetByID(ctx context.Context, id string) (*domain.Trip, error) {
	var row tripRow
	err := r.q.GetContext(ctx, &row, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListByStatus returns up to limit trips in status, oldest request first.
func (r *TripRepository) ListByStatus(ctx context.Context, status domain.TripStatus, limit int) ([]*domain.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE status = $1 ORDER BY requested_at ASC LIMIT $2`
	return r.selectTrips(ctx, query, status, limit)
}

// ListStaleDriversFound returns drivers_found trips older than before.
func (r *TripRepository) ListStaleDriversFound(ctx context.Context, before time.Time, limit int) ([]*domain.Trip, error) {
	query := `
		SELECT ` + tripColumns + ` FROM trips
		WHERE status = $1 AND drivers_found_at < $2
		ORDER BY drivers_found_at ASC
		LIMIT $3
	`
	return r.selectTrips(ctx, query, domain.TripStatusDriversFound, before, limit)
}

func (r *TripRepository) selectTrips(ctx context.Context, query string, args ...any) ([]*domain.Trip, error) {
	var rows []tripRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	trips := make([]*domain.Trip, 0, len(rows))
	for _, row := range rows {
		trips = append(trips, row.toDomain())
	}
	return trips, nil
}

// MarkDriversFound moves searching -> drivers_found.
func (r *TripRepository) MarkDriversFound(ctx context.Context, id string, notified int, at time.Time) (bool, error) {
	query := `
		UPDATE trips
		SET status = $1, drivers_notified = $2, drivers_found_at = $3
		WHERE id = $4 AND status = $5
	`
	res, err := r.q.ExecContext(ctx, query,
		domain.TripStatusDriversFound, notified, at, id, domain.TripStatusSearching)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AssignDriver moves drivers_found -> driver_assigned while no driver is set.
func (r *TripRepository) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	query := `
		UPDATE trips
		SET status = $1, driver_id = $2, accepted_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NULL
	`
	res, err := r.q.ExecContext(ctx, query,
		domain.TripStatusDriverAssigned, driverID, at, id, domain.TripStatusDriversFound)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RevertToSearching moves drivers_found -> searching.
func (r *TripRepository) RevertToSearching(ctx context.Context, id string, at time.Time, resetSearch bool) (bool, error) {
	query := `
		UPDATE trips
		SET status = $1,
			drivers_notified = 0,
			drivers_found_at = NULL,
			search_started_at = CASE WHEN $2::boolean THEN $3::timestamptz ELSE search_started_at END
		WHERE id = $4 AND status = $5 AND driver_id IS NULL
	`
	res, err := r.q.ExecContext(ctx, query,
		domain.TripStatusSearching, resetSearch, at, id, domain.TripStatusDriversFound)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AdvanceLifecycle moves an assigned trip along its driver-reported lifecycle.
func (r *TripRepository) AdvanceLifecycle(ctx context.Context, id, driverID string, from, to domain.TripStatus, at time.Time) (bool, error) {
	column, ok := lifecycleColumns[to]
	if !ok {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	query := fmt.Sprintf(`
		UPDATE trips
		SET status = $1, %s = $2
		WHERE id = $3 AND status = $4 AND driver_id = $5
	`, column)
	res, err := r.q.ExecContext(ctx, query, to, at, id, from, driverID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Cancel moves a trip from the given status to cancelled.
func (r *TripRepository) Cancel(ctx context.Context, id string, from domain.TripStatus, reason string, actor domain.CancelActor, at time.Time) (bool, error) {
	query := `
		UPDATE trips
		SET status = $1, cancel_reason = $2, cancelled_by = $3, cancelled_at = $4
		WHERE id = $5 AND status = $6
	`
	res, err := r.q.ExecContext(ctx, query,
		domain.TripStatusCancelled, reason, actor, at, id, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// GetActiveByDriverID retrieves the active trip for a driver.
// Returns nil if no active trip exists.
func (r *TripRepository) GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Trip, error) {
	query := `
		SELECT ` + tripColumns + ` FROM trips
		WHERE driver_id = $1 AND status = ANY($2)
		ORDER BY accepted_at DESC
		LIMIT 1
	`

	var row tripRow
	err := r.q.GetContext(ctx, &row, query, driverID, pq.Array(activeStatuses))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// Ensure TripRepository implements repository.TripRepository.
var _ repository.TripRepository = (*TripRepository)(nil)
