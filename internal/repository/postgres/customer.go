package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// CustomerRepository implements repository.CustomerRepository using PostgreSQL.
type CustomerRepository struct {
	db *sqlx.DB
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(db *sqlx.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// GetSummary retrieves the public profile of a customer.
func (r *CustomerRepository) GetSummary(ctx context.Context, id string) (*domain.CustomerSummary, error) {
	query := `SELECT id, name, COALESCE(phone, '') AS phone, COALESCE(photo_url, '') AS photo_url FROM customers WHERE id = $1`

	var summary domain.CustomerSummary
	if err := r.db.GetContext(ctx, &summary, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &summary, nil
}

// GetSummaries retrieves several profiles at once.
func (r *CustomerRepository) GetSummaries(ctx context.Context, ids []string) ([]*domain.CustomerSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, name, COALESCE(phone, '') AS phone, COALESCE(photo_url, '') AS photo_url FROM customers WHERE id = ANY($1)`

	var summaries []*domain.CustomerSummary
	if err := r.db.SelectContext(ctx, &summaries, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	return summaries, nil
}

// DeviceTokenRepository implements repository.DeviceTokenRepository using PostgreSQL.
type DeviceTokenRepository struct {
	db *sqlx.DB
}

// NewDeviceTokenRepository creates a new DeviceTokenRepository.
func NewDeviceTokenRepository(db *sqlx.DB) *DeviceTokenRepository {
	return &DeviceTokenRepository{db: db}
}

// ListByUser returns every device registered for a user.
func (r *DeviceTokenRepository) ListByUser(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	var tokens []domain.DeviceToken
	err := r.db.SelectContext(ctx, &tokens,
		`SELECT user_id, token, platform FROM device_tokens WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	return tokens, err
}

// Delete removes a registration.
func (r *DeviceTokenRepository) Delete(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`, userID, token)
	return err
}

var (
	_ repository.CustomerRepository    = (*CustomerRepository)(nil)
	_ repository.DeviceTokenRepository = (*DeviceTokenRepository)(nil)
)
