package repository

import (
	"context"

	"ridedispatch/internal/domain"
)

// CustomerRepository reads the customer directory.
type CustomerRepository interface {
	// GetSummary retrieves the public profile of a customer.
	GetSummary(ctx context.Context, id string) (*domain.CustomerSummary, error)

	// GetSummaries retrieves several profiles at once. Unknown ids are omitted.
	GetSummaries(ctx context.Context, ids []string) ([]*domain.CustomerSummary, error)
}

// DeviceTokenRepository reads push registrations.
type DeviceTokenRepository interface {
	// ListByUser returns every device registered for a user.
	ListByUser(ctx context.Context, userID string) ([]domain.DeviceToken, error)

	// Delete removes a registration the push provider reported as stale.
	Delete(ctx context.Context, userID, token string) error
}
