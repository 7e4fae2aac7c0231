package redis

import (
	"context"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/queue"
)

// OfferStoreInterface defines the interface for incoming offer storage.
type OfferStoreInterface interface {
	Create(ctx context.Context, offers []domain.IncomingOffer) error
	Get(ctx context.Context, driverID, tripID string) (*domain.IncomingOffer, error)
	ListByDriver(ctx context.Context, driverID string) ([]domain.IncomingOffer, error)
	ListDrivers(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, driverID, tripID string) error
	DeleteForTrip(ctx context.Context, tripID string) ([]string, error)
	CountForTrip(ctx context.Context, tripID string) (int64, error)
}

// LockStoreInterface defines the interface for runner leases.
type LockStoreInterface interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// CustomerCacheInterface defines the interface for customer summary caching.
type CustomerCacheInterface interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.CustomerSummary, error)
	SetCustomer(ctx context.Context, summary *domain.CustomerSummary) error
	GetCustomersBatch(ctx context.Context, customerIDs []string) (map[string]*domain.CustomerSummary, []string, error)
}

// Ensure concrete types implement interfaces.
var (
	_ geo.Backend            = (*PresenceStore)(nil)
	_ queue.Store            = (*QueueStore)(nil)
	_ OfferStoreInterface    = (*OfferStore)(nil)
	_ LockStoreInterface     = (*LockStore)(nil)
	_ CustomerCacheInterface = (*CacheStore)(nil)
)
