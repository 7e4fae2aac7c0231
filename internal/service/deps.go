package service

import (
	"context"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/queue"
)

// PresenceRegistry is the part of the driver registry the services use.
type PresenceRegistry interface {
	UpsertPresence(ctx context.Context, p domain.DriverPresence) error
	RemovePresence(ctx context.Context, driverID string) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	FindNearby(ctx context.Context, origin domain.Coordinates, radiusKm float64, limit int) ([]geo.Candidate, error)
	GetPresence(ctx context.Context, driverID string) (*domain.DriverPresence, error)
	Ping(ctx context.Context) error
}

// JobEnqueuer submits background work.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.Options) (string, error)
}

// CustomerDirectory resolves the profile shown to drivers.
type CustomerDirectory interface {
	GetCustomerSummary(ctx context.Context, customerID string) (*domain.CustomerSummary, error)
}

// Notifier delivers out-of-band notifications.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, channel Channel, template string, data map[string]string) error
}

var (
	_ PresenceRegistry  = (*geo.Registry)(nil)
	_ JobEnqueuer       = (*queue.Queue)(nil)
	_ CustomerDirectory = (*CustomerService)(nil)
	_ Notifier          = (*NotificationService)(nil)
)
