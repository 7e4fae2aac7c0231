package service

import (
	"context"
	"errors"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// CustomerService resolves customer summaries, cache first.
type CustomerService struct {
	cache redis.CustomerCacheInterface
	repo  repository.CustomerRepository
	log   logger.ILogger
}

// NewCustomerService creates a new CustomerService. cache may be nil.
func NewCustomerService(cache redis.CustomerCacheInterface, repo repository.CustomerRepository, log logger.ILogger) *CustomerService {
	return &CustomerService{
		cache: cache,
		repo:  repo,
		log:   log,
	}
}

// GetCustomerSummary returns the public profile of a customer.
// Cache failures fall through to the database.
func (s *CustomerService) GetCustomerSummary(ctx context.Context, customerID string) (*domain.CustomerSummary, error) {
	if customerID == "" {
		return nil, ErrInvalidCustomerID
	}

	if s.cache != nil {
		cached, err := s.cache.GetCustomer(ctx, customerID)
		if err != nil {
			s.log.Warning("customer cache read failed", logger.String("customer_id", customerID), logger.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	summary, err := s.repo.GetSummary(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, unavailable("get customer summary", err)
	}

	if s.cache != nil {
		if err := s.cache.SetCustomer(ctx, summary); err != nil {
			s.log.Warning("customer cache write failed", logger.String("customer_id", customerID), logger.Error(err))
		}
	}
	return summary, nil
}

// GetCustomerSummaries resolves several customers at once. Unknown ids are omitted.
func (s *CustomerService) GetCustomerSummaries(ctx context.Context, customerIDs []string) (map[string]*domain.CustomerSummary, error) {
	result := make(map[string]*domain.CustomerSummary, len(customerIDs))
	missing := customerIDs

	if s.cache != nil && len(customerIDs) > 0 {
		hits, miss, err := s.cache.GetCustomersBatch(ctx, customerIDs)
		if err != nil {
			s.log.Warning("customer cache batch read failed", logger.Error(err))
		} else {
			result = hits
			missing = miss
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := s.repo.GetSummaries(ctx, missing)
	if err != nil {
		return nil, unavailable("get customer summaries", err)
	}
	for _, summary := range loaded {
		result[summary.ID] = summary
		if s.cache != nil {
			if err := s.cache.SetCustomer(ctx, summary); err != nil {
				s.log.Warning("customer cache write failed", logger.String("customer_id", summary.ID), logger.Error(err))
			}
		}
	}
	return result, nil
}
