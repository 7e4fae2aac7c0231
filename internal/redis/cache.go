package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
)

// CustomerCacheTTL bounds how stale a cached profile shown to drivers may be.
const CustomerCacheTTL = 10 * time.Minute

const customerCachePrefix = "cache:customer:"

// CacheStore caches customer summaries attached to offers.
type CacheStore struct {
	client *redis.Client
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// GetCustomer retrieves a customer summary from cache.
func (s *CacheStore) GetCustomer(ctx context.Context, customerID string) (*domain.CustomerSummary, error) {
	data, err := s.client.Get(ctx, customerCachePrefix+customerID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var summary domain.CustomerSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// SetCustomer stores a customer summary in cache.
func (s *CacheStore) SetCustomer(ctx context.Context, summary *domain.CustomerSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, customerCachePrefix+summary.ID, data, CustomerCacheTTL).Err()
}

// GetCustomersBatch retrieves several summaries in one pipeline.
// Returns the hits and the ids that must be loaded from storage.
func (s *CacheStore) GetCustomersBatch(ctx context.Context, customerIDs []string) (map[string]*domain.CustomerSummary, []string, error) {
	result := make(map[string]*domain.CustomerSummary, len(customerIDs))
	if len(customerIDs) == 0 {
		return result, nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(customerIDs))
	for _, id := range customerIDs {
		cmds[id] = pipe.Get(ctx, customerCachePrefix+id)
	}
	// Per-key misses surface on the individual commands.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	var missing []string
	for id, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			missing = append(missing, id)
			continue
		}
		var summary domain.CustomerSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			missing = append(missing, id)
			continue
		}
		result[id] = &summary
	}
	return result, missing, nil
}
