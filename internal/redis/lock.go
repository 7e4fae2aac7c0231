package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore hands out named, owner-tagged leases so a periodic runner works
// on one replica at a time.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

// AcquireLease attempts to take the named lease for owner.
// Returns true if the lease was acquired, false if another owner holds it.
func (s *LockStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:runner:%s", name)

	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

// ReleaseLease releases the named lease if owner still holds it.
func (s *LockStore) ReleaseLease(ctx context.Context, name, owner string) error {
	key := fmt.Sprintf("lock:runner:%s", name)

	return releaseScript.Run(ctx, s.client, []string{key}, owner).Err()
}
