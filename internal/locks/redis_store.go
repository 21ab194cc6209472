package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

var acquireScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if owner == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  return 1
end
if owner == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisStore keeps leases as Redis keys with a PX expiry, shared by every
// process pointing at the same server.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// TryAcquire implements Store.
func (store *RedisStore) TryAcquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	result, err := acquireScript.Run(ctx, store.client, []string{keyPrefix + resourceID}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return result == 1, nil
}

// Release implements Store.
func (store *RedisStore) Release(ctx context.Context, resourceID, ownerID string) (bool, error) {
	result, err := releaseScript.Run(ctx, store.client, []string{keyPrefix + resourceID}, ownerID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return result == 1, nil
}

// CurrentOwner implements Store.
func (store *RedisStore) CurrentOwner(ctx context.Context, resourceID string) (string, bool, error) {
	owner, err := store.client.Get(ctx, keyPrefix+resourceID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: owner %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return owner, true, nil
}
