package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStoreUnavailable wraps failures of the backing lease store.
	ErrStoreUnavailable = errors.New("locks: lease store unavailable")
	// ErrInvalidTTL rejects lease durations shorter than one millisecond,
	// the resolution of the Redis PX expiry.
	ErrInvalidTTL = errors.New("locks: lease ttl must be at least 1ms")
)

func validateTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
	}
	return nil
}

// Store holds lease records. Every operation is atomic per resource.
type Store interface {
	// TryAcquire grants the lease to ownerID when the resource is free or
	// already held by ownerID, refreshing the TTL in both cases.
	TryAcquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error)
	// Release removes the lease when held by ownerID. It reports true when
	// the lease was removed or absent, false when another owner holds it.
	Release(ctx context.Context, resourceID, ownerID string) (bool, error)
	// CurrentOwner returns the live holder of the lease, if any.
	CurrentOwner(ctx context.Context, resourceID string) (string, bool, error)
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps leases in process memory. Expired leases are treated as
// absent and removed lazily.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		leases: make(map[string]lease),
		clock:  clock,
	}
}

// TryAcquire implements Store.
func (store *MemoryStore) TryAcquire(_ context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.clock()
	if current, ok := store.liveLocked(resourceID, now); ok && current.owner != ownerID {
		return false, nil
	}
	store.leases[resourceID] = lease{owner: ownerID, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Store.
func (store *MemoryStore) Release(_ context.Context, resourceID, ownerID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	current, ok := store.liveLocked(resourceID, store.clock())
	if !ok {
		return true, nil
	}
	if current.owner != ownerID {
		return false, nil
	}
	delete(store.leases, resourceID)
	return true, nil
}

// CurrentOwner implements Store.
func (store *MemoryStore) CurrentOwner(_ context.Context, resourceID string) (string, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	current, ok := store.liveLocked(resourceID, store.clock())
	if !ok {
		return "", false, nil
	}
	return current.owner, true, nil
}

func (store *MemoryStore) liveLocked(resourceID string, now time.Time) (lease, bool) {
	current, ok := store.leases[resourceID]
	if !ok {
		return lease{}, false
	}
	if !now.Before(current.expiresAt) {
		delete(store.leases, resourceID)
		return lease{}, false
	}
	return current, true
}
