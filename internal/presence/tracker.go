package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a board's online set survives without announcements.
const DefaultTTL = 10 * time.Minute

var (
	// ErrInvalidBoard indicates an empty board id.
	ErrInvalidBoard = errors.New("presence: board id required")
	// ErrInvalidUser indicates an empty user id.
	ErrInvalidUser = errors.New("presence: user id required")
	// ErrStoreUnavailable wraps failures of the backing store.
	ErrStoreUnavailable = errors.New("presence: store unavailable")
)

// Tracker counts online users per board. Counts are approximate: users are
// never removed individually and the whole set expires after the TTL.
type Tracker interface {
	Announce(ctx context.Context, boardID, userID string) error
	Count(ctx context.Context, boardID string) (int, error)
}

func validate(boardID, userID string) error {
	if strings.TrimSpace(boardID) == "" {
		return ErrInvalidBoard
	}
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	return nil
}

func boardKey(boardID string) string {
	return "presence:board:" + boardID
}

type onlineSet struct {
	users     map[string]struct{}
	expiresAt time.Time
}

// MemoryTracker keeps presence sets in process memory.
type MemoryTracker struct {
	mu     sync.Mutex
	boards map[string]*onlineSet
	ttl    time.Duration
	clock  func() time.Time
}

// NewMemoryTracker constructs a tracker. Zero ttl and nil clock take defaults.
func NewMemoryTracker(ttl time.Duration, clock func() time.Time) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryTracker{
		boards: make(map[string]*onlineSet),
		ttl:    ttl,
		clock:  clock,
	}
}

// Announce adds userID to the board's set and refreshes the set TTL.
func (tracker *MemoryTracker) Announce(_ context.Context, boardID, userID string) error {
	if err := validate(boardID, userID); err != nil {
		return err
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	now := tracker.clock()
	set := tracker.liveLocked(boardID, now)
	if set == nil {
		set = &onlineSet{users: make(map[string]struct{})}
		tracker.boards[boardID] = set
	}
	set.users[userID] = struct{}{}
	set.expiresAt = now.Add(tracker.ttl)
	return nil
}

// Count returns the size of the board's set, or zero once it expired.
func (tracker *MemoryTracker) Count(_ context.Context, boardID string) (int, error) {
	if strings.TrimSpace(boardID) == "" {
		return 0, ErrInvalidBoard
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	set := tracker.liveLocked(boardID, tracker.clock())
	if set == nil {
		return 0, nil
	}
	return len(set.users), nil
}

func (tracker *MemoryTracker) liveLocked(boardID string, now time.Time) *onlineSet {
	set, ok := tracker.boards[boardID]
	if !ok {
		return nil
	}
	if !now.Before(set.expiresAt) {
		delete(tracker.boards, boardID)
		return nil
	}
	return set
}

// RedisTracker keeps presence sets as Redis sets with a key expiry.
type RedisTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisTracker wraps an existing client. Zero ttl takes the default.
func NewRedisTracker(client redis.UniversalClient, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

// Announce adds userID and refreshes the expiry in one transaction.
func (tracker *RedisTracker) Announce(ctx context.Context, boardID, userID string) error {
	if err := validate(boardID, userID); err != nil {
		return err
	}
	key := boardKey(boardID)
	_, err := tracker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, tracker.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: announce %s: %v", ErrStoreUnavailable, boardID, err)
	}
	return nil
}

// Count returns the cardinality of the board's set.
func (tracker *RedisTracker) Count(ctx context.Context, boardID string) (int, error) {
	if strings.TrimSpace(boardID) == "" {
		return 0, ErrInvalidBoard
	}
	count, err := tracker.client.SCard(ctx, boardKey(boardID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrStoreUnavailable, boardID, err)
	}
	return int(count), nil
}
