package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelrns/whiteboard-zones/internal/metrics"
)

// DefaultTTL bounds how long a lease survives without re-acquisition.
const DefaultTTL = 120 * time.Second

const (
	// KindObject namespaces leases on canvas objects.
	KindObject = "object"
	// KindZone namespaces leases on zones.
	KindZone = "zone"
)

var (
	// ErrInvalidResource indicates a resource id outside the object/zone namespaces.
	ErrInvalidResource = errors.New("locks: invalid resource id")
	// ErrInvalidOwner indicates an empty owner id.
	ErrInvalidOwner = errors.New("locks: owner id required")
)

// ObjectResource returns the lease id of a canvas object.
func ObjectResource(objectID string) string {
	return KindObject + ":" + objectID
}

// ZoneResource returns the lease id of a zone.
func ZoneResource(zoneID string) string {
	return KindZone + ":" + zoneID
}

// Resource builds the lease id for kind and id, validating both.
func Resource(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidResource)
	}
	switch kind {
	case KindObject:
		return ObjectResource(id), nil
	case KindZone:
		return ZoneResource(id), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, kind)
	}
}

func resourceKind(resourceID string) (string, error) {
	kind, id, found := strings.Cut(resourceID, ":")
	if !found || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, resourceID)
	}
	if kind != KindObject && kind != KindZone {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, resourceID)
	}
	return kind, nil
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store   Store
	TTL     time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Collectors
}

// Service arbitrates exclusive edits of objects and zones.
type Service struct {
	store   Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Collectors
}

// NewService constructs a Service. A nil store defaults to a MemoryStore.
func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(nil)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// TTL returns the lease duration granted on acquisition.
func (service *Service) TTL() time.Duration {
	return service.ttl
}

// TryAcquire attempts to take or refresh the lease on resourceID for ownerID.
// Contention is reported as false, never as an error.
func (service *Service) TryAcquire(ctx context.Context, resourceID, ownerID string) (bool, error) {
	kind, err := validate(resourceID, ownerID)
	if err != nil {
		return false, err
	}
	acquired, err := service.store.TryAcquire(ctx, resourceID, ownerID, service.ttl)
	if err != nil {
		service.logger.Error("lease acquire failed",
			zap.String("resource_id", resourceID),
			zap.String("owner_id", ownerID),
			zap.Error(err))
		return false, err
	}
	service.metrics.LockAttempt(kind, acquired)
	service.logger.Debug("lease acquire",
		zap.String("resource_id", resourceID),
		zap.String("owner_id", ownerID),
		zap.Bool("acquired", acquired))
	return acquired, nil
}

// Release drops the lease held by ownerID. It reports true when the lease is
// gone afterwards and false when someone else still holds it.
func (service *Service) Release(ctx context.Context, resourceID, ownerID string) (bool, error) {
	if _, err := validate(resourceID, ownerID); err != nil {
		return false, err
	}
	released, err := service.store.Release(ctx, resourceID, ownerID)
	if err != nil {
		service.logger.Error("lease release failed",
			zap.String("resource_id", resourceID),
			zap.String("owner_id", ownerID),
			zap.Error(err))
		return false, err
	}
	service.logger.Debug("lease release",
		zap.String("resource_id", resourceID),
		zap.String("owner_id", ownerID),
		zap.Bool("released", released))
	return released, nil
}

// Owner returns the current holder of resourceID.
func (service *Service) Owner(ctx context.Context, resourceID string) (string, bool, error) {
	if _, err := resourceKind(resourceID); err != nil {
		return "", false, err
	}
	return service.store.CurrentOwner(ctx, resourceID)
}

func validate(resourceID, ownerID string) (string, error) {
	kind, err := resourceKind(resourceID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ownerID) == "" {
		return "", ErrInvalidOwner
	}
	return kind, nil
}
