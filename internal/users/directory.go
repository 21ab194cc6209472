package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rafaelrns/whiteboard-zones/internal/auth"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries a stable op.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opDirectoryNew = "users.directory.new"
	opResolve      = "users.resolve"

	reasonMissingDatabase = "missing_database"
	reasonInvalidIdentity = "invalid_identity"
	reasonLookupFailed    = "lookup_failed"
	reasonCreateFailed    = "create_failed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DirectoryConfig describes the dependencies required for identity resolution.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory maps session claims to canonical user profiles.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewDirectory constructs the identity directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDirectoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the canonical profile for the provided session claims. It
// records a new identity the first time a provider+subject pair is seen.
// Roles carried by the claims take precedence over the stored role.
func (d *Directory) Resolve(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, newServiceError(opResolve, reasonInvalidIdentity, ErrInvalidIdentity)
	}
	claimedRole, hasClaimedRole := roleFromClaims(claims.UserRoles)

	cacheKey := provider + ":" + subject
	if cached, ok := d.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && (!hasClaimedRole || profile.Role == claimedRole) {
			return profile, nil
		}
	}

	var identity Identity
	err := d.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			Role:        DefaultRole,
			LastSeenAt:  d.now(),
		}
		if hasClaimedRole {
			identity.Role = claimedRole
		}
		if err := d.db.Create(&identity).Error; err != nil {
			return Profile{}, newServiceError(opResolve, reasonCreateFailed, err)
		}
	case err != nil:
		return Profile{}, newServiceError(opResolve, reasonLookupFailed, err)
	default:
		updates := map[string]interface{}{"last_seen_at": d.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if hasClaimedRole && claimedRole != identity.Role {
			updates["user_role"] = string(claimedRole)
			identity.Role = claimedRole
		}
		if err := d.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			d.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	profile := profileOf(identity)
	d.cache.Store(cacheKey, profile)
	return profile, nil
}

func profileOf(identity Identity) Profile {
	role := identity.Role
	if _, ok := ParseRole(string(role)); !ok {
		role = DefaultRole
	}
	displayName := identity.DisplayName
	if displayName == "" {
		displayName = identity.Email
	}
	if displayName == "" {
		displayName = identity.UserID
	}
	return Profile{UserID: identity.UserID, DisplayName: displayName, Role: role}
}

func roleFromClaims(roles []string) (Role, bool) {
	for _, raw := range roles {
		if role, ok := ParseRole(raw); ok {
			return role, true
		}
	}
	return "", false
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
