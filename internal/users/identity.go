package users

import (
	"strings"
	"time"
)

// Role is a board-level permission tier.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// DefaultRole is granted to identities that carry no recognised role.
const DefaultRole = RoleEditor

// ParseRole returns the role named by raw, if it is one.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(normalize(raw))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleEditor:
		return RoleEditor, true
	case RoleReviewer:
		return RoleReviewer, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return "", false
	}
}

// CanEdit reports whether the role may change board content.
func (role Role) CanEdit() bool {
	return role != RoleViewer
}

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Role        Role      `gorm:"column:user_role;size:32"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the resolved view of an authenticated connection.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// normalize value helper used across the directory implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
