package models

import (
	"fmt"
	"strings"
	"time"
)

// UserRole represents the role granted to an authenticated user
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleStandard UserRole = "standard"
)

// ParseUserRole converts a raw role string into a known role
func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleStandard:
		return RoleStandard, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// User is an account allowed to log in. Users are soft-disabled, never deleted.
type User struct {
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         UserRole   `json:"role" db:"role"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty" db:"disabled_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new User instance
func NewUser(email, passwordHash string, role UserRole) *User {
	now := time.Now().UTC()
	return &User{
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsAdmin returns true if the user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsDisabled reports whether the account was soft-disabled
func (u *User) IsDisabled() bool {
	return u.DisabledAt != nil
}

// NormalizeEmail lower-cases and trims an email so identity comparisons are exact
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
