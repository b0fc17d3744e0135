package model

import "time"

// PermissionWildcard is the reserved permission id meaning "all
// permissions granted"; it short-circuits every specific check.
const PermissionWildcard = "*:*"

const (
	UserTypeSuperAdmin = "super_admin"
	UserTypeAdmin      = "admin"
	UserTypeTeacher    = "teacher"
	UserTypeStudent    = "student"
	UserTypeParent     = "parent"
)

// Seed role IDs. Stable across environments so user-type defaults can
// reference them directly.
const (
	RoleSuperAdmin = 1
	RoleAdmin      = 2
	RoleTeacher    = 3
	RoleStudent    = 4
	RoleParent     = 5
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	UserType     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Role struct {
	ID          int
	Name        string
	Description string
}

type Permission struct {
	ID          string
	Description string
	Category    string
}

type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	IPAddress string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// DefaultRoleID maps a user type to its seed role. Unknown types fall
// back to the student role, mirroring registration defaults.
func DefaultRoleID(userType string) int {
	switch userType {
	case UserTypeSuperAdmin:
		return RoleSuperAdmin
	case UserTypeAdmin:
		return RoleAdmin
	case UserTypeTeacher:
		return RoleTeacher
	case UserTypeParent:
		return RoleParent
	default:
		return RoleStudent
	}
}
