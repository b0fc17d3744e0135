package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campus/identity/internal/crypto"
	"campus/identity/internal/model"
)

// SeedPermissions is the full permission catalogue. Static data; the
// running system never mutates it.
var SeedPermissions = []model.Permission{
	{ID: model.PermissionWildcard, Description: "Wildcard permission (allows all actions)", Category: "System"},

	{ID: "user:create", Description: "Create new users", Category: "User Management"},
	{ID: "user:read", Description: "View user information", Category: "User Management"},
	{ID: "user:update:type", Description: "Modify user type (e.g., student, teacher)", Category: "User Management"},
	{ID: "user:update", Description: "Modify user data", Category: "User Management"},
	{ID: "user:delete", Description: "Delete users", Category: "User Management"},

	{ID: "role:assign", Description: "Assign roles to users", Category: "Role Management"},
	{ID: "role:update", Description: "Modify role permissions", Category: "Role Management"},
	{ID: "role:manage", Description: "Manage roles and permission catalogue", Category: "Role Management"},

	{ID: "course:create", Description: "Create new courses", Category: "Academic"},
	{ID: "course:update", Description: "Modify course details", Category: "Academic"},
	{ID: "course:delete", Description: "Delete courses", Category: "Academic"},

	{ID: "grade:view", Description: "View grades", Category: "Academic"},
	{ID: "grade:view:own", Description: "View own grades", Category: "Academic"},
	{ID: "grade:view:child", Description: "View child grades", Category: "Academic"},

	{ID: "content:create", Description: "Create content", Category: "Academic"},
	{ID: "content:read", Description: "View content", Category: "Academic"},
	{ID: "assignment:submit", Description: "Submit assignments", Category: "Academic"},
	{ID: "attendance:view:own", Description: "View own attendance", Category: "Academic"},
	{ID: "attendance:view:child", Description: "View child's attendance", Category: "Academic"},
}

var SeedRoles = []model.Role{
	{ID: model.RoleSuperAdmin, Name: "super_admin", Description: "Full system access"},
	{ID: model.RoleAdmin, Name: "admin", Description: "Administrative access"},
	{ID: model.RoleTeacher, Name: "teacher", Description: "Teacher access"},
	{ID: model.RoleStudent, Name: "student", Description: "Student access"},
	{ID: model.RoleParent, Name: "parent", Description: "Parent access"},
}

// SeedRolePermissions maps each seed role to its granted permission
// ids. The super admin holds only the wildcard.
var SeedRolePermissions = map[int][]string{
	model.RoleSuperAdmin: {model.PermissionWildcard},
	model.RoleAdmin: {
		"user:create", "user:read", "user:update", "user:update:type",
		"user:delete", "role:assign", "course:create", "course:update",
		"course:delete", "grade:view", "content:create",
	},
	model.RoleTeacher: {
		"course:create", "course:update", "content:create",
		"content:read", "grade:view", "assignment:submit",
	},
	model.RoleStudent: {
		"content:read", "grade:view:own", "assignment:submit",
		"attendance:view:own",
	},
	model.RoleParent: {"grade:view:child", "attendance:view:child"},
}

const superAdminEmail = "superadmin@example.com"

// Seed upserts the permission catalogue and seed roles, resets each
// seed role's permission set, and creates the initial super admin if
// absent. The role-permission rewrite and the super-admin creation
// each run in their own transaction.
func Seed(ctx context.Context, pool *pgxpool.Pool, bcryptCost int, superAdminPassword string) error {
	for _, perm := range SeedPermissions {
		_, err := pool.Exec(ctx, `
			INSERT INTO permissions (id, description, category)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description,
			                               category = EXCLUDED.category
		`, perm.ID, perm.Description, perm.Category)
		if err != nil {
			return err
		}
	}

	for _, role := range SeedRoles {
		_, err := pool.Exec(ctx, `
			INSERT INTO roles (id, name, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description
		`, role.ID, role.Name, role.Description)
		if err != nil {
			return err
		}
	}

	// Explicit-id inserts do not advance the serial sequence, so an
	// id-less role insert would draw ids already taken by seed rows.
	if _, err := pool.Exec(ctx, `
		SELECT setval(pg_get_serial_sequence('roles', 'id'), (SELECT MAX(id) FROM roles))
	`); err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for roleID, permissionIDs := range SeedRolePermissions {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, permissionID := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
			`, roleID, permissionID); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	return seedSuperAdmin(ctx, pool, bcryptCost, superAdminPassword)
}

func seedSuperAdmin(ctx context.Context, pool *pgxpool.Pool, bcryptCost int, password string) error {
	var exists bool
	if err := pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)
	`, superAdminEmail).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	hash, err := crypto.HashPassword(password, bcryptCost)
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	userID := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, name, user_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, userID, superAdminEmail, hash, "Super Admin", model.UserTypeSuperAdmin, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
	`, userID, model.RoleSuperAdmin); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
