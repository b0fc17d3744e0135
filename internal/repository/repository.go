package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campus/identity/internal/model"
)

// ErrNotFound is returned when a lookup matches no row. pgx.ErrNoRows
// never escapes this package.
var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, name, user_type, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.UserType,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, name, user_type, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.UserType,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return user, err
}

// CreateUserWithRole inserts the user row and its default role edge in
// one transaction. A user without a role edge is an invariant
// violation, so partial application is never committed.
func (s *Store) CreateUserWithRole(ctx context.Context, user model.User, roleID int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, name, user_type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, user.ID, user.Email, user.PasswordHash, user.Name, user.UserType, user.CreatedAt, user.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		`, user.ID, roleID)
		return err
	})
}

type UserUpdate struct {
	Name     *string
	UserType *string
}

func (s *Store) UpdateUser(ctx context.Context, userID string, update UserUpdate) (model.User, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET name = COALESCE($2, name),
		    user_type = COALESCE($3, user_type),
		    updated_at = now()
		WHERE id = $1
	`, userID, update.Name, update.UserType)
	if err != nil {
		return model.User{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.User{}, ErrNotFound
	}
	return s.GetUserByID(ctx, userID)
}

// DeleteUser removes the user plus its role edges and refresh tokens
// in one transaction. The schema also cascades; the explicit deletes
// keep the unit of work self-describing.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type UserWithRoles struct {
	User  model.User
	Roles []model.Role
}

// ListUsersWithRoles limits the user rows before joining roles, so a
// user holding several roles still occupies one slot of the limit.
func (s *Store) ListUsersWithRoles(ctx context.Context, limit int) ([]UserWithRoles, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.email, u.name, u.user_type, u.created_at, u.updated_at,
		       r.id, r.name
		FROM (
			SELECT id, email, name, user_type, created_at, updated_at
			FROM users
			ORDER BY created_at, id
			LIMIT $1
		) u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles r ON r.id = ur.role_id
		ORDER BY u.created_at, u.id
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]int{}
	result := []UserWithRoles{}
	for rows.Next() {
		var user model.User
		var roleID *int
		var roleName *string
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.UserType,
			&user.CreatedAt, &user.UpdatedAt, &roleID, &roleName); err != nil {
			return nil, err
		}
		index, ok := byID[user.ID]
		if !ok {
			index = len(result)
			byID[user.ID] = index
			result = append(result, UserWithRoles{User: user, Roles: []model.Role{}})
		}
		if roleID != nil {
			result[index].Roles = append(result[index].Roles, model.Role{ID: *roleID, Name: *roleName})
		}
	}
	return result, rows.Err()
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]model.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, COALESCE(r.description, '')
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []model.Role{}
	for rows.Next() {
		var role model.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, userID string, roleID int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleID)
	return err
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (model.Role, error) {
	role := model.Role{Name: name, Description: description}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id
	`, name, description).Scan(&role.ID)
	return role, err
}

func (s *Store) GetRole(ctx context.Context, roleID int) (model.Role, error) {
	var role model.Role
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, '') FROM roles WHERE id = $1
	`, roleID).Scan(&role.ID, &role.Name, &role.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Role{}, ErrNotFound
	}
	return role, err
}

func (s *Store) ListRoles(ctx context.Context) ([]model.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(description, '') FROM roles ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []model.Role{}
	for rows.Next() {
		var role model.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, roleID int, name, description string) (model.Role, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3 WHERE id = $1
	`, roleID, name, description)
	if err != nil {
		return model.Role{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.Role{}, ErrNotFound
	}
	return model.Role{ID: roleID, Name: name, Description: description}, nil
}

// DeleteRole removes the role's permission edges, its user
// assignments, and the role itself in one transaction.
func (s *Store) DeleteRole(ctx context.Context, roleID int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) ListPermissions(ctx context.Context) ([]model.Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, description, category FROM permissions ORDER BY category, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	permissions := []model.Permission{}
	for rows.Next() {
		var perm model.Permission
		if err := rows.Scan(&perm.ID, &perm.Description, &perm.Category); err != nil {
			return nil, err
		}
		permissions = append(permissions, perm)
	}
	return permissions, rows.Err()
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID int) ([]model.Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.description, p.category
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	permissions := []model.Permission{}
	for rows.Next() {
		var perm model.Permission
		if err := rows.Scan(&perm.ID, &perm.Description, &perm.Category); err != nil {
			return nil, err
		}
		permissions = append(permissions, perm)
	}
	return permissions, rows.Err()
}

// ReplaceRolePermissions rewrites a role's permission set atomically:
// clear existing edges, insert the new ones.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int, permissionIDs []string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
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
		return nil
	})
}

// ListUserRoleIDs and ListRolePermissionIDs form the role/permission
// graph walk used by permission resolution.

func (s *Store) ListUserRoleIDs(ctx context.Context, userID string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roleIDs := []int{}
	for rows.Next() {
		var roleID int
		if err := rows.Scan(&roleID); err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, roleID)
	}
	return roleIDs, rows.Err()
}

func (s *Store) ListRolePermissionIDs(ctx context.Context, roleIDs []int) ([]string, error) {
	if len(roleIDs) == 0 {
		return []string{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT permission_id FROM role_permissions WHERE role_id = ANY($1) ORDER BY permission_id
	`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	permissionIDs := []string{}
	for rows.Next() {
		var permissionID string
		if err := rows.Scan(&permissionID); err != nil {
			return nil, err
		}
		permissionIDs = append(permissionIDs, permissionID)
	}
	return permissionIDs, rows.Err()
}

func (s *Store) CreateRefreshToken(ctx context.Context, token model.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, token.Token, token.IPAddress, token.ExpiresAt, token.CreatedAt)
	return err
}

// FindRefreshToken requires an exact match on token value, user and
// origin IP. Presence alone is not sufficient; the IP pinning binds a
// stolen token to the network it was issued on.
func (s *Store) FindRefreshToken(ctx context.Context, token, userID, ip string) (model.RefreshToken, error) {
	var record model.RefreshToken
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token, ip_address, expires_at, created_at
		FROM refresh_tokens
		WHERE token = $1 AND user_id = $2 AND ip_address = $3
	`, token, userID, ip)
	err := row.Scan(&record.ID, &record.UserID, &record.Token, &record.IPAddress,
		&record.ExpiresAt, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RefreshToken{}, ErrNotFound
	}
	return record, err
}

// RotateRefreshToken consumes the old token row and inserts the new
// one in a single transaction. Concurrent rotations presenting the
// same token race on the delete rowcount; exactly one wins and the
// loser gets ErrNotFound.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken, userID string, next model.RefreshToken) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM refresh_tokens WHERE token = $1 AND user_id = $2
		`, oldToken, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO refresh_tokens (id, user_id, token, ip_address, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, next.ID, next.UserID, next.Token, next.IPAddress, next.ExpiresAt, next.CreatedAt)
		return err
	})
}

// DeleteRefreshToken is the logout path: best-effort, idempotent, and
// matched on (token, ip) only.
func (s *Store) DeleteRefreshToken(ctx context.Context, token, ip string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE token = $1 AND ip_address = $2
	`, token, ip)
	return err
}

// DeleteRefreshTokensByUserAndIP enforces at most one active refresh
// session per (user, IP): login clears prior sessions before issuing.
func (s *Store) DeleteRefreshTokensByUserAndIP(ctx context.Context, userID, ip string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1 AND ip_address = $2
	`, userID, ip)
	return err
}
