package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		name VARCHAR(100) NOT NULL,
		user_type VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id SERIAL PRIMARY KEY,
		name VARCHAR(50) NOT NULL UNIQUE,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id VARCHAR(50) PRIMARY KEY,
		description TEXT NOT NULL,
		category VARCHAR(50) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id INT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id VARCHAR(50) NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		UNIQUE (role_id, permission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		UNIQUE (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token VARCHAR(512) NOT NULL UNIQUE,
		ip_address VARCHAR(45) NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_user_ip_idx ON refresh_tokens (user_id, ip_address)`,
}

// Migrate applies the schema statements in order. Statements are
// idempotent so re-running on startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
