// Package service composes the password hasher, permission resolver,
// token issuer and refresh ledger into the register / login / refresh
// / logout flows. It returns sentinel errors only; HTTP mapping lives
// at the boundary.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"campus/identity/internal/auth"
	"campus/identity/internal/config"
	"campus/identity/internal/crypto"
	"campus/identity/internal/model"
	"campus/identity/internal/rbac"
	"campus/identity/internal/repository"
)

var (
	ErrInvalidUserType = errors.New("invalid user type")
	ErrEmailTaken      = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown email and wrong
	// password so responses cannot be used to enumerate accounts.
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrForbidden           = errors.New("forbidden")
)

// Store is the slice of the repository the auth flows depend on.
type Store interface {
	rbac.Graph

	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	CreateUserWithRole(ctx context.Context, user model.User, roleID int) error

	CreateRefreshToken(ctx context.Context, token model.RefreshToken) error
	FindRefreshToken(ctx context.Context, token, userID, ip string) (model.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldToken, userID string, next model.RefreshToken) error
	DeleteRefreshToken(ctx context.Context, token, ip string) error
	DeleteRefreshTokensByUserAndIP(ctx context.Context, userID, ip string) error

	ReplaceRolePermissions(ctx context.Context, roleID int, permissionIDs []string) error
}

type Auth struct {
	cfg      config.Config
	store    Store
	resolver *rbac.Resolver
}

func NewAuth(cfg config.Config, store Store) *Auth {
	return &Auth{cfg: cfg, store: store, resolver: rbac.NewResolver(store)}
}

// Resolver exposes the fresh contextual-check path for route guards.
func (a *Auth) Resolver() *rbac.Resolver {
	return a.resolver
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
	UserType string
}

// selfRegistrable lists the user types accepted by open registration.
// super_admin accounts exist only through seeding.
var selfRegistrable = map[string]bool{
	model.UserTypeStudent: true,
	model.UserTypeTeacher: true,
	model.UserTypeParent:  true,
	model.UserTypeAdmin:   true,
}

// Register hashes the password before any write, then inserts the user
// row and its default role edge in one transaction.
func (a *Auth) Register(ctx context.Context, input RegisterInput) (model.User, error) {
	if !selfRegistrable[input.UserType] {
		return model.User{}, ErrInvalidUserType
	}

	_, err := a.store.GetUserByEmail(ctx, input.Email)
	if err == nil {
		return model.User{}, ErrEmailTaken
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.User{}, err
	}

	hash, err := crypto.HashPassword(input.Password, a.cfg.BcryptCost)
	if err != nil {
		return model.User{}, err
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        input.Email,
		PasswordHash: hash,
		Name:         input.Name,
		UserType:     input.UserType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUserWithRole(ctx, user, model.DefaultRoleID(input.UserType)); err != nil {
		return model.User{}, err
	}

	user.PasswordHash = ""
	return user, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type LoginResult struct {
	User model.User
	TokenPair
}

// Login verifies credentials, resolves the permission snapshot, clears
// any prior refresh session for this (user, IP) pair and issues a new
// token pair. Password verification happens before any write.
func (a *Auth) Login(ctx context.Context, email, password, ip string) (LoginResult, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	grant, err := a.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	if err := a.store.DeleteRefreshTokensByUserAndIP(ctx, user.ID, ip); err != nil {
		return LoginResult{}, err
	}

	pair, record, err := a.mintTokens(user, grant.Permissions, ip)
	if err != nil {
		return LoginResult{}, err
	}
	if err := a.store.CreateRefreshToken(ctx, record); err != nil {
		return LoginResult{}, err
	}

	user.PasswordHash = ""
	return LoginResult{User: user, TokenPair: pair}, nil
}

// Refresh rotates a refresh token: verify signature and expiry, match
// the ledger row on (token, user, IP), re-resolve permissions fresh,
// then atomically consume the old row and insert the new one. Rotation
// is one-shot; presenting a consumed token fails.
func (a *Auth) Refresh(ctx context.Context, refreshToken, ip string) (TokenPair, error) {
	claims, err := auth.ParseRefreshToken(a.cfg.JWTRefreshSecret, refreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return TokenPair{}, ErrRefreshTokenExpired
		}
		return TokenPair{}, ErrInvalidRefreshToken
	}

	record, err := a.store.FindRefreshToken(ctx, refreshToken, claims.UserID, ip)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, err
	}
	if record.ExpiresAt.Before(time.Now().UTC()) {
		return TokenPair{}, ErrRefreshTokenExpired
	}

	user, err := a.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, err
	}

	// Fresh resolution picks up role changes since last issuance.
	grant, err := a.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}

	pair, next, err := a.mintTokens(user, grant.Permissions, ip)
	if err != nil {
		return TokenPair{}, err
	}
	if err := a.store.RotateRefreshToken(ctx, refreshToken, user.ID, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost the rotation race to a concurrent refresh.
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, err
	}

	return pair, nil
}

// Logout deletes the ledger row matching (token, IP). Matching does
// not verify the refresh signature or token ownership; best-effort
// idempotent cleanup, deleting nothing is still success.
func (a *Auth) Logout(ctx context.Context, refreshToken, ip string) error {
	return a.store.DeleteRefreshToken(ctx, refreshToken, ip)
}

// UpdateRolePermissions rewrites a role's permission set. The actor is
// checked through the fresh contextual path, never the token snapshot:
// privilege narrowing on role management must not wait out a token
// TTL.
func (a *Auth) UpdateRolePermissions(ctx context.Context, actorID string, roleID int, permissionIDs []string) error {
	ok, err := a.resolver.HasContextualPermission(ctx, actorID, "role:update", "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return a.store.ReplaceRolePermissions(ctx, roleID, permissionIDs)
}

func (a *Auth) mintTokens(user model.User, permissions []string, ip string) (TokenPair, model.RefreshToken, error) {
	accessToken, err := auth.NewAccessToken(a.cfg.JWTAccessSecret, a.cfg.JWTIssuer, a.cfg.AccessTokenTTL, auth.AccessClaims{
		UserID:      user.ID,
		Permissions: permissions,
		UserType:    user.UserType,
	})
	if err != nil {
		return TokenPair{}, model.RefreshToken{}, err
	}

	refreshToken, err := auth.NewRefreshToken(a.cfg.JWTRefreshSecret, a.cfg.JWTIssuer, a.cfg.RefreshTokenTTL, user.ID)
	if err != nil {
		return TokenPair{}, model.RefreshToken{}, err
	}

	now := time.Now().UTC()
	record := model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     refreshToken,
		IPAddress: ip,
		ExpiresAt: now.Add(a.cfg.RefreshTokenTTL),
		CreatedAt: now,
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, record, nil
}
