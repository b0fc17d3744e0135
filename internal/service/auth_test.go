package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"campus/identity/internal/auth"
	"campus/identity/internal/config"
	"campus/identity/internal/crypto"
	"campus/identity/internal/db"
	"campus/identity/internal/model"
	"campus/identity/internal/repository"
)

// memStore implements Store over maps, guarded by one mutex so the
// rotation race behaves like the database's row-level conflict.
type memStore struct {
	mu        sync.Mutex
	users     map[string]model.User
	byEmail   map[string]string
	userRoles map[string][]int
	rolePerms map[int][]string
	tokens    map[string]model.RefreshToken
}

func newMemStore() *memStore {
	rolePerms := map[int][]string{}
	for roleID, permissionIDs := range db.SeedRolePermissions {
		rolePerms[roleID] = append([]string{}, permissionIDs...)
	}
	return &memStore{
		users:     map[string]model.User{},
		byEmail:   map[string]string{},
		userRoles: map[string][]int{},
		rolePerms: rolePerms,
		tokens:    map[string]model.RefreshToken{},
	}
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.byEmail[email]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return m.users[userID], nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *memStore) CreateUserWithRole(_ context.Context, user model.User, roleID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	m.byEmail[user.Email] = user.ID
	m.userRoles[user.ID] = append(m.userRoles[user.ID], roleID)
	return nil
}

func (m *memStore) ListUserRoleIDs(_ context.Context, userID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int{}, m.userRoles[userID]...), nil
}

func (m *memStore) ListRolePermissionIDs(_ context.Context, roleIDs []int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	permissionIDs := []string{}
	for _, roleID := range roleIDs {
		permissionIDs = append(permissionIDs, m.rolePerms[roleID]...)
	}
	return permissionIDs, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, token model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.Token] = token
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, token, userID, ip string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.tokens[token]
	if !ok || record.UserID != userID || record.IPAddress != ip {
		return model.RefreshToken{}, repository.ErrNotFound
	}
	return record, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldToken, userID string, next model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.tokens[oldToken]
	if !ok || record.UserID != userID {
		return repository.ErrNotFound
	}
	delete(m.tokens, oldToken)
	m.tokens[next.Token] = next
	return nil
}

func (m *memStore) DeleteRefreshToken(_ context.Context, token, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.tokens[token]; ok && record.IPAddress == ip {
		delete(m.tokens, token)
	}
	return nil
}

func (m *memStore) DeleteRefreshTokensByUserAndIP(_ context.Context, userID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, record := range m.tokens {
		if record.UserID == userID && record.IPAddress == ip {
			delete(m.tokens, token)
		}
	}
	return nil
}

func (m *memStore) ReplaceRolePermissions(_ context.Context, roleID int, permissionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]string{}, permissionIDs...)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTAccessSecret:  "access-secret",
		JWTRefreshSecret: "refresh-secret",
		JWTIssuer:        "test-issuer",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  7 * 24 * time.Hour,
		BcryptCost:       4,
	}
}

func newTestAuth() (*Auth, *memStore) {
	store := newMemStore()
	return NewAuth(testConfig(), store), store
}

func registerAlice(t *testing.T, svc *Auth) model.User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Password: "hunter2!",
		Name:     "Alice",
		UserType: model.UserTypeStudent,
	})
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	return user
}

func TestRegisterThenLogin(t *testing.T) {
	svc, store := newTestAuth()
	user := registerAlice(t, svc)

	if user.PasswordHash != "" {
		t.Fatalf("register must not return the password hash")
	}
	if got := store.userRoles[user.ID]; len(got) != 1 || got[0] != model.RoleStudent {
		t.Fatalf("expected default student role (id %d), got %v", model.RoleStudent, got)
	}

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if result.User.UserType != model.UserTypeStudent {
		t.Fatalf("expected student user type, got %s", result.User.UserType)
	}
	if result.User.PasswordHash != "" {
		t.Fatalf("login must not return the password hash")
	}

	claims, err := auth.ParseAccessToken("access-secret", result.AccessToken)
	if err != nil {
		t.Fatalf("access token parse error: %v", err)
	}
	want := []string{"assignment:submit", "attendance:view:own", "content:read", "grade:view:own"}
	got := append([]string{}, claims.Permissions...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("expected exactly %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected exactly %v, got %v", want, got)
		}
	}
}

func TestRegisterRejectsInvalidUserType(t *testing.T) {
	svc, _ := newTestAuth()
	for _, userType := range []string{"", "dev", model.UserTypeSuperAdmin} {
		_, err := svc.Register(context.Background(), RegisterInput{
			Email:    "x@example.com",
			Password: "pw",
			Name:     "X",
			UserType: userType,
		})
		if !errors.Is(err, ErrInvalidUserType) {
			t.Fatalf("user type %q: expected ErrInvalidUserType, got %v", userType, err)
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Password: "different",
		Name:     "Alice Again",
		UserType: model.UserTypeTeacher,
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	_, wrongPassword := svc.Login(context.Background(), "alice@example.com", "nope", "10.0.0.1")
	_, unknownEmail := svc.Login(context.Background(), "nobody@example.com", "nope", "10.0.0.1")

	if !errors.Is(wrongPassword, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", wrongPassword)
	}
	if !errors.Is(unknownEmail, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", unknownEmail)
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Fatalf("error messages must not distinguish the failure cause")
	}
}

func TestRefreshRotationIsOneShot(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	rotated, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1")
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}

	// The consumed token is dead the instant the new one exists.
	if _, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for consumed token, got %v", err)
	}

	// The new token works exactly once more.
	if _, err := svc.Refresh(context.Background(), rotated.RefreshToken, "10.0.0.1"); err != nil {
		t.Fatalf("refresh of rotated token error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), rotated.RefreshToken, "10.0.0.1"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken on second use, got %v", err)
	}
}

func TestRefreshIPPinning(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), result.RefreshToken, "192.168.0.9"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken from a different IP, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1"); err != nil {
		t.Fatalf("refresh from issuing IP error: %v", err)
	}
}

func TestRefreshExpiredTokenIsDistinct(t *testing.T) {
	svc, store := newTestAuth()
	user := registerAlice(t, svc)

	// A token issued more than 7 days ago: signed but expired, with a
	// matching (expired) ledger row still present.
	stale, err := auth.NewRefreshToken("refresh-secret", "test-issuer", -time.Hour, user.ID)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	store.tokens[stale] = model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     stale,
		IPAddress: "10.0.0.1",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
		CreatedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
	}

	_, err = svc.Refresh(context.Background(), stale, "10.0.0.1")
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}

	_, err = svc.Refresh(context.Background(), "garbage.token.value", "10.0.0.1")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for malformed token, got %v", err)
	}
}

func TestRefreshFailsForDeletedUser(t *testing.T) {
	svc, store := newTestAuth()
	user := registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	store.mu.Lock()
	delete(store.users, user.ID)
	store.mu.Unlock()

	if _, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for deleted user, got %v", err)
	}
}

func TestLoginRevokesPriorSessionPerIP(t *testing.T) {
	svc, store := newTestAuth()
	user := registerAlice(t, svc)

	first, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	other, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "172.16.0.5")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	second, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	// The second login from the same IP replaced the first session.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken, "10.0.0.1"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected revoked first session, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), second.RefreshToken, "10.0.0.1"); err != nil {
		t.Fatalf("current session refresh error: %v", err)
	}
	// Sessions on other IPs are untouched.
	if _, err := svc.Refresh(context.Background(), other.RefreshToken, "172.16.0.5"); err != nil {
		t.Fatalf("other-IP session refresh error: %v", err)
	}

	store.mu.Lock()
	count := 0
	for _, record := range store.tokens {
		if record.UserID == user.ID {
			count++
		}
	}
	store.mu.Unlock()
	if count != 2 {
		t.Fatalf("expected one live session per IP, got %d rows", count)
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	svc, store := newTestAuth()
	registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	// Narrow the student role between issuance and rotation.
	store.mu.Lock()
	store.rolePerms[model.RoleStudent] = []string{"content:read"}
	store.mu.Unlock()

	rotated, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1")
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	claims, err := auth.ParseAccessToken("access-secret", rotated.AccessToken)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "content:read" {
		t.Fatalf("expected narrowed snapshot, got %v", claims.Permissions)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", wins)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _ := newTestAuth()
	registerAlice(t, svc)

	result, err := svc.Login(context.Background(), "alice@example.com", "hunter2!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	if err := svc.Logout(context.Background(), result.RefreshToken, "10.0.0.1"); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), result.RefreshToken, "10.0.0.1"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected session gone after logout, got %v", err)
	}
	// Deleting a non-existent row is success.
	if err := svc.Logout(context.Background(), result.RefreshToken, "10.0.0.1"); err != nil {
		t.Fatalf("repeated logout error: %v", err)
	}
}

func TestUpdateRolePermissionsChecksFreshPath(t *testing.T) {
	svc, store := newTestAuth()
	student := registerAlice(t, svc)

	// Seed a wildcard holder directly; registration never creates one.
	hash, err := crypto.HashPassword("RootPw123!", 4)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	root := model.User{
		ID:           uuid.NewString(),
		Email:        "root@example.com",
		PasswordHash: hash,
		Name:         "Root",
		UserType:     model.UserTypeSuperAdmin,
	}
	if err := store.CreateUserWithRole(context.Background(), root, model.RoleSuperAdmin); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	if err := svc.UpdateRolePermissions(context.Background(), student.ID, model.RoleParent, []string{"grade:view:child"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for student actor, got %v", err)
	}

	if err := svc.UpdateRolePermissions(context.Background(), root.ID, model.RoleParent, []string{"grade:view:child"}); err != nil {
		t.Fatalf("update error: %v", err)
	}
	if got := store.rolePerms[model.RoleParent]; len(got) != 1 || got[0] != "grade:view:child" {
		t.Fatalf("expected rewritten permission set, got %v", got)
	}
}
