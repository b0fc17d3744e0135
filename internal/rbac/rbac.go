// Package rbac resolves a user's effective permission set from the
// user→role→permission graph and implements the two-tier permission
// check: global grant (including the wildcard) and own-resource
// escalation via the ":own" suffixed permission id.
package rbac

import (
	"context"

	"campus/identity/internal/model"
)

// Graph is the slice of the store the resolver walks.
type Graph interface {
	ListUserRoleIDs(ctx context.Context, userID string) ([]int, error)
	ListRolePermissionIDs(ctx context.Context, roleIDs []int) ([]string, error)
}

// Grant is a user's resolved role and permission sets. Permission ids
// are deduplicated; a user with no roles has an empty set, which is
// distinct from holding the wildcard.
type Grant struct {
	RoleIDs     []int
	Permissions []string
}

type Resolver struct {
	graph Graph
}

func NewResolver(graph Graph) *Resolver {
	return &Resolver{graph: graph}
}

// Resolve walks the graph fresh from the store. It never consults a
// token snapshot: role edits must take effect here before any token
// expires.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Grant, error) {
	roleIDs, err := r.graph.ListUserRoleIDs(ctx, userID)
	if err != nil {
		return Grant{}, err
	}
	if len(roleIDs) == 0 {
		return Grant{RoleIDs: []int{}, Permissions: []string{}}, nil
	}
	permissions, err := r.graph.ListRolePermissionIDs(ctx, roleIDs)
	if err != nil {
		return Grant{}, err
	}
	return Grant{RoleIDs: roleIDs, Permissions: dedupe(permissions)}, nil
}

// HasPermission reports whether the granted set contains the wildcard
// or the exact permission id. No prefix or glob matching.
func HasPermission(permission string, granted []string) bool {
	for _, id := range granted {
		if id == model.PermissionWildcard || id == permission {
			return true
		}
	}
	return false
}

// HasContextualPermission re-resolves the user's permissions and runs
// the two-tier check. The own-resource escalation triggers only when
// resourceOwnerID is non-empty and equals the requesting user, and it
// tests only the exact "<permission>:own" id.
func (r *Resolver) HasContextualPermission(ctx context.Context, userID, permission, resourceOwnerID string) (bool, error) {
	grant, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	if HasPermission(permission, grant.Permissions) {
		return true, nil
	}
	if resourceOwnerID != "" && resourceOwnerID == userID {
		own := permission + ":own"
		for _, id := range grant.Permissions {
			if id == own {
				return true, nil
			}
		}
	}
	return false, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
