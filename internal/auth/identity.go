// Package auth resolves the request principal through a prioritized chain
// of mechanisms (API key, session cookie, OIDC JWT) and exposes the common
// identity model the authorization gates consume.
package auth

import (
	"sort"
	"strings"
	"time"
)

// AdminRoles is the role set granted by the wildcard permission and by the
// dev-mode bypass principal.
var AdminRoles = []string{"aussie-admin"}

// Identity is the resolved principal. Identities are immutable once built;
// treat every field as read-only.
type Identity struct {
	ID          string
	Name        string
	Roles       []string
	Permissions []string
	KeyID       string
	SessionID   string
	Issuer      string
	Claims      map[string]any
	ExpiresAt   time.Time
	Mechanism   string

	roleSet map[string]bool
	permSet map[string]bool
}

// NewIdentity finalizes an identity: roles are expanded from permissions,
// deduplicated, and indexed for the gates.
func NewIdentity(id Identity) *Identity {
	id.Roles = append(id.Roles, RolesFromPermissions(id.Permissions)...)
	id.Roles = dedupe(id.Roles)

	id.roleSet = make(map[string]bool, len(id.Roles))
	for _, r := range id.Roles {
		id.roleSet[r] = true
	}
	id.permSet = make(map[string]bool, len(id.Permissions))
	for _, p := range id.Permissions {
		id.permSet[p] = true
	}
	return &id
}

// HasRole reports whether the principal carries the role.
func (i *Identity) HasRole(role string) bool {
	return i.roleSet[role]
}

// HasAnyRole reports whether the principal carries at least one of the
// required roles. An empty requirement admits everyone.
func (i *Identity) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if i.roleSet[r] {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal carries the permission. The
// wildcard permission matches everything.
func (i *Identity) HasPermission(perm string) bool {
	return i.permSet["*"] || i.permSet[perm]
}

// HasAnyPermission reports whether the expanded permission set intersects
// the given requirement.
func (i *Identity) HasAnyPermission(perms []string) bool {
	if i.permSet["*"] {
		return true
	}
	for _, p := range perms {
		if i.permSet[p] {
			return true
		}
	}
	return false
}

// RoleFromPermission maps one permission to its derived role. Colon-scoped
// permissions become dashed role names; dotted permissions map through
// unchanged. The wildcard has no single role; see RolesFromPermissions.
func RoleFromPermission(perm string) string {
	if strings.Contains(perm, ":") {
		return strings.ReplaceAll(perm, ":", "-")
	}
	return perm
}

// RolesFromPermissions expands a permission set into its derived roles. The
// wildcard permission grants the full admin role set.
func RolesFromPermissions(perms []string) []string {
	roles := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "*" {
			roles = append(roles, AdminRoles...)
			continue
		}
		roles = append(roles, RoleFromPermission(p))
	}
	return roles
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
