// Package authz evaluates the post-authentication gates: declarative role
// requirements on gateway-internal endpoints and per-service permission
// policies on proxied operations.
package authz

import (
	"github.com/mwistrand/aussie/internal/auth"
	"github.com/mwistrand/aussie/internal/registry"
)

// Verdict is the outcome of an authorization check.
type Verdict int

const (
	// Allow lets the request proceed.
	Allow Verdict = iota
	// DenyUnauthenticated means a principal is required and none exists.
	DenyUnauthenticated
	// DenyForbidden means the principal lacks the required role/permission.
	DenyForbidden
)

// RequireRoles is the declarative gate for gateway-internal endpoints: the
// principal must carry at least one of the required roles.
func RequireRoles(identity *auth.Identity, roles []string) Verdict {
	if identity == nil {
		return DenyUnauthenticated
	}
	if identity.HasAnyRole(roles) {
		return Allow
	}
	return DenyForbidden
}

// Evaluate applies the service's permission policy to the resolved route.
//
// When the matched endpoint names an operation and the service carries a
// policy entry for it, the principal's expanded permissions must intersect
// the entry's any-of set. Without a policy entry the check degrades to the
/// endpoint's authRequired flag: anyone authenticated may proceed, and
// anonymous requests pass only when authentication is optional.
func Evaluate(identity *auth.Identity, svc *registry.ServiceRegistration, ep *registry.EndpointConfig) Verdict {
	required := svc.EffectiveAuthRequired(ep)

	var perm *registry.OperationPermission
	if ep != nil && ep.Operation != "" && svc.PermissionPolicy != nil {
		if p, ok := svc.PermissionPolicy.Operations[ep.Operation]; ok {
			perm = &p
		}
	}

	if perm == nil {
		if !required {
			return Allow
		}
		if identity == nil {
			return DenyUnauthenticated
		}
		return Allow
	}

	if identity == nil {
		return DenyUnauthenticated
	}
	if identity.HasAnyPermission(perm.AnyOf) {
		return Allow
	}
	return DenyForbidden
}
