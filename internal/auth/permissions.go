package auth

import (
	"context"
	"fmt"
	"slices"
)

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermDeviceView    Permission = "device:view"
	PermDeviceCommand Permission = "device:command"
	PermGroupCommand  Permission = "group:command"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceView,
	},
	RoleOperator: {
		PermDeviceView,
		PermDeviceCommand,
	},
	RoleAdmin: {
		PermDeviceView,
		PermDeviceCommand,
		PermGroupCommand,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}

// Authorizer decides whether an identity may act on a resource.
// For device permissions the resource is a serial; for PermGroupCommand
// it is a group id.
type Authorizer interface {
	Authorize(ctx context.Context, id *Identity, perm Permission, resource string) error
}

// ScopeAuthorizer enforces role permissions and the identity's device scope.
// Group commands fan out to devices the caller may not have been granted,
// so they additionally require an unrestricted scope.
type ScopeAuthorizer struct{}

// Authorize returns ErrForbidden when id may not perform perm on resource.
func (ScopeAuthorizer) Authorize(_ context.Context, id *Identity, perm Permission, resource string) error {
	if id == nil {
		return fmt.Errorf("%w: no identity", ErrForbidden)
	}
	if !HasPermission(id.Role, perm) {
		return fmt.Errorf("%w: role %s lacks %s", ErrForbidden, id.Role, perm)
	}

	switch perm {
	case PermGroupCommand:
		if !id.Unrestricted() {
			return fmt.Errorf("%w: group commands require unrestricted device scope", ErrForbidden)
		}
	default:
		if !id.CanAccessDevice(resource) {
			return fmt.Errorf("%w: device %s not in scope", ErrForbidden, resource)
		}
	}
	return nil
}
