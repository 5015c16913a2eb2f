package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may watch devices in its scope.
	RoleViewer Role = "viewer"

	// RoleOperator may watch and command devices in its scope.
	RoleOperator Role = "operator"

	// RoleAdmin has full control and bypasses device scoping.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// AllDevices is the device grant that matches every serial.
const AllDevices = "*"

// Identity is a verified caller.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`

	// Devices lists the serials a scoped role may access.
	Devices []string `json:"devices,omitempty"`
}

// Unrestricted reports whether the identity bypasses device scoping.
func (id *Identity) Unrestricted() bool {
	return id.Role == RoleAdmin || slices.Contains(id.Devices, AllDevices)
}

// CanAccessDevice returns true if serial is within the identity's scope.
func (id *Identity) CanAccessDevice(serial string) bool {
	if id.Unrestricted() {
		return true
	}
	return slices.Contains(id.Devices, serial)
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
)
