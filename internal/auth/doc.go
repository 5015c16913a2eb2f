// Package auth provides viewer identity and authorisation for the relay.
//
// Identities are carried in HS256 JWT access tokens validated by signature
// only. A token names the subject, a role and, for scoped roles, the device
// serials the subject may see or command.
//
// Roles form three tiers (viewer, operator, admin):
//   - viewer may join device rooms
//   - operator may also send commands
//   - admin may also command groups and bypasses device scoping
//
// Device scoping uses a "zero access by default, grant explicitly" model:
// a viewer or operator with no device grants cannot access anything. The
// wildcard grant "*" opens every device.
package auth
