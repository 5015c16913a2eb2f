// Package device holds the relay's device records and group membership.
//
// A device is addressed either by its store-assigned ID or by the serial it
// uses on the broker. The relay consumes the Store interface; the SQLite
// repository additionally implements LivenessRecorder so a liveness log
// entry and the status change it causes commit together.
//
// Connectivity rules enforced by every Store:
//   - a device first seen through a status report is created OFFLINE
//   - LastSeenAt only moves forward
package device
