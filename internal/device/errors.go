package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when neither an id nor a serial matches.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidSerial is returned when a serial is empty or contains topic separators.
	ErrInvalidSerial = errors.New("device: invalid serial")

	// ErrGroupNotFound is returned when a device group ID does not exist.
	ErrGroupNotFound = errors.New("device group: not found")

	// ErrGroupExists is returned when a device group with the same ID already exists.
	ErrGroupExists = errors.New("device group: already exists")
)
