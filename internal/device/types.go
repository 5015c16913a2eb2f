package device

import (
	"strings"
	"time"
)

// Status is a device's connectivity state.
type Status string

const (
	// StatusOnline means the device's last liveness signal was live.
	StatusOnline Status = "ONLINE"

	// StatusOffline means the device went away or has never been seen live.
	StatusOffline Status = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// StatusFromLiveness maps a liveness flag to a Status.
func StatusFromLiveness(online bool) Status {
	if online {
		return StatusOnline
	}
	return StatusOffline
}

// Device is a fleet member known to the relay.
//
// ID is store-assigned; Serial is the identifier the device uses on the
// broker. Either one resolves the device.
type Device struct {
	ID         string     `json:"id"`
	Serial     string     `json:"serial"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Online reports whether the device is currently ONLINE.
func (d *Device) Online() bool {
	return d.Status == StatusOnline
}

// Upsert describes the fields to write when creating or updating a device by serial.
type Upsert struct {
	// Status replaces the stored status when non-nil. New devices default to OFFLINE.
	Status *Status

	// SeenAt advances LastSeenAt when later than the stored value. Zero leaves it alone.
	SeenAt time.Time

	// Name is only used when the device is created.
	Name string
}

// Group is a named set of devices commands can be addressed to.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NormaliseSerial trims surrounding whitespace from a serial.
func NormaliseSerial(serial string) string {
	return strings.TrimSpace(serial)
}
