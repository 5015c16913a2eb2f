// Package audit records what happened to each device: the per-device
// activity log and the outbound command audit trail.
package audit

import (
	"errors"
	"time"
)

// EventType classifies a device log entry.
type EventType string

const (
	// EventStatus is a status report received from the device.
	EventStatus EventType = "STATUS"

	// EventSystem marks the device coming online.
	EventSystem EventType = "SYSTEM"

	// EventError marks the device going offline.
	EventError EventType = "ERROR"

	// EventCommand is a command sent to the device.
	EventCommand EventType = "COMMAND"
)

// CommandStatus is the lifecycle state of an outbound command.
type CommandStatus string

const (
	// CommandSent is written before the first publish attempt.
	CommandSent CommandStatus = "SENT"

	// CommandPublished means the broker acknowledged the publish.
	CommandPublished CommandStatus = "PUBLISHED"

	// CommandFailed means the retry budget ran out.
	CommandFailed CommandStatus = "FAILED"

	// CommandDropped means the command was evicted from a full queue.
	CommandDropped CommandStatus = "DROPPED"
)

// Terminal reports whether no further transition is expected.
func (s CommandStatus) Terminal() bool {
	return s == CommandPublished || s == CommandFailed || s == CommandDropped
}

// ErrCommandNotFound is returned when a command id does not exist.
var ErrCommandNotFound = errors.New("audit: command not found")

// Log is one entry in a device's activity log.
type Log struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	EventType EventType `json:"event_type"`
	Command   string    `json:"command,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandRecord is the durable trace of one outbound command.
type CommandRecord struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	Topic     string        `json:"topic"`
	Label     string        `json:"label"`
	Payload   string        `json:"payload"`
	Status    CommandStatus `json:"status"`
	IssuedBy  string        `json:"issued_by,omitempty"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusUpdate is a terminal (or progress) transition for a command.
type StatusUpdate struct {
	Status    CommandStatus
	Attempts  int
	LastError string
}

// Filter controls which device logs ListLogs returns.
type Filter struct {
	DeviceID  string    // optional
	EventType EventType // optional
	Limit     int       // default 50, max 200
	Offset    int
}
