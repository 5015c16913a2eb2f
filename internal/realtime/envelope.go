package realtime

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/ingest"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Event names.
const (
	EventDeviceStatus   = "device-status"
	EventDeviceCommand  = "device-command"
	EventDeviceSnapshot = "device-snapshot"

	eventAuthenticated = "authenticated"
	eventJoined        = "joined"
	eventLeft          = "left"
	eventPong          = "pong"
	eventError         = "error"
)

// EventType classifies an envelope.
type EventType string

const (
	TypeStatus  EventType = "STATUS"
	TypeLWT     EventType = "LWT"
	TypeCommand EventType = "COMMAND"
)

// Envelope is the viewer-facing form of a device event.
type Envelope struct {
	V         int             `json:"v"`
	DeviceID  string          `json:"deviceId"`
	Type      EventType       `json:"type"`
	Message   string          `json:"message"`
	Payload   any             `json:"payload"`
	Display   *ingest.Display `json:"display,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Persisted bool            `json:"persisted"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Snapshot is sent to a viewer when it joins a device room.
type Snapshot struct {
	V          int           `json:"v"`
	DeviceID   string        `json:"deviceId"`
	Known      bool          `json:"known"`
	Status     device.Status `json:"status,omitempty"`
	Name       string        `json:"name,omitempty"`
	LastSeenAt *time.Time    `json:"lastSeenAt,omitempty"`
}

// Frame is the outer wire message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

// replyError is the data of an error frame.
type replyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
