package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
)

// Kind discriminates Event.
type Kind int

const (
	// KindStatus is a device-published status report.
	KindStatus Kind = iota + 1

	// KindLiveness is a broker-delivered LWT or birth message.
	KindLiveness
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// offlineMarker is the LWT payload meaning the device is gone.
const offlineMarker = "OFFLINE"

// ErrUnknownTopic is returned for topics outside device/{serial}/{status|lwt}.
var ErrUnknownTopic = errors.New("ingest: unknown topic")

// DecodeError reports a status payload that is not valid JSON.
// The accompanying Event is still valid.
type DecodeError struct {
	Serial string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ingest: status payload from %s is not JSON: %v", e.Serial, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Event is one decoded inbound message.
//
// For KindStatus, Raw and Parsed are set. Parsed is the decoded JSON value
// (map, slice, number, string, bool or nil) or, when decoding failed, the
// raw payload as a string. For KindLiveness, Online is set.
type Event struct {
	Kind   Kind
	Serial string

	Raw    []byte
	Parsed any

	Online bool
}

// Decode classifies a message by topic and decodes its payload.
func Decode(topic string, payload []byte) (Event, error) {
	serial, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	switch kind {
	case mqtt.KindStatus:
		return decodeStatus(serial, payload)
	case mqtt.KindLWT:
		return Event{
			Kind:   KindLiveness,
			Serial: serial,
			Online: !strings.EqualFold(strings.TrimSpace(string(payload)), offlineMarker),
		}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

func decodeStatus(serial string, payload []byte) (Event, error) {
	ev := Event{Kind: KindStatus, Serial: serial, Raw: payload}

	var parsed any
	dec := json.NewDecoder(bytes.NewReader(payload))
	err := dec.Decode(&parsed)
	if err == nil && dec.More() {
		err = errors.New("trailing data after JSON value")
	}
	if err != nil {
		ev.Parsed = string(payload)
		return ev, &DecodeError{Serial: serial, Err: err}
	}

	ev.Parsed = parsed
	return ev, nil
}
