package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// LabelCustom labels structured payloads that carry no command field.
const LabelCustom = "CUSTOM"

// Payload is a command body normalised at the boundary.
//
// Text payloads are published verbatim. Structured payloads are published
// as their JSON encoding.
type Payload struct {
	// Text is set for text payloads.
	Text string

	// Data is the decoded value of a structured payload.
	Data any

	// Label names the command in the device log.
	Label string

	// Body is exactly what goes on the wire.
	Body []byte
}

// Structured reports whether p carries a JSON value rather than plain text.
func (p Payload) Structured() bool {
	return p.Data != nil
}

// Value returns the payload as forwarded to viewers: the text, or the decoded value.
func (p Payload) Value() any {
	if p.Structured() {
		return p.Data
	}
	return p.Text
}

// ParsePayload normalises a command body.
//
// Accepted inputs are string, []byte, json.RawMessage and map[string]any.
// A json.RawMessage holding a JSON string is treated as text; any other
// JSON value is structured. A []byte is treated as text.
func ParsePayload(v any) (Payload, error) {
	switch p := v.(type) {
	case string:
		return textPayload(p)
	case []byte:
		return textPayload(string(p))
	case json.RawMessage:
		return rawPayload(p)
	case map[string]any:
		return structuredPayload(p)
	case nil:
		return Payload{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	default:
		return Payload{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidPayload, v)
	}
}

func textPayload(s string) (Payload, error) {
	if strings.TrimSpace(s) == "" {
		return Payload{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	return Payload{Text: s, Label: s, Body: []byte(s)}, nil
}

func rawPayload(raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	switch d := decoded.(type) {
	case string:
		return textPayload(d)
	case nil:
		return Payload{}, fmt.Errorf("%w: null", ErrInvalidPayload)
	case map[string]any:
		return structuredPayload(d)
	default:
		return Payload{Data: d, Label: LabelCustom, Body: append([]byte(nil), raw...)}, nil
	}
}

func structuredPayload(m map[string]any) (Payload, error) {
	if m == nil {
		return Payload{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	label := LabelCustom
	if c, ok := m["command"].(string); ok && strings.TrimSpace(c) != "" {
		label = c
	}
	return Payload{Data: m, Label: label, Body: body}, nil
}

// ExtractBody pulls the command out of an HTTP request body.
//
// {"payload": x} yields x, or x.command when x is an object with a string
// command field. {"command": "s"} yields "s". Anything else is used whole.
func ExtractBody(raw json.RawMessage) (Payload, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		return ParsePayload(raw)
	}

	if inner, ok := envelope["payload"]; ok {
		var wrapped struct {
			Command *string `json:"command"`
		}
		if json.Unmarshal(inner, &wrapped) == nil && wrapped.Command != nil {
			return ParsePayload(*wrapped.Command)
		}
		return ParsePayload(inner)
	}
	if c, ok := envelope["command"]; ok {
		var s string
		if json.Unmarshal(c, &s) == nil {
			return ParsePayload(s)
		}
	}
	return ParsePayload(raw)
}
