package command

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name       string
		input      any
		wantBody   string
		wantLabel  string
		structured bool
		wantErr    bool
	}{
		{name: "text", input: "REBOOT", wantBody: "REBOOT", wantLabel: "REBOOT"},
		{name: "bytes are text", input: []byte("ping"), wantBody: "ping", wantLabel: "ping"},
		{name: "raw json string", input: json.RawMessage(`"REBOOT"`), wantBody: "REBOOT", wantLabel: "REBOOT"},
		{
			name:       "raw json object with command",
			input:      json.RawMessage(`{"command":"SET","value":1}`),
			wantBody:   `{"command":"SET","value":1}`,
			wantLabel:  "SET",
			structured: true,
		},
		{
			name:       "raw json array",
			input:      json.RawMessage(` [1,2] `),
			wantBody:   `[1,2]`,
			wantLabel:  LabelCustom,
			structured: true,
		},
		{
			name:       "map without command",
			input:      map[string]any{"mode": "eco"},
			wantBody:   `{"mode":"eco"}`,
			wantLabel:  LabelCustom,
			structured: true,
		},
		{
			name:       "map with blank command",
			input:      map[string]any{"command": " "},
			wantBody:   `{"command":" "}`,
			wantLabel:  LabelCustom,
			structured: true,
		},
		{name: "blank text", input: "  ", wantErr: true},
		{name: "raw null", input: json.RawMessage(`null`), wantErr: true},
		{name: "raw malformed", input: json.RawMessage(`{bad`), wantErr: true},
		{name: "nil", input: nil, wantErr: true},
		{name: "unsupported type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePayload(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("ParsePayload() error = %v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload() error = %v", err)
			}
			if string(p.Body) != tt.wantBody {
				t.Errorf("Body = %s, want %s", p.Body, tt.wantBody)
			}
			if p.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", p.Label, tt.wantLabel)
			}
			if p.Structured() != tt.structured {
				t.Errorf("Structured() = %v, want %v", p.Structured(), tt.structured)
			}
		})
	}
}

func TestPayload_Value(t *testing.T) {
	text := mustPayload(t, "REBOOT")
	if v, ok := text.Value().(string); !ok || v != "REBOOT" {
		t.Errorf("text Value() = %#v", text.Value())
	}

	structured := mustPayload(t, map[string]any{"mode": "eco"})
	m, ok := structured.Value().(map[string]any)
	if !ok || m["mode"] != "eco" {
		t.Errorf("structured Value() = %#v", structured.Value())
	}
}

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantBody   string
		structured bool
	}{
		{name: "command field", body: `{"command":"REBOOT"}`, wantBody: "REBOOT"},
		{name: "payload text", body: `{"payload":"REBOOT"}`, wantBody: "REBOOT"},
		{name: "payload with command field", body: `{"payload":{"command":"SET","v":2}}`, wantBody: "SET"},
		{name: "payload object", body: `{"payload":{"mode":"eco"}}`, wantBody: `{"mode":"eco"}`, structured: true},
		{name: "non-string command kept whole", body: `{"command":5,"x":1}`, wantBody: `{"command":5,"x":1}`, structured: true},
		{name: "bare string", body: `"REBOOT"`, wantBody: "REBOOT"},
		{name: "bare object", body: `{"mode":"eco"}`, wantBody: `{"mode":"eco"}`, structured: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ExtractBody(json.RawMessage(tt.body))
			if err != nil {
				t.Fatalf("ExtractBody() error = %v", err)
			}
			if string(p.Body) != tt.wantBody {
				t.Errorf("Body = %s, want %s", p.Body, tt.wantBody)
			}
			if p.Structured() != tt.structured {
				t.Errorf("Structured() = %v, want %v", p.Structured(), tt.structured)
			}
		})
	}
}

func TestExtractBody_Invalid(t *testing.T) {
	for _, body := range []string{`null`, `""`, `{"payload":null}`, `not json`} {
		if _, err := ExtractBody(json.RawMessage(body)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ExtractBody(%s) error = %v, want ErrInvalidPayload", body, err)
		}
	}
}
