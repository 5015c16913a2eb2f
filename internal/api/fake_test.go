package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/command"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
)

// Tokens understood by fakeVerifier.
const (
	tokenAdmin    = "admin-token"
	tokenOperator = "operator-token" // scoped to D1
	tokenViewer   = "viewer-token"   // scoped to D1 and D2
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (*auth.Identity, error) {
	switch token {
	case tokenAdmin:
		return &auth.Identity{UserID: "u-admin", Role: auth.RoleAdmin}, nil
	case tokenOperator:
		return &auth.Identity{UserID: "u-op", Role: auth.RoleOperator, Devices: []string{"D1"}}, nil
	case tokenViewer:
		return &auth.Identity{UserID: "u-view", Role: auth.RoleViewer, Devices: []string{"D1", "D2"}}, nil
	}
	return nil, auth.ErrTokenInvalid
}

type sendCall struct {
	serial   string
	payload  command.Payload
	issuedBy string
}

type fakeCommands struct {
	mu       sync.Mutex
	calls    []sendCall
	groups   []string
	ack      command.Ack
	err      error
	groupAck command.GroupAck
	groupErr error
	depth    int
}

func (f *fakeCommands) Send(_ context.Context, serial string, p command.Payload, issuedBy string) (command.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{serial: serial, payload: p, issuedBy: issuedBy})
	return f.ack, f.err
}

func (f *fakeCommands) SendToGroup(_ context.Context, groupID string, _ command.Payload, _ string) (command.GroupAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, groupID)
	return f.groupAck, f.groupErr
}

func (f *fakeCommands) QueueDepth() int { return f.depth }

type fakeDevices struct {
	devices []device.Device
	err     error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: []device.Device{
		{ID: "dev-D1", Serial: "D1", Status: device.StatusOnline},
		{ID: "dev-D2", Serial: "D2", Status: device.StatusOffline},
		{ID: "dev-D3", Serial: "D3", Status: device.StatusOffline},
	}}
}

func (f *fakeDevices) FindDevice(_ context.Context, key string) (*device.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.devices {
		if f.devices[i].ID == key || f.devices[i].Serial == key {
			d := f.devices[i]
			return &d, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (f *fakeDevices) List(context.Context) ([]device.Device, error) {
	return f.devices, f.err
}

type fakeAudit struct {
	logs     []audit.Log
	filter   audit.Filter
	commands map[string]*audit.CommandRecord
}

func (f *fakeAudit) ListLogs(_ context.Context, filter audit.Filter) ([]audit.Log, error) {
	f.filter = filter
	return f.logs, nil
}

func (f *fakeAudit) GetCommand(_ context.Context, id string) (*audit.CommandRecord, error) {
	rec, ok := f.commands[id]
	if !ok {
		return nil, audit.ErrCommandNotFound
	}
	return rec, nil
}

type fakeBroker struct {
	connected bool
}

func (f *fakeBroker) IsConnected() bool { return f.connected }

func (f *fakeBroker) HealthCheck(context.Context) error {
	if !f.connected {
		return errors.New("mqtt not connected")
	}
	return nil
}

type fakeRealtime struct {
	closed bool
}

func (f *fakeRealtime) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeRealtime) ClientCount() int { return 2 }

func (f *fakeRealtime) Close() { f.closed = true }

type harness struct {
	server   *Server
	handler  http.Handler
	commands *fakeCommands
	devices  *fakeDevices
	audit    *fakeAudit
	broker   *fakeBroker
	realtime *fakeRealtime
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		commands: &fakeCommands{ack: command.Ack{Success: true, CommandID: "cmd-1"}},
		devices:  newFakeDevices(),
		audit:    &fakeAudit{commands: map[string]*audit.CommandRecord{}},
		broker:   &fakeBroker{connected: true},
		realtime: &fakeRealtime{},
	}
	deps := Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:   logging.Discard(),
		Verifier: fakeVerifier{},
		Commands: h.commands,
		Devices:  h.devices,
		Audit:    h.audit,
		Broker:   h.broker,
		Realtime: h.realtime,
		Version:  "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.server = srv
	h.handler = srv.buildRouter()
	return h
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}
