package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/device"
)

type fakeConn struct {
	id       string
	identity *auth.Identity

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string, identity *auth.Identity) *fakeConn {
	return &fakeConn{id: id, identity: identity}
}

func (c *fakeConn) ID() string               { return c.id }
func (c *fakeConn) Identity() *auth.Identity { return c.identity }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// decodedFrame is a frame with its data left raw for typed decoding.
type decodedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *fakeConn) received(t *testing.T) []decodedFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]decodedFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f decodedFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("invalid frame %s: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

type fakeDevices struct {
	devices map[string]*device.Device
	err     error
}

func (f *fakeDevices) FindDevice(_ context.Context, key string) (*device.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.devices[key]; ok {
		return d, nil
	}
	return nil, device.ErrDeviceNotFound
}

type fakeMetrics struct {
	mu      sync.Mutex
	viewers int
	joins   map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{joins: make(map[string]int)}
}

func (m *fakeMetrics) ViewerConnected(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewers += delta
}

func (m *fakeMetrics) RoomJoin(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins[result]++
}

var (
	viewerSN1 = &auth.Identity{UserID: "usr-1", Role: auth.RoleViewer, Devices: []string{"SN-1"}}
	adminID   = &auth.Identity{UserID: "usr-admin", Role: auth.RoleAdmin}
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}
