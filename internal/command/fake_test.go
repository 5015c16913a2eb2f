package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/realtime"
)

type published struct {
	topic string
	body  string
	qos   byte
}

// fakeBroker publishes into a slice. script holds the result of each
// successive publish attempt; a nil entry or an exhausted script succeeds.
// A not-connected result also takes the link down.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	script    []error
	calls     int
	published []published
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return &mqtt.PublishError{Topic: topic, Reason: "not connected", Err: mqtt.ErrNotConnected}
	}
	b.calls++
	if len(b.script) > 0 {
		err := b.script[0]
		b.script = b.script[1:]
		if err != nil {
			if errors.Is(err, mqtt.ErrNotConnected) {
				b.connected = false
			}
			return err
		}
	}
	b.published = append(b.published, published{topic: topic, body: string(payload), qos: qos})
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) setConnected(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = up
}

func (b *fakeBroker) snapshot() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func rejected(topic string) error {
	return &mqtt.PublishError{Topic: topic, Reason: "broker refused", Err: fmt.Errorf("%w: refused", mqtt.ErrPublishFailed)}
}

func dropped(topic string) error {
	return &mqtt.PublishError{Topic: topic, Reason: "link dropped during publish", Err: mqtt.ErrNotConnected}
}

type fakeDevices struct {
	devices map[string]*device.Device
	groups  map[string][]string
}

func newFakeDevices(serials ...string) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]*device.Device), groups: make(map[string][]string)}
	for _, s := range serials {
		f.devices[s] = &device.Device{ID: "dev-" + s, Serial: s, Status: device.StatusOffline}
	}
	return f
}

func (f *fakeDevices) FindDevice(_ context.Context, key string) (*device.Device, error) {
	for _, d := range f.devices {
		if d.ID == key || d.Serial == key {
			cp := *d
			return &cp, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (f *fakeDevices) UpsertDevice(context.Context, string, device.Upsert) (*device.Device, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDevices) ListGroupDevices(_ context.Context, groupID string) ([]device.Device, error) {
	serials, ok := f.groups[groupID]
	if !ok {
		return nil, device.ErrGroupNotFound
	}
	out := make([]device.Device, 0, len(serials))
	for _, s := range serials {
		out = append(out, *f.devices[s])
	}
	return out, nil
}

type fakeAudit struct {
	mu        sync.Mutex
	commands  map[string]*audit.CommandRecord
	logs      []audit.Log
	createErr error
	updateErr error
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{commands: make(map[string]*audit.CommandRecord)}
}

func (f *fakeAudit) CreateLog(_ context.Context, log *audit.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.logs = append(f.logs, *log)
	return nil
}

func (f *fakeAudit) CreateCommand(_ context.Context, cmd *audit.CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *cmd
	f.commands[cmd.ID] = &cp
	return nil
}

func (f *fakeAudit) UpdateCommandStatus(_ context.Context, id string, u audit.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	cmd, ok := f.commands[id]
	if !ok {
		return audit.ErrCommandNotFound
	}
	cmd.Status, cmd.Attempts, cmd.LastError = u.Status, u.Attempts, u.LastError
	return nil
}

func (f *fakeAudit) status(t *testing.T, id string) audit.CommandStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		t.Fatalf("no command record for %s", id)
	}
	return cmd.Status
}

type recordingEcho struct {
	mu   sync.Mutex
	envs []realtime.Envelope
}

func (e *recordingEcho) BroadcastCommand(env realtime.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
}

func (e *recordingEcho) messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.envs))
	for i, env := range e.envs {
		out[i] = env.Message
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	depth    int
	persist  []string
}

func (m *recordingMetrics) CommandOutcome(o string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *recordingMetrics) SetQueueDepth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = n
}

func (m *recordingMetrics) PersistenceError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = append(m.persist, op)
}

// fakeClock advances by each requested retry delay instead of sleeping.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func testCommandConfig() config.CommandConfig {
	return config.CommandConfig{
		Retry: config.CommandRetryConfig{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			MaxElapsed:  30 * time.Second,
		},
		Queue: config.CommandQueueConfig{
			MaxDepth: 10,
			Overflow: config.OverflowRejectNewest,
		},
	}
}

type pubHarness struct {
	broker  *fakeBroker
	devices *fakeDevices
	audit   *fakeAudit
	echo    *recordingEcho
	metrics *recordingMetrics
	clock   *fakeClock
	pub     *Publisher
}

func newPubHarness(t *testing.T, cfg config.CommandConfig, connected bool) *pubHarness {
	t.Helper()
	h := &pubHarness{
		broker:  &fakeBroker{connected: connected},
		devices: newFakeDevices("D1", "D2", "D3"),
		audit:   newFakeAudit(),
		echo:    &recordingEcho{},
		metrics: &recordingMetrics{},
		clock:   newFakeClock(),
	}
	h.pub = NewPublisher(h.broker, h.devices, h.audit, h.echo, cfg,
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
		WithTimer(h.clock.After),
	)
	t.Cleanup(h.pub.Close)
	return h
}

func mustPayload(t *testing.T, v any) Payload {
	t.Helper()
	p, err := ParsePayload(v)
	if err != nil {
		t.Fatalf("ParsePayload(%v) error = %v", v, err)
	}
	return p
}
