package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

func TestSend_Published(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)

	ack, err := h.pub.Send(context.Background(), "D2", mustPayload(t, "REBOOT"), "user-1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Success || ack.Queued || ack.Advisory != nil {
		t.Errorf("Ack = %+v, want published", ack)
	}

	pubs := h.broker.snapshot()
	if len(pubs) != 1 || pubs[0].topic != "device/D2/cmd" || pubs[0].body != "REBOOT" || pubs[0].qos != 1 {
		t.Fatalf("published = %+v", pubs)
	}
	if got := h.audit.status(t, ack.CommandID); got != audit.CommandPublished {
		t.Errorf("audit status = %s, want PUBLISHED", got)
	}
	if len(h.audit.logs) != 1 {
		t.Fatalf("device logs = %d, want 1", len(h.audit.logs))
	}
	l := h.audit.logs[0]
	if l.EventType != audit.EventCommand || l.Command != "REBOOT" || l.UserID != "user-1" || l.DeviceID != "dev-D2" {
		t.Errorf("device log = %+v", l)
	}

	if len(h.echo.envs) != 1 {
		t.Fatalf("echoes = %d, want 1", len(h.echo.envs))
	}
	env := h.echo.envs[0]
	if env.DeviceID != "D2" || env.UserID != "user-1" || env.Message != "Command REBOOT published" || !env.Persisted {
		t.Errorf("echo = %+v", env)
	}
}

func TestSend_ResolvesByID(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)

	if _, err := h.pub.Send(context.Background(), "dev-D1", mustPayload(t, "PING"), ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if pubs := h.broker.snapshot(); len(pubs) != 1 || pubs[0].topic != "device/D1/cmd" {
		t.Errorf("published = %+v, want device/D1/cmd", pubs)
	}
}

func TestSend_UnknownDevice(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), false)

	_, err := h.pub.Send(context.Background(), "NOPE", mustPayload(t, "REBOOT"), "")
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Send() error = %v, want ErrDeviceNotFound", err)
	}
	if h.pub.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0", h.pub.QueueDepth())
	}
	if len(h.audit.commands) != 0 || len(h.echo.envs) != 0 {
		t.Errorf("unknown device produced audit or echo")
	}
}

func TestSend_QueuedWhileDisconnectedThenDrained(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), false)
	ctx := context.Background()

	ack, err := h.pub.Send(ctx, "D2", mustPayload(t, "REBOOT"), "user-1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Success || !ack.Queued {
		t.Fatalf("Ack = %+v, want {success, queued}", ack)
	}
	if h.pub.QueueDepth() != 1 || h.metrics.depth != 1 {
		t.Errorf("depth = %d (metric %d), want 1", h.pub.QueueDepth(), h.metrics.depth)
	}
	if len(h.broker.snapshot()) != 0 {
		t.Fatal("published while disconnected")
	}
	if got := h.audit.status(t, ack.CommandID); got != audit.CommandSent {
		t.Errorf("audit status = %s, want SENT while queued", got)
	}

	h.broker.setConnected(true)
	h.pub.Drain()

	pubs := h.broker.snapshot()
	if len(pubs) != 1 || pubs[0].topic != "device/D2/cmd" || pubs[0].body != "REBOOT" {
		t.Fatalf("published = %+v, want one REBOOT to device/D2/cmd", pubs)
	}
	if h.pub.QueueDepth() != 0 || h.metrics.depth != 0 {
		t.Errorf("depth = %d (metric %d), want 0", h.pub.QueueDepth(), h.metrics.depth)
	}
	if got := h.audit.status(t, ack.CommandID); got != audit.CommandPublished {
		t.Errorf("audit status = %s, want PUBLISHED", got)
	}

	// A second drain has nothing left to send.
	h.pub.Drain()
	if n := len(h.broker.snapshot()); n != 1 {
		t.Errorf("published = %d after second drain, want 1", n)
	}

	want := []string{"Command REBOOT queued", "Command REBOOT published"}
	got := h.echo.messages()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("echoes = %v, want %v", got, want)
	}
}

func TestSend_FIFOAcrossReconnect(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), false)
	ctx := context.Background()

	for _, c := range []string{"ONE", "TWO", "THREE"} {
		if _, err := h.pub.Send(ctx, "D1", mustPayload(t, c), ""); err != nil {
			t.Fatalf("Send(%s) error = %v", c, err)
		}
	}

	h.broker.setConnected(true)
	h.pub.Drain()

	pubs := h.broker.snapshot()
	if len(pubs) != 3 {
		t.Fatalf("published = %d, want 3", len(pubs))
	}
	for i, want := range []string{"ONE", "TWO", "THREE"} {
		if pubs[i].body != want {
			t.Errorf("published[%d] = %s, want %s", i, pubs[i].body, want)
		}
	}
}

func TestSend_RetriesWithBackoff(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)
	topic := "device/D1/cmd"
	h.broker.script = []error{rejected(topic), rejected(topic), nil}

	ack, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "REBOOT"), "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Success || ack.Queued {
		t.Errorf("Ack = %+v", ack)
	}
	delays := h.clock.recorded()
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Errorf("retry delays = %v, want [100ms 200ms]", delays)
	}
	if h.audit.commands[ack.CommandID].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.audit.commands[ack.CommandID].Attempts)
	}
}

func TestSend_RetryBudget(t *testing.T) {
	tests := []struct {
		name         string
		retry        config.CommandRetryConfig
		wantAttempts int
	}{
		{
			name:         "attempt limit",
			retry:        config.CommandRetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
			wantAttempts: 3,
		},
		{
			// 200ms + 400ms elapsed; the next 800ms delay would pass 1s.
			name:         "elapsed limit",
			retry:        config.CommandRetryConfig{BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, MaxElapsed: time.Second},
			wantAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCommandConfig()
			cfg.Retry = tt.retry
			h := newPubHarness(t, cfg, true)
			topic := "device/D1/cmd"
			for range 10 {
				h.broker.script = append(h.broker.script, rejected(topic))
			}

			ack, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "REBOOT"), "")
			if !errors.Is(err, ErrPublishExhausted) {
				t.Fatalf("Send() error = %v, want ErrPublishExhausted", err)
			}
			if ack.Success {
				t.Errorf("Ack.Success = true, want false")
			}
			if h.broker.calls != tt.wantAttempts {
				t.Errorf("publish attempts = %d, want %d", h.broker.calls, tt.wantAttempts)
			}
			if got := h.audit.status(t, ack.CommandID); got != audit.CommandFailed {
				t.Errorf("audit status = %s, want FAILED", got)
			}
			if msgs := h.echo.messages(); len(msgs) != 1 || msgs[0] != "Command REBOOT failed" {
				t.Errorf("echoes = %v", msgs)
			}
		})
	}
}

func TestSend_DisconnectMidRetryQueues(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)
	topic := "device/D1/cmd"
	h.broker.script = []error{rejected(topic), dropped(topic)}

	ack, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "REBOOT"), "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Success || !ack.Queued {
		t.Fatalf("Ack = %+v, want queued", ack)
	}
	if h.pub.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1", h.pub.QueueDepth())
	}

	h.broker.setConnected(true)
	h.pub.Drain()
	if pubs := h.broker.snapshot(); len(pubs) != 1 || pubs[0].body != "REBOOT" {
		t.Errorf("published = %+v, want one REBOOT", pubs)
	}
	if h.pub.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0", h.pub.QueueDepth())
	}
}

func TestDrain_LinkDropKeepsHead(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), false)
	ctx := context.Background()
	for _, c := range []string{"A", "B", "C"} {
		if _, err := h.pub.Send(ctx, "D1", mustPayload(t, c), ""); err != nil {
			t.Fatalf("Send(%s) error = %v", c, err)
		}
	}

	h.broker.script = []error{nil, dropped("device/D1/cmd")}
	h.broker.setConnected(true)
	h.pub.Drain()

	if pubs := h.broker.snapshot(); len(pubs) != 1 || pubs[0].body != "A" {
		t.Fatalf("published = %+v, want only A", pubs)
	}
	if h.pub.QueueDepth() != 2 {
		t.Fatalf("QueueDepth() = %d, want 2", h.pub.QueueDepth())
	}

	h.broker.setConnected(true)
	h.pub.Drain()

	pubs := h.broker.snapshot()
	if len(pubs) != 3 || pubs[1].body != "B" || pubs[2].body != "C" {
		t.Errorf("published = %+v, want A B C", pubs)
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), false)
	if _, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "A"), ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.broker.setConnected(true)

	h.pub.draining.Store(true)
	h.pub.Drain()
	if n := len(h.broker.snapshot()); n != 0 {
		t.Fatalf("published = %d while another drain holds the flag, want 0", n)
	}

	h.pub.draining.Store(false)
	h.pub.Drain()
	if n := len(h.broker.snapshot()); n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
}

func TestQueueOverflow(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		wantErr    error
		wantFirst  audit.CommandStatus
		wantSecond audit.CommandStatus
		wantBodies []string
	}{
		{
			name:       "reject newest",
			policy:     config.OverflowRejectNewest,
			wantErr:    ErrQueueFull,
			wantFirst:  audit.CommandPublished,
			wantSecond: audit.CommandFailed,
			wantBodies: []string{"FIRST"},
		},
		{
			name:       "drop oldest",
			policy:     config.OverflowDropOldest,
			wantFirst:  audit.CommandDropped,
			wantSecond: audit.CommandPublished,
			wantBodies: []string{"SECOND"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCommandConfig()
			cfg.Queue = config.CommandQueueConfig{MaxDepth: 1, Overflow: tt.policy}
			h := newPubHarness(t, cfg, false)
			ctx := context.Background()

			first, err := h.pub.Send(ctx, "D1", mustPayload(t, "FIRST"), "")
			if err != nil {
				t.Fatalf("Send(FIRST) error = %v", err)
			}
			second, err := h.pub.Send(ctx, "D1", mustPayload(t, "SECOND"), "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send(SECOND) error = %v, want %v", err, tt.wantErr)
			}
			if h.pub.QueueDepth() != 1 {
				t.Errorf("QueueDepth() = %d, want 1", h.pub.QueueDepth())
			}

			h.broker.setConnected(true)
			h.pub.Drain()

			pubs := h.broker.snapshot()
			if len(pubs) != len(tt.wantBodies) || pubs[0].body != tt.wantBodies[0] {
				t.Errorf("published = %+v, want %v", pubs, tt.wantBodies)
			}
			if got := h.audit.status(t, first.CommandID); got != tt.wantFirst {
				t.Errorf("first status = %s, want %s", got, tt.wantFirst)
			}
			if got := h.audit.status(t, second.CommandID); got != tt.wantSecond {
				t.Errorf("second status = %s, want %s", got, tt.wantSecond)
			}
		})
	}
}

func TestSend_AuditFailureIsAdvisory(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)
	h.audit.createErr = errors.New("disk full")

	ack, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "REBOOT"), "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Success {
		t.Errorf("Ack.Success = false, want true")
	}
	var perr *PersistenceError
	if !errors.As(ack.Advisory, &perr) || perr.CommandID != ack.CommandID {
		t.Fatalf("Advisory = %v, want *PersistenceError", ack.Advisory)
	}
	if n := len(h.broker.snapshot()); n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
	if len(h.echo.envs) != 1 || h.echo.envs[0].Persisted {
		t.Errorf("echo = %+v, want one unpersisted", h.echo.envs)
	}
	if len(h.metrics.persist) != 1 {
		t.Errorf("persistence errors = %v, want 1", h.metrics.persist)
	}
}

func TestSend_StatusUpdateFailure(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)
	h.audit.updateErr = errors.New("locked")

	if _, err := h.pub.Send(context.Background(), "D1", mustPayload(t, "REBOOT"), ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.echo.envs) != 1 || h.echo.envs[0].Persisted {
		t.Errorf("echo = %+v, want unpersisted after failed status update", h.echo.envs)
	}
	if len(h.metrics.persist) != 1 || h.metrics.persist[0] != "command_status" {
		t.Errorf("persistence errors = %v, want [command_status]", h.metrics.persist)
	}
}

func TestSendToGroup(t *testing.T) {
	h := newPubHarness(t, testCommandConfig(), true)
	h.devices.groups["pumps"] = []string{"D1", "D3"}
	h.devices.groups["empty"] = nil
	ctx := context.Background()

	got, err := h.pub.SendToGroup(ctx, "pumps", mustPayload(t, map[string]any{"command": "STOP"}), "admin-1")
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}
	if !got.Success || len(got.Results) != 2 {
		t.Fatalf("GroupAck = %+v", got)
	}
	if got.Results[0].DeviceID != "D1" || got.Results[1].DeviceID != "D3" {
		t.Errorf("results = %+v", got.Results)
	}
	pubs := h.broker.snapshot()
	if len(pubs) != 2 || pubs[0].topic != "device/D1/cmd" || pubs[1].body != `{"command":"STOP"}` {
		t.Errorf("published = %+v", pubs)
	}

	empty, err := h.pub.SendToGroup(ctx, "empty", mustPayload(t, "STOP"), "")
	if err != nil || !empty.Success || len(empty.Results) != 0 {
		t.Errorf("SendToGroup(empty) = %+v, %v", empty, err)
	}

	if _, err := h.pub.SendToGroup(ctx, "missing", mustPayload(t, "STOP"), ""); !errors.Is(err, device.ErrGroupNotFound) {
		t.Errorf("SendToGroup(missing) error = %v, want ErrGroupNotFound", err)
	}
}

func TestSendToGroup_PartialFailure(t *testing.T) {
	cfg := testCommandConfig()
	cfg.Retry.MaxAttempts = 1
	h := newPubHarness(t, cfg, true)
	h.devices.groups["pair"] = []string{"D1", "D2"}
	h.broker.script = []error{rejected("device/D1/cmd")}

	got, err := h.pub.SendToGroup(context.Background(), "pair", mustPayload(t, "STOP"), "")
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}
	if got.Success {
		t.Errorf("Success = true, want false with one failed member")
	}
	if got.Results[0].Error == "" || got.Results[1].Error != "" || !got.Results[1].Success {
		t.Errorf("results = %+v", got.Results)
	}
}
