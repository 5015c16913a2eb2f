package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/ingest"
	"github.com/nerrad567/fleet-relay/internal/realtime"
)

// DefaultDedupeWindow is used when no window is configured.
const DefaultDedupeWindow = 2 * time.Second

// Broadcaster forwards reconciled events to viewers. *realtime.Gateway satisfies it.
type Broadcaster interface {
	BroadcastStatus(env realtime.Envelope)
	BroadcastLiveness(env realtime.Envelope)
}

// TelemetrySink receives device measurements. *influxdb.Client satisfies it.
type TelemetrySink interface {
	WriteDeviceStatus(serial string, parsed any, at time.Time) int
	WriteLiveness(serial string, online bool, at time.Time)
}

// Metrics receives persistence failures. *metrics.Metrics satisfies it.
type Metrics interface {
	PersistenceError(op string)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMetrics reports persistence failures to m.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTelemetry writes status fields and liveness changes to sink.
func WithTelemetry(sink TelemetrySink) Option {
	return func(r *Reconciler) { r.telemetry = sink }
}

// WithDedupeWindow sets the liveness dedupe window. Zero disables dedupe.
func WithDedupeWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// livenessMark is the last persisted liveness state for a serial.
type livenessMark struct {
	online bool
	at     time.Time
}

// Reconciler writes device state and forwards it to viewers.
//
// Thread Safety:
//   - Safe for concurrent use, though the relay pipeline calls it from a
//     single goroutine to keep per-device order.
type Reconciler struct {
	devices     device.Store
	logs        audit.Store
	broadcaster Broadcaster
	telemetry   TelemetrySink
	metrics     Metrics
	log         *logging.Logger
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	liveness map[string]livenessMark
	swept    time.Time
}

// New creates a Reconciler.
func New(devices device.Store, logs audit.Store, broadcaster Broadcaster, opts ...Option) *Reconciler {
	r := &Reconciler{
		devices:     devices,
		logs:        logs,
		broadcaster: broadcaster,
		metrics:     nopMetrics{},
		log:         logging.Discard(),
		window:      DefaultDedupeWindow,
		now:         time.Now,
		liveness:    make(map[string]livenessMark),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyStatus records a status report for serial and forwards it.
//
// The device is provisioned OFFLINE if it does not exist yet. Its
// LastSeenAt is advanced but its ONLINE/OFFLINE status is left alone.
// The returned error reports a persistence failure; the event has been
// forwarded either way.
func (r *Reconciler) ApplyStatus(ctx context.Context, serial string, parsed any, display ingest.Display) error {
	now := r.now().UTC()

	persistErr := r.persistStatus(ctx, serial, parsed, now)
	if persistErr != nil {
		r.persistenceFailed("status", serial, persistErr)
	}

	if r.telemetry != nil {
		r.telemetry.WriteDeviceStatus(serial, parsed, now)
	}

	message := display.Summary
	if message == "" {
		message = "Status update"
	}
	r.broadcaster.BroadcastStatus(realtime.Envelope{
		DeviceID:  serial,
		Message:   message,
		Payload:   parsed,
		Display:   &display,
		Persisted: persistErr == nil,
		CreatedAt: now,
	})
	return persistErr
}

func (r *Reconciler) persistStatus(ctx context.Context, serial string, parsed any, now time.Time) error {
	d, err := r.devices.UpsertDevice(ctx, serial, device.Upsert{SeenAt: now})
	if err != nil {
		return fmt.Errorf("touching device %s: %w", serial, err)
	}

	payload, err := payloadText(parsed)
	if err != nil {
		return fmt.Errorf("encoding status payload for %s: %w", serial, err)
	}

	err = r.logs.CreateLog(ctx, &audit.Log{
		ID:        audit.NewLogID(),
		DeviceID:  d.ID,
		EventType: audit.EventStatus,
		Payload:   payload,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("logging status for %s: %w", serial, err)
	}
	return nil
}

// ApplyLiveness records a liveness signal for serial and forwards it.
//
// A repeat of the last persisted state inside the dedupe window only
// advances LastSeenAt; nothing is logged or forwarded. The returned error
// reports a persistence failure; the event has been forwarded either way.
func (r *Reconciler) ApplyLiveness(ctx context.Context, serial string, online bool) error {
	now := r.now().UTC()

	if r.duplicate(serial, online, now) {
		r.log.Debug("duplicate liveness signal suppressed", "serial", serial, "online", online)
		if _, err := r.devices.UpsertDevice(ctx, serial, device.Upsert{SeenAt: now}); err != nil {
			r.persistenceFailed("liveness", serial, err)
			return fmt.Errorf("touching device %s: %w", serial, err)
		}
		return nil
	}

	status := device.StatusFromLiveness(online)
	persistErr := r.persistLiveness(ctx, serial, online, now)
	if persistErr != nil {
		r.persistenceFailed("liveness", serial, persistErr)
	} else {
		r.remember(serial, online, now)
	}

	if r.telemetry != nil {
		r.telemetry.WriteLiveness(serial, online, now)
	}

	message := "Device went offline"
	if online {
		message = "Device came online"
	}
	r.broadcaster.BroadcastLiveness(realtime.Envelope{
		DeviceID:  serial,
		Message:   message,
		Payload:   map[string]any{"status": string(status)},
		Persisted: persistErr == nil,
		CreatedAt: now,
	})
	return persistErr
}

func (r *Reconciler) persistLiveness(ctx context.Context, serial string, online bool, now time.Time) error {
	status := device.StatusFromLiveness(online)
	eventType := audit.EventError
	if online {
		eventType = audit.EventSystem
	}
	entry := &audit.Log{
		ID:        audit.NewLogID(),
		EventType: eventType,
		Payload:   fmt.Sprintf(`{"status":%q}`, status),
		CreatedAt: now,
	}

	if recorder, ok := r.devices.(device.LivenessRecorder); ok {
		if _, err := recorder.RecordLiveness(ctx, serial, online, now, entry); err != nil {
			return err
		}
		return nil
	}

	// Without a transactional store: log first, then upsert. The upsert is
	// authoritative for status, so it runs even when the log write fails.
	var logErr error
	d, err := r.devices.FindDevice(ctx, serial)
	if errors.Is(err, device.ErrDeviceNotFound) {
		d, err = r.devices.UpsertDevice(ctx, serial, device.Upsert{})
	}
	if err != nil {
		logErr = fmt.Errorf("resolving device %s: %w", serial, err)
	} else {
		entry.DeviceID = d.ID
		if err := r.logs.CreateLog(ctx, entry); err != nil {
			logErr = fmt.Errorf("logging liveness for %s: %w", serial, err)
		}
	}

	if _, err := r.devices.UpsertDevice(ctx, serial, device.Upsert{Status: &status, SeenAt: now}); err != nil {
		return errors.Join(logErr, fmt.Errorf("updating status for %s: %w", serial, err))
	}
	return logErr
}

func (r *Reconciler) duplicate(serial string, online bool, now time.Time) bool {
	if r.window <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mark, ok := r.liveness[serial]
	return ok && mark.online == online && now.Sub(mark.at) < r.window
}

// remember stores the mark for serial. At most once per window it also
// drops marks that can no longer suppress anything.
func (r *Reconciler) remember(serial string, online bool, now time.Time) {
	if r.window <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.swept) >= r.window {
		for s, mark := range r.liveness {
			if now.Sub(mark.at) >= r.window {
				delete(r.liveness, s)
			}
		}
		r.swept = now
	}
	r.liveness[serial] = livenessMark{online: online, at: now}
}

func (r *Reconciler) persistenceFailed(op, serial string, err error) {
	r.metrics.PersistenceError(op)
	r.log.Error("device state write failed; forwarding unpersisted", "op", op, "serial", serial, "error", err)
}

// payloadText renders parsed for the log: raw strings as-is, anything else as JSON.
func payloadText(parsed any) (string, error) {
	if s, ok := parsed.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type nopMetrics struct{}

func (nopMetrics) PersistenceError(string) {}
