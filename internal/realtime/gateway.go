package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
)

// Conn is one viewer connection.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string

	// Identity returns the verified viewer, or nil before authentication.
	Identity() *auth.Identity

	// Send queues an encoded frame. It must not block.
	Send(frame []byte) error

	// Close terminates the connection.
	Close() error
}

// DeviceLookup resolves a device for join snapshots. device.Store satisfies it.
type DeviceLookup interface {
	FindDevice(ctx context.Context, key string) (*device.Device, error)
}

// Metrics receives viewer activity. *metrics.Metrics satisfies it.
type Metrics interface {
	ViewerConnected(delta int)
	RoomJoin(result string)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithMetrics reports viewer activity to m.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway authorises viewers into device rooms and delivers envelopes.
type Gateway struct {
	registry *Registry
	authz    auth.Authorizer
	devices  DeviceLookup
	log      *logging.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewGateway creates a Gateway over registry. devices may be nil, in which
// case join snapshots report the device as unknown.
func NewGateway(registry *Registry, authz auth.Authorizer, devices DeviceLookup, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		authz:    authz,
		devices:  devices,
		log:      logging.Discard(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the gateway's room registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Connect registers a new connection.
func (g *Gateway) Connect(conn Conn) {
	if g.registry.Register(conn) {
		g.metrics.ViewerConnected(1)
		g.log.Debug("viewer connected", "conn", conn.ID(), "viewers", g.registry.ConnCount())
	}
}

// Join adds conn to the room for serial and sends it a snapshot.
//
// A conn with no identity is sent an unauthenticated error frame, closed,
// and ErrUnauthenticated is returned. Every other attempt consumes a join
// token first, so ErrRateLimited can precede ErrInvalidDevice and
// ErrForbidden.
func (g *Gateway) Join(ctx context.Context, conn Conn, serial string) error {
	id := conn.Identity()
	if id == nil {
		g.metrics.RoomJoin("unauthenticated")
		g.log.Warn("join without identity, closing connection", "conn", conn.ID())
		if frame, err := encodeFrame(eventError, replyError{
			Code: errorCode(ErrUnauthenticated), Message: ErrUnauthenticated.Error(),
		}); err == nil {
			conn.Send(frame) //nolint:errcheck // connection is being discarded
		}
		conn.Close() //nolint:errcheck // connection is being discarded
		return ErrUnauthenticated
	}

	if !g.registry.AllowJoin(conn) {
		g.metrics.RoomJoin("rate_limited")
		return ErrRateLimited
	}

	serial = device.NormaliseSerial(serial)
	if err := device.ValidateSerial(serial); err != nil {
		g.metrics.RoomJoin("invalid")
		return fmt.Errorf("%w: %q", ErrInvalidDevice, serial)
	}

	if err := g.authz.Authorize(ctx, id, auth.PermDeviceView, serial); err != nil {
		g.metrics.RoomJoin("forbidden")
		g.log.Info("join forbidden", "conn", conn.ID(), "user_id", id.UserID, "device", serial)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}

	g.registry.Add(conn, serial)
	g.metrics.RoomJoin("ok")
	g.log.Debug("viewer joined device room", "conn", conn.ID(), "user_id", id.UserID, "device", serial)

	frame, err := encodeFrame(EventDeviceSnapshot, g.snapshot(ctx, serial))
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := conn.Send(frame); err != nil {
		g.log.Debug("snapshot not delivered", "conn", conn.ID(), "device", serial, "error", err)
	}
	return nil
}

func (g *Gateway) snapshot(ctx context.Context, serial string) Snapshot {
	snap := Snapshot{V: EnvelopeVersion, DeviceID: serial}
	if g.devices == nil {
		return snap
	}

	d, err := g.devices.FindDevice(ctx, serial)
	switch {
	case err == nil:
		snap.Known = true
		snap.Status = d.Status
		snap.Name = d.Name
		snap.LastSeenAt = d.LastSeenAt
	case errors.Is(err, device.ErrDeviceNotFound):
	default:
		g.log.Warn("snapshot lookup failed", "device", serial, "error", err)
	}
	return snap
}

// Leave removes conn from serial's room.
func (g *Gateway) Leave(conn Conn, serial string) {
	if g.registry.Remove(conn, device.NormaliseSerial(serial)) {
		g.log.Debug("viewer left device room", "conn", conn.ID(), "device", serial)
	}
}

// Disconnect removes every membership and the join limiter for conn.
func (g *Gateway) Disconnect(conn Conn) {
	registered, rooms := g.registry.RemoveConn(conn)
	if registered {
		g.metrics.ViewerConnected(-1)
	}
	g.log.Debug("viewer disconnected", "conn", conn.ID(), "rooms", rooms)
}

// BroadcastStatus emits a STATUS envelope to the device's room.
func (g *Gateway) BroadcastStatus(env Envelope) {
	env.Type = TypeStatus
	g.broadcast(EventDeviceStatus, env)
}

// BroadcastLiveness emits an LWT envelope to the device's room.
func (g *Gateway) BroadcastLiveness(env Envelope) {
	env.Type = TypeLWT
	g.broadcast(EventDeviceStatus, env)
}

// BroadcastCommand emits a COMMAND envelope to the device's room.
func (g *Gateway) BroadcastCommand(env Envelope) {
	env.Type = TypeCommand
	g.broadcast(EventDeviceCommand, env)
}

func (g *Gateway) broadcast(event string, env Envelope) {
	members := g.registry.Members(env.DeviceID)
	if len(members) == 0 {
		return
	}

	env.V = EnvelopeVersion
	if env.CreatedAt.IsZero() {
		env.CreatedAt = g.now().UTC()
	}
	frame, err := encodeFrame(event, env)
	if err != nil {
		g.log.Error("failed to marshal broadcast envelope", "device", env.DeviceID, "error", err)
		return
	}

	for _, conn := range members {
		if err := conn.Send(frame); err != nil {
			g.log.Debug("broadcast not delivered", "conn", conn.ID(), "device", env.DeviceID, "error", err)
		}
	}
	g.log.Debug("broadcast sent", "event", event, "device", env.DeviceID, "type", env.Type, "recipients", len(members))
}

type nopMetrics struct{}

func (nopMetrics) ViewerConnected(int) {}
func (nopMetrics) RoomJoin(string)     {}
