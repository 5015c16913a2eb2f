package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleet-relay/internal/backoff"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

// State is the Manager's view of the broker link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Message is one inbound publish, copied out of paho.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics receives link state changes. *metrics.Metrics satisfies it.
type Metrics interface {
	SetBrokerConnected(up bool)
	ReconnectAttempt()
}

// ClientFactory builds the paho client. Tests substitute a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces pahomqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithLogger sets the logger used for state transitions and handler errors.
func WithLogger(l Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics reports link state to mt.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTimer replaces time.After for reconnect delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = after }
}

// WithHeartbeat overrides the heartbeat interval from config.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// Manager owns the relay's single broker connection.
//
// It connects, subscribes to the device status and liveness families,
// reconnects with capped exponential backoff, and runs a heartbeat that
// forces a reconnect when paho's view of the socket and the Manager's
// flag disagree. Inbound messages are delivered in broker order on
// Messages().
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Only the run loop connects, so a reconnect scheduled before the link
//     came back never produces a second connection.
type Manager struct {
	cfg       config.MQTTConfig
	client    pahomqtt.Client
	newClient ClientFactory
	log       Logger
	metrics   Metrics
	after     func(time.Duration) <-chan time.Time
	heartbeat time.Duration

	// reconnect is touched only by the run loop.
	reconnect *backoff.Sequence

	state     atomic.Int32
	connected atomic.Bool
	lost      chan error

	callbackMu sync.RWMutex
	callbacks  []func()

	inbound  chan Message
	inMu     sync.RWMutex
	inClosed bool

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    chan struct{}
	closed  bool
}

// NewManager validates the broker endpoint and prepares a Manager.
// It does not connect; call Start.
//
// Returns ErrInvalidConfig for a missing or malformed endpoint.
func NewManager(cfg config.MQTTConfig, opts ...Option) (*Manager, error) {
	if err := validateBroker(cfg); err != nil {
		return nil, err
	}

	buffer := cfg.InboundBuffer
	if buffer <= 0 {
		buffer = 1
	}
	heartbeat := time.Duration(cfg.HeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	m := &Manager{
		cfg:       cfg,
		newClient: pahomqtt.NewClient,
		log:       nopLogger{},
		metrics:   nopMetrics{},
		after:     time.After,
		heartbeat: heartbeat,
		reconnect: backoff.NewSequence(backoff.Policy{
			Base: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
			Max:  time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		}),
		lost:    make(chan error, 1),
		inbound: make(chan Message, buffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	clientOpts := buildClientOptions(cfg)
	clientOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.handleConnectionLost(err)
	})
	m.client = m.newClient(clientOpts)

	return m, nil
}

// Start launches the connection loop and returns immediately.
// Connection failures are retried until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started || m.closed {
		return ErrAlreadyStarted
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
	return nil
}

// OnConnected registers fn to run after every successful connect,
// once subscriptions are in place. Callbacks run on a separate goroutine
// in registration order.
func (m *Manager) OnConnected(fn func()) {
	m.callbackMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.callbackMu.Unlock()
}

// Messages returns the inbound message channel. It is closed by Close.
func (m *Manager) Messages() <-chan Message {
	return m.inbound
}

// State returns the current link state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether the Manager believes the link is up and
// paho agrees the socket is open.
func (m *Manager) IsConnected() bool {
	return m.connected.Load() && m.client.IsConnectionOpen()
}

// HealthCheck returns ErrNotConnected when the link is down.
func (m *Manager) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close stops the connection loop, publishes a graceful offline status,
// disconnects, and closes Messages(). It is safe to call more than once.
func (m *Manager) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	cancel, started := m.cancel, m.started
	m.lifeMu.Unlock()

	if started {
		cancel()
		<-m.done
	}

	if m.IsConnected() {
		m.publishPresence("offline", "graceful_shutdown")
	}
	m.client.Disconnect(defaultDisconnectQuiesce)
	m.markDisconnected()

	m.inMu.Lock()
	m.inClosed = true
	close(m.inbound)
	m.inMu.Unlock()
	return nil
}

// run is the only goroutine that connects.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("broker connect failed", "broker", m.cfg.Broker.URL(), "error", err)
			if !m.sleep(ctx, m.nextReconnectDelay()) {
				return
			}
			continue
		}

		reason := m.supervise(ctx)
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("broker link down", "reason", reason)
		if !m.sleep(ctx, m.nextReconnectDelay()) {
			return
		}
	}
}

// connect performs one connect-and-subscribe attempt.
func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting)

	// A loss reported for the previous session must not end this one.
	select {
	case <-m.lost:
	default:
	}

	if err := waitToken(ctx, m.client.Connect(), defaultConnectTimeout); err != nil {
		m.client.Disconnect(0)
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if err := m.subscribe(ctx); err != nil {
		m.client.Disconnect(0)
		m.setState(StateDisconnected)
		return err
	}

	m.reconnect.Reset()
	m.connected.Store(true)
	m.metrics.SetBrokerConnected(true)
	m.setState(StateConnected)

	m.publishPresence("online", "")
	go m.fireConnected()
	return nil
}

func (m *Manager) subscribe(ctx context.Context) error {
	qos := byte(m.cfg.QoS)
	for _, topic := range []string{Topics{}.AllDeviceStatus(), Topics{}.AllDeviceLWT()} {
		if err := waitToken(ctx, m.client.Subscribe(topic, qos, m.handleMessage), defaultSubscribeTimeout); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		m.log.Debug("subscribed", "topic", topic, "qos", qos)
	}
	return nil
}

// supervise blocks while the link is up and returns why it ended.
func (m *Manager) supervise(ctx context.Context) string {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case err := <-m.lost:
			return fmt.Sprintf("connection lost: %v", err)
		case <-ticker.C:
			open, flagged := m.client.IsConnectionOpen(), m.connected.Load()
			if open == flagged {
				continue
			}
			m.log.Warn("heartbeat detected half-open link, forcing reconnect",
				"transport_open", open, "flag", flagged)
			m.markDisconnected()
			m.client.Disconnect(0)
			return "heartbeat mismatch"
		}
	}
}

func (m *Manager) nextReconnectDelay() time.Duration {
	delay := m.reconnect.Next()
	m.metrics.ReconnectAttempt()
	m.log.Info("reconnect scheduled", "delay", delay, "attempt", m.reconnect.Attempt())
	return delay
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.after(d):
		return true
	}
}

func (m *Manager) handleConnectionLost(err error) {
	m.markDisconnected()
	select {
	case m.lost <- err:
	default:
	}
}

func (m *Manager) markDisconnected() {
	if m.connected.Swap(false) {
		m.metrics.SetBrokerConnected(false)
	}
	m.setState(StateDisconnected)
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.log.Info("broker state changed", "from", old.String(), "to", s.String(), "broker", m.cfg.Broker.URL())
	}
}

func (m *Manager) fireConnected() {
	m.callbackMu.RLock()
	callbacks := make([]func(), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()

	for _, fn := range callbacks {
		m.safeCall(fn)
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("on-connected callback panic recovered", "panic", r)
		}
	}()
	fn()
}

// handleMessage copies the message onto the inbound channel.
// A full channel applies backpressure to paho rather than dropping.
func (m *Manager) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
		}
	}()

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	in := Message{Topic: msg.Topic(), Payload: payload, ReceivedAt: time.Now().UTC()}

	m.inMu.RLock()
	defer m.inMu.RUnlock()
	if m.inClosed {
		return
	}

	select {
	case m.inbound <- in:
		return
	default:
	}
	m.log.Warn("inbound buffer full, applying backpressure", "topic", in.Topic, "capacity", cap(m.inbound))
	select {
	case m.inbound <- in:
	case <-m.stop:
	}
}

// waitToken waits for a paho token, the context, or the timeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopMetrics struct{}

func (nopMetrics) SetBrokerConnected(bool) {}
func (nopMetrics) ReconnectAttempt()       {}
