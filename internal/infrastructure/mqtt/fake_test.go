package mqtt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// fakeClient implements pahomqtt.Client in memory.
type fakeClient struct {
	mu            sync.Mutex
	open          bool
	connectErrs   []error
	connectCalls  int
	disconnects   int
	publishErr    error
	published     []publishedMessage
	subscriptions map[string]pahomqtt.MessageHandler
	opts          *pahomqtt.ClientOptions
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) factory(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	c.opts = opts
	return c
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	var err error
	if len(c.connectErrs) > 0 {
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	if err == nil {
		c.open = true
	}
	return newToken(err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	if c.publishErr != nil {
		return newToken(c.publishErr)
	}
	c.published = append(c.published, publishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return newToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = callback
	return newToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range filters {
		c.subscriptions[topic] = callback
	}
	return newToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token        { return newToken(nil) }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

// deliver routes a message to the subscription for its topic family.
func (c *fakeClient) deliver(topic string, payload []byte) {
	filter := Topics{}.AllDeviceStatus()
	if strings.HasSuffix(topic, "/"+KindLWT) {
		filter = Topics{}.AllDeviceLWT()
	}
	c.mu.Lock()
	handler := c.subscriptions[filter]
	c.mu.Unlock()
	if handler != nil {
		handler(c, &fakeMessage{topic: topic, payload: payload})
	}
}

// dropSilently closes the socket without notifying the connection-lost handler.
func (c *fakeClient) dropSilently() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeClient) failNextConnects(errs ...error) {
	c.mu.Lock()
	c.connectErrs = append(c.connectErrs, errs...)
	c.mu.Unlock()
}

func (c *fakeClient) snapshot() (connects, disconnects int, published []publishedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls, c.disconnects, append([]publishedMessage(nil), c.published...)
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// fakeTimer records reconnect delays and fires immediately.
type fakeTimer struct {
	delays chan time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{delays: make(chan time.Duration, 128)}
}

func (f *fakeTimer) after(d time.Duration) <-chan time.Time {
	f.delays <- d
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func (f *fakeTimer) next(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-f.delays:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reconnect delay")
		return 0
	}
}

var errRefused = errors.New("connection refused")

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "relay-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     30,
		},
		HeartbeatInterval: 15,
		InboundBuffer:     16,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
