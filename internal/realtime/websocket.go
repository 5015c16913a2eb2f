package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
)

// Client message types.
const (
	MsgAuth        = "auth"
	MsgJoinDevice  = "join-device"
	MsgLeaveDevice = "leave-device"
	MsgPing        = "ping"
)

const (
	// sendBufferSize is the per-client outbound message buffer size.
	sendBufferSize = 256

	// messageTimeout bounds the work done for one client message.
	messageTimeout = 5 * time.Second

	defaultMaxMessageSize = 8192
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
)

// TokenVerifier validates a viewer token. *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// clientMessage is a message received from a viewer.
type clientMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Handler upgrades HTTP requests to viewer connections.
//
// A token may be passed as the ?token= query parameter, in which case an
// invalid token is refused with 401 before the upgrade. Without one, the
// connection is accepted unauthenticated and must send an auth message
// before joining rooms.
type Handler struct {
	gateway  *Gateway
	verifier TokenVerifier
	log      *logging.Logger
	upgrader websocket.Upgrader

	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHandler creates a websocket handler for gateway.
func NewHandler(gateway *Gateway, verifier TokenVerifier, cfg config.RealtimeConfig, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	h := &Handler{
		gateway:  gateway,
		verifier: verifier,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Origin checking is handled by CORS middleware
				return true
			},
		},
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongWait:       time.Duration(cfg.PongTimeout) * time.Second,
		clients:        make(map[*Client]struct{}),
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultMaxMessageSize
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongTimeout
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if token := r.URL.Query().Get("token"); token != "" {
		id, err := h.verifier.Verify(token)
		if err != nil {
			h.log.Info("websocket upgrade refused", "reason", "invalid token", "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			//nolint:errcheck // Best-effort write to response
			w.Write([]byte(`{"status":401,"code":"unauthorised","message":"invalid or expired token"}`))
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:       "ws-" + uuid.NewString(),
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		identity: identity,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.gateway.Connect(c)

	go c.writePump()
	go c.readPump()
}

// Close disconnects every client.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close() //nolint:errcheck // shutting down
	}
}

// ClientCount returns the number of open connections.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Handler) unregister(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		h.gateway.Disconnect(c)
	}
}

// Client is a viewer connected over a websocket. It implements Conn.
type Client struct {
	id      string
	handler *Handler
	conn    *websocket.Conn
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	identity *auth.Identity
}

// ID implements Conn.
func (c *Client) ID() string { return c.id }

// Identity implements Conn.
func (c *Client) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) setIdentity(id *auth.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Send queues frame for the write pump without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the pumps. Frames queued before Close are still written,
// followed by a normal close frame.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// readPump reads messages from the websocket connection.
func (c *Client) readPump() {
	// The write pump owns the socket; it sends the close frame and closes it.
	defer func() {
		c.handler.unregister(c)
		c.Close() //nolint:errcheck // already closing
	}()

	c.conn.SetReadLimit(c.handler.maxMessageSize)
	deadline := c.handler.pingInterval + c.handler.pongWait
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.log.Warn("websocket read error", "conn", c.id, "error", err)
			} else {
				c.handler.log.Debug("websocket closed", "conn", c.id, "error", err)
			}
			return
		}
		// Any client message keeps the connection alive.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump writes queued frames and pings to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.handler.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	wait := c.handler.pongWait
	for {
		select {
		case <-c.done:
			c.flush(wait)
			//nolint:errcheck // Best-effort close message
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wait))
			return
		case frame := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close() //nolint:errcheck // write side failed
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close() //nolint:errcheck // write side failed
				return
			}
		}
	}
}

// flush writes frames queued before Close.
func (c *Client) flush(wait time.Duration) {
	for {
		select {
		case frame := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleMessage processes one client message.
func (c *Client) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(eventError, replyError{Code: "bad_request", Message: "invalid JSON message"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	switch msg.Type {
	case MsgAuth:
		c.handleAuth(msg)
	case MsgJoinDevice:
		if err := c.handler.gateway.Join(ctx, c, msg.DeviceID); err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				return // gateway already replied and closed
			}
			c.reply(eventError, replyError{Code: errorCode(err), Message: err.Error()})
			return
		}
		c.reply(eventJoined, map[string]string{"deviceId": msg.DeviceID})
	case MsgLeaveDevice:
		c.handler.gateway.Leave(c, msg.DeviceID)
		c.reply(eventLeft, map[string]string{"deviceId": msg.DeviceID})
	case MsgPing:
		c.reply(eventPong, nil)
	default:
		c.reply(eventError, replyError{Code: "bad_request", Message: "unknown message type: " + msg.Type})
	}
}

func (c *Client) handleAuth(msg clientMessage) {
	id, err := c.handler.verifier.Verify(msg.Token)
	if err != nil {
		c.handler.log.Info("websocket auth failed", "conn", c.id, "error", err)
		c.reply(eventError, replyError{Code: "unauthenticated", Message: "invalid or expired token"})
		c.Close() //nolint:errcheck // queued error is flushed first
		return
	}
	c.setIdentity(id)
	c.reply(eventAuthenticated, map[string]string{"userId": id.UserID, "role": string(id.Role)})
}

func (c *Client) reply(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	//nolint:errcheck // replies are best-effort
	c.Send(frame)
}
