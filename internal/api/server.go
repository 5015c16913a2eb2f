package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/command"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// CommandSender relays commands to devices. *command.Publisher satisfies it.
type CommandSender interface {
	Send(ctx context.Context, serial string, payload command.Payload, issuedBy string) (command.Ack, error)
	SendToGroup(ctx context.Context, groupID string, payload command.Payload, issuedBy string) (command.GroupAck, error)
	QueueDepth() int
}

// TokenVerifier turns a bearer token into an identity. *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// DeviceReader reads the device registry. *device.SQLiteRepository satisfies it.
type DeviceReader interface {
	FindDevice(ctx context.Context, key string) (*device.Device, error)
	List(ctx context.Context) ([]device.Device, error)
}

// AuditReader reads device logs and command records. *audit.SQLiteRepository satisfies it.
type AuditReader interface {
	ListLogs(ctx context.Context, filter audit.Filter) ([]audit.Log, error)
	GetCommand(ctx context.Context, id string) (*audit.CommandRecord, error)
}

// RealtimeHandler serves viewer websockets. *realtime.Handler satisfies it.
type RealtimeHandler interface {
	http.Handler
	ClientCount() int
	Close()
}

// HTTPMetrics records request metrics and serves the scrape endpoint.
// *metrics.Metrics satisfies it.
type HTTPMetrics interface {
	ObserveHTTP(method, route string, status int, seconds float64)
	Handler() http.Handler
}

// HealthChecker is implemented by every component health reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the broker link. *mqtt.Manager satisfies it.
type BrokerStatus interface {
	HealthChecker
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config       config.APIConfig
	Logger       *logging.Logger
	Verifier     TokenVerifier
	Authorizer   auth.Authorizer
	Commands     CommandSender
	Devices      DeviceReader
	Audit        AuditReader
	Broker       BrokerStatus
	Realtime     RealtimeHandler // optional
	Metrics      HTTPMetrics     // optional
	RealtimePath string          // defaults to /ws

	// Checks are reported by GET /api/v1/health alongside the broker.
	Checks  map[string]HealthChecker
	Version string
}

// Server is the relay's HTTP server.
//
// It is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	logger       *logging.Logger
	verifier     TokenVerifier
	authz        auth.Authorizer
	commands     CommandSender
	devices      DeviceReader
	audit        AuditReader
	broker       BrokerStatus
	realtime     RealtimeHandler
	metrics      HTTPMetrics
	realtimePath string
	checks       map[string]HealthChecker
	version      string
	started      time.Time

	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command sender is required")
	}
	if deps.Devices == nil || deps.Audit == nil {
		return nil, fmt.Errorf("device and audit readers are required")
	}
	if deps.Authorizer == nil {
		deps.Authorizer = auth.ScopeAuthorizer{}
	}
	if deps.RealtimePath == "" {
		deps.RealtimePath = "/ws"
	}

	return &Server{
		cfg:          deps.Config,
		logger:       deps.Logger,
		verifier:     deps.Verifier,
		authz:        deps.Authorizer,
		commands:     deps.Commands,
		devices:      deps.Devices,
		audit:        deps.Audit,
		broker:       deps.Broker,
		realtime:     deps.Realtime,
		metrics:      deps.Metrics,
		realtimePath: deps.RealtimePath,
		checks:       deps.Checks,
		version:      deps.Version,
		started:      time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns so a port in use is reported
// to the caller; requests are then served on a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// Viewer websockets are closed first since http.Server.Shutdown does not
// track hijacked connections. In-flight requests get up to 10 seconds.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.realtime != nil {
		s.realtime.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
