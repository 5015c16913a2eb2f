// Fleet Relay - device message relay between an MQTT broker, a record
// store and realtime viewers.
//
// The process holds one broker connection, reconciles device status and
// liveness into SQLite, relays operator commands with bounded retry and an
// in-memory queue, and fans events out to websocket viewers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nerrad567/fleet-relay/internal/api"
	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/command"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/database"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/realtime"
	"github.com/nerrad567/fleet-relay/internal/reconcile"
	"github.com/nerrad567/fleet-relay/internal/relay"
	"github.com/nerrad567/fleet-relay/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/relay.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting fleet relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := loadDotEnv(); err != nil {
		return err
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	m := metrics.New()

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	applied, err := db.Migrate(ctx, migrations.Source())
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	devices := device.NewRegistry(device.NewSQLiteRepository(db))
	devices.SetLogger(log.Component("device"))
	if err := devices.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	log.Info("device registry initialised", "devices", devices.GetStats().TotalDevices)

	logs := audit.NewSQLiteRepository(db.DB)

	checks := map[string]api.HealthChecker{"database": db}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	broker, err := mqtt.NewManager(cfg.MQTT,
		mqtt.WithLogger(log.Component("mqtt")),
		mqtt.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating MQTT manager: %w", err)
	}

	verifier := auth.NewVerifier(cfg.Security.JWT.Secret)
	authz := auth.ScopeAuthorizer{}

	gateway := realtime.NewGateway(
		realtime.NewRegistry(cfg.Realtime.JoinInterval),
		authz,
		devices,
		realtime.WithLogger(log.Component("realtime")),
		realtime.WithMetrics(m),
	)
	viewers := realtime.NewHandler(gateway, verifier, cfg.Realtime, log.Component("realtime"))

	publisher := command.NewPublisher(broker, devices, logs, gateway, cfg.Command,
		command.WithLogger(log.Component("command")),
		command.WithMetrics(m),
		command.WithQoS(byte(cfg.MQTT.QoS)), // #nosec G115 -- validated to 0..2
	)
	broker.OnConnected(publisher.Drain)

	reconcileOpts := []reconcile.Option{
		reconcile.WithLogger(log.Component("reconcile")),
		reconcile.WithMetrics(m),
		reconcile.WithDedupeWindow(cfg.Reconcile.DedupeWindow),
	}
	if influxClient != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithTelemetry(influxClient))
	}
	reconciler := reconcile.New(devices, logs, gateway, reconcileOpts...)

	pipeline := relay.New(broker, reconciler,
		relay.WithLogger(log.Component("relay")),
		relay.WithMetrics(m),
	)

	// Broker connection is retried in the background; the relay serves
	// (and queues commands) while it is down.
	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("starting MQTT manager: %w", err)
	}
	log.Info("MQTT manager started", "broker", cfg.MQTT.Broker.URL(), "client_id", cfg.MQTT.Broker.ClientID)

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- pipeline.Run(ctx)
	}()

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		Logger:       log.Component("api"),
		Verifier:     verifier,
		Authorizer:   authz,
		Commands:     publisher,
		Devices:      devices,
		Audit:        logs,
		Broker:       broker,
		Realtime:     viewers,
		Metrics:      m,
		RealtimePath: cfg.Realtime.Path,
		Checks:       checks,
		Version:      version,
	})
	if err != nil {
		shutdown(log, nil, publisher, broker, pipelineDone)
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		shutdown(log, nil, publisher, broker, pipelineDone)
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	shutdown(log, server, publisher, broker, pipelineDone)

	// Deferred Close() calls run in reverse order:
	// 1. InfluxDB (if enabled)
	// 2. Database
	log.Info("fleet relay stopped")
	return nil
}

// shutdown stops the running components in dependency order: HTTP and
// viewers first, then the outbound queue, then the broker link. Closing
// the broker closes its message channel, which ends the pipeline.
func shutdown(log *logging.Logger, server *api.Server, publisher *command.Publisher, broker *mqtt.Manager, pipelineDone <-chan error) {
	if server != nil {
		if err := server.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}

	log.Info("stopping command publisher", "queued", publisher.QueueDepth())
	publisher.Close()

	log.Info("disconnecting from MQTT")
	if err := broker.Close(); err != nil {
		log.Error("error closing MQTT", "error", err)
	}

	if err := <-pipelineDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay pipeline stopped with error", "error", err)
	}
}

// getConfigPath returns the configuration file path.
// Uses RELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads path, falling back to built-in defaults plus RELAY_*
// environment overrides when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg, err := config.Default()
		if err != nil {
			return nil, fmt.Errorf("loading default config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads a .env file from the working directory when present.
// Variables already set in the environment win.
func loadDotEnv() error {
	path := os.Getenv("RELAY_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
