// miiobridge supervises intermittently reachable miio devices and bridges
// their capabilities to MQTT, a REST API and WebSocket subscribers.
//
// Usage:
//
//	miiobridge                        run the bridge
//	miiobridge hash-key <key>         print an argon2id hash for an API key
//	miiobridge token <subject> <role> mint an access token
//
// The configuration file is read from MIIOBRIDGE_CONFIG, defaulting to
// configs/config.yaml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/miio-bridge/migrations"

	"github.com/nerrad567/miio-bridge/internal/api"
	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio/simulator"
	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/database"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyPruneInterval is how often old state history rows are deleted.
const historyPruneInterval = time.Hour

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting miio bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Device specs are built first so a bad profile fails before any
	// connection is opened.
	specs, err := buildDeviceSpecs(cfg.Devices)
	if err != nil {
		return err
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("registry"))
	history := device.NewSQLiteStateHistoryRepository(db.DB)
	registry.SetStateHistory(history)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	statePublisher := miio.NewStatePublisher(mqttClient, registry)
	statePublisher.SetLogger(log.Component("publisher"))
	registry.AddObserver(statePublisher)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		registry.AddObserver(device.NewMetricsObserver(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub must observe the registry before any supervisor boots.
	hub := api.NewHub(log.Component("websocket"))
	registry.AddObserver(hub)

	bridge, err := miio.NewBridge(miio.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		Devices:        specs,
		Registry:       registry,
		MQTTClient:     mqttClient,
		Logger:         log.Component("miio"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	log.Info("bridge started", "devices", len(specs))

	if cfg.API.Enabled {
		server, err := startAPI(ctx, cfg, log, registry, bridge, mqttClient, db, hub)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if retention := cfg.GetHistoryRetention(); retention > 0 {
		go pruneHistoryLoop(ctx, history, retention, historyPruneInterval, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, InfluxDB, MQTT, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MIIOBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MIIOBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startAPI builds and starts the HTTP server.
func startAPI(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	registry *device.Registry,
	bridge *miio.Bridge,
	mqttClient *mqtt.Client,
	db *database.DB,
	hub *api.Hub,
) (*api.Server, error) {
	var keys *auth.KeyRing
	if cfg.Security.APIKeys.Enabled {
		ring, err := auth.NewKeyRing(cfg.Security.APIKeys.Keys)
		if err != nil {
			return nil, fmt.Errorf("loading api keys: %w", err)
		}
		keys = ring
		log.Info("api keys loaded", "count", ring.Len())
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Registry: registry,
		Bridge:   bridge,
		Keys:     keys,
		MQTT:     mqttClient,
		DB:       db.DB,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	return server, nil
}

// buildDeviceSpecs turns device configuration into bridge specs, each backed
// by a simulated device.
func buildDeviceSpecs(devices []config.DeviceConfig) ([]miio.DeviceSpec, error) {
	specs := make([]miio.DeviceSpec, 0, len(devices))
	for _, d := range devices {
		profile := profileFor(d)
		sim, err := simulator.NewDevice(profile)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}

		model := d.Model
		if model == "" {
			model = sim.Model()
		}

		specs = append(specs, miio.DeviceSpec{
			Seed: device.Seed{
				ID:           d.ID,
				Name:         d.Name,
				Model:        model,
				Address:      d.Address,
				Capabilities: d.Capabilities,
			},
			Settings: miio.Settings{
				Address:      d.Address,
				Token:        d.Token,
				PollInterval: d.PollingDuration(),
			},
			Connector: simulator.NewConnector(sim, simulator.Options{
				FailConnects:  d.Simulator.FailConnects,
				EventInterval: time.Duration(d.Simulator.EventInterval) * time.Second,
			}),
		})
	}
	return specs, nil
}

// profileFor picks the simulator profile for a device: the configured one,
// else the profile whose default model matches, else a plug.
func profileFor(d config.DeviceConfig) string {
	if d.Simulator.Profile != "" {
		return d.Simulator.Profile
	}
	if d.Model != "" {
		for _, name := range simulator.Profiles() {
			if model, err := simulator.DefaultModel(name); err == nil && model == d.Model {
				return name
			}
		}
	}
	return simulator.ProfilePlug
}

// historyPruner deletes old state history.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneHistoryLoop prunes once at start and then every interval until ctx
// is cancelled.
func pruneHistoryLoop(ctx context.Context, repo historyPruner, retention, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := repo.PruneHistory(ctx, retention)
		switch {
		case err != nil:
			log.Warn("state history prune failed", "error", err)
		case n > 0:
			log.Info("state history pruned", "rows", n, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
