// Metergrid - three-phase power meter telemetry platform
//
// Metergrid embeds an MQTT broker for ESP-class power meters, validates
// and stores their telemetry in per-meter time-series tables, and serves
// energy aggregates and meter control over a REST API. Dashboards attach
// to the same broker over MQTT-over-WebSocket for live readings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wattwise/metergrid-core/internal/api"
	"github.com/wattwise/metergrid-core/internal/audit"
	"github.com/wattwise/metergrid-core/internal/auth"
	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/infrastructure/broker"
	"github.com/wattwise/metergrid-core/internal/infrastructure/config"
	"github.com/wattwise/metergrid-core/internal/infrastructure/database"
	"github.com/wattwise/metergrid-core/internal/infrastructure/influxdb"
	"github.com/wattwise/metergrid-core/internal/infrastructure/logging"
	"github.com/wattwise/metergrid-core/internal/ingest"
	"github.com/wattwise/metergrid-core/internal/query"
	"github.com/wattwise/metergrid-core/internal/readings"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main so errors
// map onto exit codes in one place.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Metergrid",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	retry := database.RetryPolicy{
		InitialDelay: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}

	// Open the metadata database (devices, users)
	metaDB, err := database.OpenWithRetry(ctx, database.Config{
		Path:        cfg.Databases.MetaPath,
		WALMode:     cfg.Databases.WALMode,
		BusyTimeout: cfg.Databases.BusyTimeout,
	}, retry, log)
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}
	defer func() {
		log.Info("closing metadata database")
		if closeErr := metaDB.Close(); closeErr != nil {
			log.Error("error closing metadata database", "error", closeErr)
		}
	}()
	log.Info("metadata database connected", "path", cfg.Databases.MetaPath)

	// Open the readings database (one table per meter). A small pool
	// keeps aggregation reads from queueing behind ingestion writes.
	readingsDB, err := database.OpenWithRetry(ctx, database.Config{
		Path:         cfg.Databases.ReadingsPath,
		WALMode:      cfg.Databases.WALMode,
		BusyTimeout:  cfg.Databases.BusyTimeout,
		MaxOpenConns: 4,
	}, retry, log)
	if err != nil {
		return fmt.Errorf("opening readings database: %w", err)
	}
	defer func() {
		log.Info("closing readings database")
		if closeErr := readingsDB.Close(); closeErr != nil {
			log.Error("error closing readings database", "error", closeErr)
		}
	}()
	log.Info("readings database connected", "path", cfg.Databases.ReadingsPath)

	// Initialise repositories and schema
	deviceRepo := device.NewSQLiteRepository(metaDB, log.Logger)
	if err := deviceRepo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring devices schema: %w", err)
	}
	userRepo := auth.NewUserRepository(metaDB)
	if err := userRepo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring users schema: %w", err)
	}
	auditRepo := audit.NewSQLiteRepository(metaDB)
	if err := auditRepo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring audit schema: %w", err)
	}
	log.Info("schema ready")

	readingsStore := readings.NewStore(readingsDB, cfg.Location(), log.Logger)

	// Storage availability monitor: steady-state health polling with
	// idempotent schema re-setup after a recovery.
	monitor := database.NewMonitor(
		time.Duration(cfg.Reconnect.PollInterval)*time.Second, log, metaDB, readingsDB,
	)
	monitor.SetOnRecover(func() {
		recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer recoverCancel()
		if err := deviceRepo.EnsureSchema(recoverCtx); err != nil {
			log.Error("schema re-check after recovery failed", "error", err)
		}
		if err := userRepo.EnsureSchema(recoverCtx); err != nil {
			log.Error("schema re-check after recovery failed", "error", err)
		}
		if err := auditRepo.EnsureSchema(recoverCtx); err != nil {
			log.Error("schema re-check after recovery failed", "error", err)
		}
		readingsStore.ResetProvisionCache()
	})
	go monitor.Run(ctx)

	// Connect to InfluxDB (optional telemetry mirror)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Embedded MQTT broker with the ingestion hook
	mqttServer := broker.New(broker.Config{
		Host:          cfg.Broker.Host,
		Port:          cfg.Broker.Port,
		WebsocketPort: cfg.Broker.WebsocketPort,
	}, log.Logger)

	var mirror ingest.Mirror
	if influxClient != nil {
		mirror = influxClient
	}
	coordinator := ingest.New(ingest.Config{
		DevicePassword:  cfg.Broker.DevicePassword,
		DashboardPrefix: cfg.Broker.DashboardPrefix,
		ControlQoS:      byte(cfg.Broker.QoS), //nolint:gosec // G115: QoS validated to 0-2
	}, deviceRepo, readingsStore, mirror, mqttServer, log.Logger)
	defer coordinator.Close()

	if err := mqttServer.AddHook(ingest.NewHook(coordinator)); err != nil {
		return fmt.Errorf("wiring ingestion hook: %w", err)
	}
	if err := mqttServer.Start(); err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	defer func() {
		log.Info("closing broker")
		if closeErr := mqttServer.Close(); closeErr != nil {
			log.Error("error closing broker", "error", closeErr)
		}
	}()
	log.Info("broker listening",
		"tcp", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"websocket", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.WebsocketPort),
	)

	// API server
	authService := auth.NewService(userRepo, cfg.Security.JWT.Secret, cfg.Security.JWT.AccessTokenTTL)
	queryService := query.NewService(deviceRepo, readingsStore, coordinator)

	apiServer, err := api.New(api.Deps{
		Config:  cfg.API,
		Logger:  log,
		Auth:    authService,
		Query:   queryService,
		Audit:   auditRepo,
		Health:  healthChecker(metaDB, readingsDB, mqttServer, influxClient, monitor),
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}
	apiServer.Start()
	defer func() {
		log.Info("closing api server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing api server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, metaDB, readingsDB, mqttServer, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Broker
	// 3. Coordinator drain
	// 4. InfluxDB (if enabled)
	// 5. Databases

	log.Info("Metergrid stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses METERGRID_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("METERGRID_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections at startup.
func healthCheck(ctx context.Context, metaDB, readingsDB *database.DB, mqttServer *broker.Server, influxClient *influxdb.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := metaDB.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("metadata database: %w", err)
	}
	if err := readingsDB.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("readings database: %w", err)
	}
	if err := mqttServer.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(checkCtx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// healthChecker builds the per-component health report served on
// /api/health.
func healthChecker(metaDB, readingsDB *database.DB, mqttServer *broker.Server, influxClient *influxdb.Client, monitor *database.Monitor) api.HealthChecker {
	return func(ctx context.Context) map[string]string {
		components := map[string]string{}

		report := func(name string, err error) {
			if err != nil {
				components[name] = err.Error()
				return
			}
			components[name] = "ok"
		}

		report("metadata_db", metaDB.HealthCheck(ctx))
		report("readings_db", readingsDB.HealthCheck(ctx))
		report("broker", mqttServer.HealthCheck(ctx))
		if influxClient != nil {
			report("influxdb", influxClient.HealthCheck(ctx))
		}
		if !monitor.Available() {
			components["storage_monitor"] = "storage unavailable"
		} else {
			components["storage_monitor"] = "ok"
		}

		return components
	}
}
