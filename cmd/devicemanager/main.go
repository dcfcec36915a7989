// Device Manager - IoT device lifecycle engine
//
// This is the main entry point for the device manager. It wires the
// lifecycle service to its storage (SQLite), its event bus (MQTT or NATS),
// the optional lifecycle history sink (InfluxDB) and the HTTP surface
// (device API, health and Prometheus metrics).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/device-manager/migrations"

	"github.com/nerrad567/device-manager/internal/api"
	"github.com/nerrad567/device-manager/internal/device"
	"github.com/nerrad567/device-manager/internal/infrastructure/config"
	"github.com/nerrad567/device-manager/internal/infrastructure/database"
	"github.com/nerrad567/device-manager/internal/infrastructure/influxdb"
	"github.com/nerrad567/device-manager/internal/infrastructure/logging"
	"github.com/nerrad567/device-manager/internal/infrastructure/metrics"
	"github.com/nerrad567/device-manager/internal/infrastructure/mqtt"
	"github.com/nerrad567/device-manager/internal/infrastructure/natsbus"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath    string
	templatesPath string
}

func parseFlags(args []string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("devicemanager", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default $DEVICEMANAGER_CONFIG or "+defaultConfigPath+")")
	fs.StringVar(&opts.templatesPath, "templates", "", "YAML file of templates to sync into the store at startup")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting device manager",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath, "events_backend", cfg.Events.Backend)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	templates := device.NewSQLiteTemplateStore(db.DB)
	if opts.templatesPath != "" {
		n, syncErr := syncTemplates(ctx, templates, opts.templatesPath)
		if syncErr != nil {
			return fmt.Errorf("syncing templates: %w", syncErr)
		}
		log.Info("templates synced", "path", opts.templatesPath, "templates", n)
	}

	sealer, err := device.NewSealer([]byte(cfg.PSK.Secret))
	if err != nil {
		return fmt.Errorf("creating key sealer: %w", err)
	}

	registry := metrics.NewRegistry()
	checks := []api.Check{{Name: "database", Checker: db}}

	publisher, bus, err := connectEventBus(cfg, log)
	if err != nil {
		return err
	}
	if bus != nil {
		defer func() {
			log.Info("closing event bus")
			if closeErr := bus.Close(); closeErr != nil {
				log.Error("error closing event bus", "error", closeErr)
			}
		}()
		checks = append(checks, api.Check{Name: "events", Checker: bus})
	}

	notifier := device.NewNotifier(publisher, device.NotifierConfig{
		TopicPrefix: cfg.Events.TopicPrefix,
		Timeout:     cfg.GetPublishTimeout(),
	})
	notifier.SetLogger(log.With("component", "notifier"))
	notifier.SetMetrics(registry)

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("lifecycle history disabled")
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
		notifier.SetHistory(influxClient)
		checks = append(checks, api.Check{Name: "history", Checker: influxClient, Optional: true})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	svc := device.NewService(device.NewSQLiteStore(db.DB), device.NewPSKEngine(sealer), notifier, device.ServiceConfig{
		DefaultPageSize:  cfg.Devices.DefaultPageSize,
		MaxPageSize:      cfg.Devices.MaxPageSize,
		IDAttempts:       cfg.Devices.IDAttempts,
		OperationTimeout: cfg.GetOperationTimeout(),
	})
	svc.SetLogger(log.With("component", "devices"))
	svc.SetMetrics(registry)
	log.Info("lifecycle service ready")

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Checks:  checks,
			Metrics: registry.Handler(),
			Devices: svc,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// eventBus is a connected publisher that can be health-checked and closed.
type eventBus interface {
	device.Publisher
	HealthCheck(ctx context.Context) error
	Close() error
}

// connectEventBus connects the configured backend. With backend "none"
// both return values are nil and events are dropped.
func connectEventBus(cfg *config.Config, log *logging.Logger) (device.Publisher, eventBus, error) {
	switch cfg.Events.Backend {
	case config.EventBackendMQTT:
		client, err := mqtt.Connect(cfg.MQTT, cfg.Events.TopicPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(log.With("component", "mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		return client, client, nil

	case config.EventBackendNATS:
		client, err := natsbus.Connect(cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		client.SetLogger(log.With("component", "nats"))
		log.Info("NATS connected", "url", cfg.NATS.URL)
		return client, client, nil

	default:
		log.Warn("event bus disabled, lifecycle events will not be published")
		return nil, nil, nil
	}
}

// getConfigPath returns the configuration file path.
// Uses DEVICEMANAGER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICEMANAGER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies every required dependency at startup. Optional
// ones are left to /healthz.
func healthCheck(ctx context.Context, checks []api.Check) error {
	for _, c := range checks {
		if c.Optional {
			continue
		}
		if err := c.Checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}
