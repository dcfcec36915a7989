package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device manager.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	NATS     NATSConfig     `yaml:"nats"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Devices  DevicesConfig  `yaml:"devices"`
	PSK      PSKConfig      `yaml:"psk"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// Event bus backends.
const (
	EventBackendMQTT = "mqtt"
	EventBackendNATS = "nats"
	EventBackendNone = "none"
)

// EventsConfig controls how lifecycle events leave the process.
type EventsConfig struct {
	// Backend selects the bus: "mqtt", "nats" or "none".
	Backend string `yaml:"backend"`

	// TopicPrefix is prepended to every event topic.
	// Default: "devicemanager"
	TopicPrefix string `yaml:"topic_prefix"`

	// PublishTimeout bounds a single publish call (seconds).
	PublishTimeout int `yaml:"publish_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// NATSConfig contains NATS server connection settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	Token         string `yaml:"token"`
	MaxReconnects int    `yaml:"max_reconnects"`
	ReconnectWait int    `yaml:"reconnect_wait"`
}

// InfluxDBConfig contains settings for the lifecycle event history sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the HTTP listener settings (device API, health, metrics).
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DevicesConfig contains lifecycle service tuning.
type DevicesConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`

	// IDAttempts bounds the candidates tried when generating a device id.
	IDAttempts int `yaml:"id_attempts"`

	// OperationTimeout bounds the persistence part of an operation (seconds).
	OperationTimeout int `yaml:"operation_timeout"`
}

// PSKConfig contains pre-shared key sealing settings.
type PSKConfig struct {
	// Secret is the master secret keys are sealed under at rest.
	// Set DEVICEMANAGER_PSK_SECRET in production.
	Secret string `yaml:"secret"`
}

// minPSKSecretLength is the shortest accepted sealing secret.
const minPSKSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICEMANAGER_SECTION_KEY
// For example: DEVICEMANAGER_DATABASE_PATH, DEVICEMANAGER_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/devicemanager.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Events: EventsConfig{
			Backend:        EventBackendMQTT,
			TopicPrefix:    "devicemanager",
			PublishTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devicemanager",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "devicemanager",
			MaxReconnects: -1,
			ReconnectWait: 2,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Devices: DevicesConfig{
			DefaultPageSize:  20,
			MaxPageSize:      1000,
			IDAttempts:       10,
			OperationTimeout: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICEMANAGER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVICEMANAGER_EVENTS_BACKEND"); v != "" {
		cfg.Events.Backend = v
	}

	if v := os.Getenv("DEVICEMANAGER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVICEMANAGER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVICEMANAGER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVICEMANAGER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("DEVICEMANAGER_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}

	if v := os.Getenv("DEVICEMANAGER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Always override in production.
	if v := os.Getenv("DEVICEMANAGER_PSK_SECRET"); v != "" {
		cfg.PSK.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Events.Backend {
	case EventBackendMQTT, EventBackendNATS, EventBackendNone:
	default:
		errs = append(errs, fmt.Sprintf("events.backend must be one of mqtt, nats, none (got %q)", c.Events.Backend))
	}
	if c.Events.PublishTimeout < 1 {
		errs = append(errs, "events.publish_timeout must be at least 1 second")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Devices.DefaultPageSize < 1 {
		errs = append(errs, "devices.default_page_size must be positive")
	}
	if c.Devices.MaxPageSize < c.Devices.DefaultPageSize {
		errs = append(errs, "devices.max_page_size must not be below devices.default_page_size")
	}
	if c.Devices.IDAttempts < 1 {
		errs = append(errs, "devices.id_attempts must be positive")
	}
	if c.Devices.OperationTimeout < 1 {
		errs = append(errs, "devices.operation_timeout must be at least 1 second")
	}

	// Sealed keys are only as strong as this secret.
	if c.PSK.Secret == "" {
		errs = append(errs, "psk.secret is required (set DEVICEMANAGER_PSK_SECRET environment variable)")
	} else if len(c.PSK.Secret) < minPSKSecretLength {
		errs = append(errs, "psk.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPublishTimeout returns the event publish timeout as a Duration.
func (c *Config) GetPublishTimeout() time.Duration {
	return time.Duration(c.Events.PublishTimeout) * time.Second
}

// GetOperationTimeout returns the persistence timeout as a Duration.
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Devices.OperationTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
