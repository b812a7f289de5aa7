package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Metergrid Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Databases DatabasesConfig `yaml:"databases"`
	Broker    BrokerConfig    `yaml:"broker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	API       APIConfig       `yaml:"api"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabasesConfig contains settings for the two logical SQLite databases:
// the metadata database (devices, users) and the readings database
// (one table per meter).
type DatabasesConfig struct {
	MetaPath     string `yaml:"meta_path"`
	ReadingsPath string `yaml:"readings_path"`
	WALMode      bool   `yaml:"wal_mode"`
	BusyTimeout  int    `yaml:"busy_timeout"`
}

// BrokerConfig contains embedded MQTT broker settings.
type BrokerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	WebsocketPort   int    `yaml:"websocket_port"`
	DevicePassword  string `yaml:"device_password"`
	DashboardPrefix string `yaml:"dashboard_prefix"`
	QoS             int    `yaml:"qos"`
}

// ReconnectConfig controls storage reconnection behaviour: capped exponential
// backoff for the initial connection and a fixed polling interval once up.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"` // seconds, first retry delay
	MaxDelay     int `yaml:"max_delay"`     // seconds, backoff ceiling
	MaxAttempts  int `yaml:"max_attempts"`  // 0 = unlimited
	PollInterval int `yaml:"poll_interval"` // seconds, steady-state health poll
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// InfluxDBConfig contains optional telemetry-mirror settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT signing settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads, parses, and validates the configuration file at path.
//
// Values start from defaultConfig(), are overlaid by the YAML file, and are
// finally overridden by METERGRID_* environment variables (used for secrets
// that should not live in the file).
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
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Metergrid",
			Timezone: "UTC",
		},
		Databases: DatabasesConfig{
			MetaPath:     "./data/metergrid.db",
			ReadingsPath: "./data/readings.db",
			WALMode:      true,
			BusyTimeout:  5,
		},
		Broker: BrokerConfig{
			Host:            "0.0.0.0",
			Port:            1883,
			WebsocketPort:   8083,
			DashboardPrefix: "WEB",
			QoS:             1,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     30,
			MaxAttempts:  0,
			PollInterval: 30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: METERGRID_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("METERGRID_DATABASES_META_PATH"); v != "" {
		cfg.Databases.MetaPath = v
	}
	if v := os.Getenv("METERGRID_DATABASES_READINGS_PATH"); v != "" {
		cfg.Databases.ReadingsPath = v
	}

	if v := os.Getenv("METERGRID_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv("METERGRID_BROKER_DEVICE_PASSWORD"); v != "" {
		cfg.Broker.DevicePassword = v
	}

	if v := os.Getenv("METERGRID_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("METERGRID_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("METERGRID_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("METERGRID_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Databases.MetaPath == "" {
		errs = append(errs, "databases.meta_path is required")
	}
	if c.Databases.ReadingsPath == "" {
		errs = append(errs, "databases.readings_path is required")
	}
	if c.Databases.MetaPath != "" && c.Databases.MetaPath == c.Databases.ReadingsPath {
		errs = append(errs, "databases.meta_path and databases.readings_path must differ")
	}

	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}
	// Device authentication is a shared secret; an empty one would let any
	// client publish readings for any meter.
	if c.Broker.DevicePassword == "" {
		errs = append(errs, "broker.device_password is required (set METERGRID_BROKER_DEVICE_PASSWORD environment variable)")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set METERGRID_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location resolves the configured site timezone. Validate() guarantees the
// zone parses, so failures here fall back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
