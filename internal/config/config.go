// Package config handles configuration loading for the ebMS message handler.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). Individual settings can then
// be overridden with EBMS_* environment variables, which is convenient in
// containers where no file is mounted.
//
// # Configuration Sections
//
//   - server: admin API listener and payload directory
//   - storage: backend selection (memory, sqlite or mongodb) and connection
//   - pmodes: the P-Mode file
//   - msh: worker pool and queue size
//   - reliability: resend and expiry sweeps
//   - observability: Prometheus metrics endpoint
//   - events: NATS subjects for events, intake, delivery and sending
//   - logging: level and format
//
// # Example Configuration
//
//	server:
//	  address: ":8080"
//	  adminKey: ${EBMS_ADMIN_KEY}
//
//	storage:
//	  backend: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: ebms
//
//	pmodes:
//	  file: /etc/ebms/pmodes.yaml
//
//	reliability:
//	  resendInterval: 30s
//	  expireAfter: 168h
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendMongoDB = "mongodb"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	PModes        PModeConfig         `yaml:"pmodes"`
	MSH           MSHConfig           `yaml:"msh"`
	Reliability   ReliabilityConfig   `yaml:"reliability"`
	Observability ObservabilityConfig `yaml:"observability"`
	Events        EventsConfig        `yaml:"events"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the admin API settings
type ServerConfig struct {
	Address string `yaml:"address" env:"EBMS_SERVER_ADDRESS"`
	// AdminKey protects the API, empty leaves it open
	AdminKey string `yaml:"adminKey" env:"EBMS_ADMIN_KEY"`
	// PayloadDir receives the content of payloads submitted over the API
	// or carried by user messages on the NATS intake
	PayloadDir   string        `yaml:"payloadDir" env:"EBMS_PAYLOAD_DIR"`
	ReadTimeout  time.Duration `yaml:"readTimeout" env:"EBMS_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"EBMS_SERVER_WRITE_TIMEOUT"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Backend string        `yaml:"backend" env:"EBMS_STORAGE_BACKEND"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path" env:"EBMS_SQLITE_PATH"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri" env:"EBMS_MONGODB_URI"`
	Database string `yaml:"database" env:"EBMS_MONGODB_DATABASE"`
	// LeaseTTL bounds how long a messageId lock outlives a crashed holder
	LeaseTTL time.Duration `yaml:"leaseTTL" env:"EBMS_MONGODB_LEASE_TTL"`
}

// PModeConfig points to the P-Mode definitions
type PModeConfig struct {
	File string `yaml:"file" env:"EBMS_PMODE_FILE"`
	// UseDefault adds the built-in default P-Mode
	UseDefault bool `yaml:"useDefault" env:"EBMS_PMODE_USE_DEFAULT"`
}

// MSHConfig holds message service handler settings
type MSHConfig struct {
	Workers   int `yaml:"workers" env:"EBMS_MSH_WORKERS"`
	QueueSize int `yaml:"queueSize" env:"EBMS_MSH_QUEUE_SIZE"`
}

// ReliabilityConfig holds the periodic sweep settings
type ReliabilityConfig struct {
	ResendInterval time.Duration `yaml:"resendInterval" env:"EBMS_RESEND_INTERVAL"`
	// ExpireAfter moves units without a state change for this long to
	// FAILURE, 0 disables expiry
	ExpireAfter time.Duration `yaml:"expireAfter" env:"EBMS_EXPIRE_AFTER"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Metrics are served by the admin API listener
	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"EBMS_METRICS_ENABLED"`
		Path    string `yaml:"path" env:"EBMS_METRICS_PATH"`
	} `yaml:"metrics"`
}

// EventsConfig holds event publishing settings
type EventsConfig struct {
	// NATS carries events and messages, an empty URL only logs them
	NATS struct {
		URL                string `yaml:"url" env:"EBMS_NATS_URL"`
		SubjectPrefix      string `yaml:"subjectPrefix" env:"EBMS_NATS_SUBJECT_PREFIX"`
		OutboundSubject    string `yaml:"outboundSubject" env:"EBMS_NATS_OUTBOUND_SUBJECT"`
		DeliverySubject    string `yaml:"deliverySubject" env:"EBMS_NATS_DELIVERY_SUBJECT"`
		UserMessageSubject string `yaml:"userMessageSubject" env:"EBMS_NATS_USER_MESSAGE_SUBJECT"`
		SignalSubject      string `yaml:"signalSubject" env:"EBMS_NATS_SIGNAL_SUBJECT"`
	} `yaml:"nats"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"EBMS_LOG_LEVEL"`
	Format string `yaml:"format" env:"EBMS_LOG_FORMAT"`
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse builds a configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.PayloadDir == "" {
		c.Server.PayloadDir = "payloads"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "ebms.db"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "ebms"
	}
	if c.Storage.MongoDB.LeaseTTL == 0 {
		c.Storage.MongoDB.LeaseTTL = 30 * time.Second
	}
	if c.PModes.File == "" {
		c.PModes.UseDefault = true
	}
	if c.MSH.Workers == 0 {
		c.MSH.Workers = 4
	}
	if c.MSH.QueueSize == 0 {
		c.MSH.QueueSize = 100
	}
	if c.Reliability.ResendInterval == 0 {
		c.Reliability.ResendInterval = 30 * time.Second
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when backend is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'sqlite', or 'mongodb', got '%s'", c.Storage.Backend)
	}

	if c.MSH.Workers < 0 || c.MSH.QueueSize < 0 {
		return fmt.Errorf("msh.workers and msh.queueSize must not be negative")
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		return fmt.Errorf("observability.metrics.path must start with '/', got '%s'", c.Observability.Metrics.Path)
	}
	if c.Reliability.ResendInterval < 0 || c.Reliability.ExpireAfter < 0 {
		return fmt.Errorf("reliability intervals must not be negative")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}

	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the logger described by the logging section
func (c *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
