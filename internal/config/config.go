// Package config loads the engine's configuration: a YAML file with
// defaults, an optional .env file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/campaign-engine/internal/pkg/telemetry"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Vendor types.
const (
	VendorSimulated = "simulated"
	VendorSES       = "ses"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Vendor       VendorConfig       `yaml:"vendor"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int           `yaml:"port" env:"PORT"`
	Host           string        `yaml:"host" env:"HOST"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown, including draining dispatch.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" env:"STORE_DRIVER"`
	DatabaseURL   string `yaml:"database_url" env:"DATABASE_URL"`
	MongoURI      string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MaxOpenConns  int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
}

// RedisConfig locates the Redis used for the preview cache and dispatch
// locks. An empty URL disables both.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// DispatchConfig tunes the background dispatch pool.
type DispatchConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency" env:"DISPATCH_MAX_CONCURRENCY"`
	RecipientTimeout time.Duration `yaml:"recipient_timeout" env:"DISPATCH_RECIPIENT_TIMEOUT"`
	LockTTL          time.Duration `yaml:"lock_ttl" env:"DISPATCH_LOCK_TTL"`
	// ReceiptBaseURL, when set, routes dispatch outcomes through the
	// delivery receipt endpoint instead of applying them in-process.
	ReceiptBaseURL string        `yaml:"receipt_base_url" env:"DISPATCH_RECEIPT_BASE_URL"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout" env:"DISPATCH_RECEIPT_TIMEOUT"`
	ReceiptRetries int           `yaml:"receipt_retries" env:"DISPATCH_RECEIPT_RETRIES"`
}

// VendorConfig selects the message vendor.
type VendorConfig struct {
	Type             string        `yaml:"type" env:"VENDOR_TYPE"`
	FailureRate      *float64      `yaml:"failure_rate" env:"VENDOR_FAILURE_RATE"`
	MinLatency       time.Duration `yaml:"min_latency" env:"VENDOR_MIN_LATENCY"`
	MaxLatency       time.Duration `yaml:"max_latency" env:"VENDOR_MAX_LATENCY"`
	Region           string        `yaml:"region" env:"AWS_SES_REGION"`
	AccessKey        string        `yaml:"access_key" env:"AWS_SES_ACCESS_KEY"`
	SecretKey        string        `yaml:"secret_key" env:"AWS_SES_SECRET_KEY"`
	FromEmail        string        `yaml:"from_email" env:"VENDOR_FROM_EMAIL"`
	FromName         string        `yaml:"from_name" env:"VENDOR_FROM_NAME"`
	Subject          string        `yaml:"subject" env:"VENDOR_SUBJECT"`
	ConfigurationSet string        `yaml:"configuration_set" env:"SES_CONFIGURATION_SET"`
}

// DefaultFailureRate is the simulated vendor's failure rate when none is set.
const DefaultFailureRate = 0.1

// Failure returns the simulated vendor's failure rate.
func (c VendorConfig) Failure() float64 {
	if c.FailureRate == nil {
		return DefaultFailureRate
	}
	return *c.FailureRate
}

// SegmentationConfig bounds rule trees and the preview cache.
type SegmentationConfig struct {
	MaxDepth        int           `yaml:"max_depth" env:"SEGMENT_MAX_DEPTH"`
	MaxNodes        int           `yaml:"max_nodes" env:"SEGMENT_MAX_NODES"`
	PreviewCacheTTL time.Duration `yaml:"preview_cache_ttl" env:"SEGMENT_PREVIEW_CACHE_TTL"`
}

// TrackingConfig controls the SES notification consumer.
type TrackingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"TRACKING_ENABLED"`
	SQSQueueURL string `yaml:"sqs_queue_url" env:"TRACKING_SQS_QUEUE_URL"`
	Region      string `yaml:"region" env:"TRACKING_REGION"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level     string `yaml:"level" env:"LOG_LEVEL"`
	RedactPII *bool  `yaml:"redact_pii" env:"LOG_REDACT_PII"`
}

// Load reads configuration from a YAML file and applies defaults. A missing
// path yields the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Vendor.Type {
	case VendorSimulated:
		if r := c.Vendor.Failure(); r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("vendor.failure_rate must be within [0, 1], got %v", r))
		}
	case VendorSES:
		if c.Vendor.FromEmail == "" {
			errs = append(errs, errors.New("vendor.from_email is required for the ses vendor"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vendor type %q", c.Vendor.Type))
	}

	if c.Tracking.Enabled && c.Tracking.SQSQueueURL == "" {
		errs = append(errs, errors.New("tracking.sqs_queue_url is required when tracking is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.MongoDatabase == "" {
		c.Store.MongoDatabase = "campaign_engine"
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 25
	}
	if c.Dispatch.MaxConcurrency == 0 {
		c.Dispatch.MaxConcurrency = 16
	}
	if c.Dispatch.RecipientTimeout == 0 {
		c.Dispatch.RecipientTimeout = 10 * time.Second
	}
	if c.Dispatch.LockTTL == 0 {
		c.Dispatch.LockTTL = 30 * time.Second
	}
	if c.Dispatch.ReceiptTimeout == 0 {
		c.Dispatch.ReceiptTimeout = 5 * time.Second
	}
	if c.Dispatch.ReceiptRetries == 0 {
		c.Dispatch.ReceiptRetries = 3
	}
	if c.Vendor.Type == "" {
		c.Vendor.Type = VendorSimulated
	}
	c.Vendor.Type = strings.ToLower(c.Vendor.Type)
	if c.Vendor.MinLatency == 0 {
		c.Vendor.MinLatency = 50 * time.Millisecond
	}
	if c.Vendor.MaxLatency == 0 {
		c.Vendor.MaxLatency = 150 * time.Millisecond
	}
	if c.Vendor.Region == "" {
		c.Vendor.Region = "us-east-1"
	}
	if c.Segmentation.MaxDepth == 0 {
		c.Segmentation.MaxDepth = segmentation.DefaultMaxDepth
	}
	if c.Segmentation.MaxNodes == 0 {
		c.Segmentation.MaxNodes = segmentation.DefaultMaxNodes
	}
	if c.Segmentation.PreviewCacheTTL == 0 {
		c.Segmentation.PreviewCacheTTL = segmentation.DefaultPreviewTTL
	}
	if c.Tracking.Region == "" {
		c.Tracking.Region = c.Vendor.Region
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "campaign-engine"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
