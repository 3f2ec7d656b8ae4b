package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins: ["https://crm.example.com"]
store:
  driver: Postgres
  database_url: "postgres://localhost/crm"
dispatch:
  max_concurrency: 4
  recipient_timeout: 2s
  receipt_base_url: "http://localhost:9090"
vendor:
  type: simulated
  failure_rate: 0
segmentation:
  max_depth: 8
telemetry:
  enabled: true
  endpoint: "http://otel:4318"
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://crm.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Dispatch.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.RecipientTimeout)
	assert.Equal(t, "http://localhost:9090", cfg.Dispatch.ReceiptBaseURL)
	assert.Zero(t, cfg.Vendor.Failure(), "an explicit zero failure rate is kept")
	assert.Equal(t, 8, cfg.Segmentation.MaxDepth)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, VendorSimulated, cfg.Vendor.Type)
	assert.Equal(t, DefaultFailureRate, cfg.Vendor.Failure())
	assert.Equal(t, 50*time.Millisecond, cfg.Vendor.MinLatency)
	assert.Equal(t, 150*time.Millisecond, cfg.Vendor.MaxLatency)
	assert.Equal(t, 16, cfg.Dispatch.MaxConcurrency)
	assert.Equal(t, 3, cfg.Dispatch.ReceiptRetries)
	assert.Equal(t, segmentation.DefaultMaxDepth, cfg.Segmentation.MaxDepth)
	assert.Equal(t, segmentation.DefaultMaxNodes, cfg.Segmentation.MaxNodes)
	assert.Equal(t, segmentation.DefaultPreviewTTL, cfg.Segmentation.PreviewCacheTTL)
	assert.Equal(t, "campaign-engine", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
`)
	t.Setenv("PORT", "7070")
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DISPATCH_RECIPIENT_TIMEOUT", "750ms")
	t.Setenv("VENDOR_FAILURE_RATE", "0.25")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.5")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.MongoURI)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 750*time.Millisecond, cfg.Dispatch.RecipientTimeout)
	assert.Equal(t, 0.25, cfg.Vendor.Failure())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRatio)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, "database_url"},
		{"mongo without uri", func(c *Config) { c.Store.Driver = DriverMongo }, "mongo_uri"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store driver"},
		{"ses without sender", func(c *Config) { c.Vendor.Type = VendorSES }, "from_email"},
		{"failure rate out of range", func(c *Config) {
			r := 1.5
			c.Vendor.FailureRate = &r
		}, "failure_rate"},
		{"tracking without queue", func(c *Config) { c.Tracking.Enabled = true }, "sqs_queue_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExampleFileIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 0.1, cfg.Vendor.Failure())
	assert.Equal(t, 10*time.Second, cfg.Dispatch.RecipientTimeout)
}
