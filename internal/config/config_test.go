package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetDefault("database.user", "imgvec")
	return v
}

func TestNew_AppliesDefaults(t *testing.T) {
	cfg := New(newDefaultViper(t))

	assert.Equal(t, 500, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 32, cfg.Pipeline.ExtractBatchSize)
	assert.Equal(t, 100, cfg.Pipeline.DBBatchSize)
	assert.Equal(t, 8, cfg.Pipeline.DownloadWorkers)
	assert.Equal(t, 4, cfg.Pipeline.ParallelWorkers)
	assert.Equal(t, 100, cfg.Pipeline.ProgressEvery)
	assert.Equal(t, time.Duration(0), cfg.Pipeline.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Download.Timeout)
	assert.Equal(t, 2, cfg.Download.MaxRetries)
	assert.Equal(t, int64(32), cfg.Download.MaxInFlight)
	assert.Equal(t, "tb_hsx_img_value", cfg.Store.Table)
	assert.Equal(t, "MobileNetV2-GPU", cfg.Store.ModelVersion)
	assert.Equal(t, 1280, cfg.Store.Dimension)
	assert.Equal(t, 224, cfg.Extractor.InputSize)
	assert.Equal(t, ExtractorModeRemote, cfg.Extractor.Mode)
	assert.False(t, cfg.S3.Enabled())
}

func TestNew_ReadsYAML(t *testing.T) {
	yaml := `
database:
  user: ingest
  name: vectors
  port: 6543
pipeline:
  chunk_size: 50
  parallel_workers: 16
  run_timeout: 5m
extractor:
  mode: local
  grid: 8
s3:
  endpoint: minio:9000
`
	v := newDefaultViper(t)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))

	cfg := New(v)

	assert.Equal(t, "ingest", cfg.Database.User)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 16, cfg.Pipeline.ParallelWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.RunTimeout)
	assert.Equal(t, ExtractorModeLocal, cfg.Extractor.Mode)
	assert.Equal(t, 8, cfg.Extractor.Grid)
	assert.True(t, cfg.S3.Enabled())
	assert.Equal(t, 32, cfg.Pipeline.ExtractBatchSize, "unset keys keep defaults")
}

func TestNew_PanicsOnInvalidConfig(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.PanicsWithError(t, "invalid configuration: database.user is required", func() {
		New(v)
	})
}

func TestLoad_ReadsEnvironmentForKeysWithoutDefault(t *testing.T) {
	t.Setenv("IMGVEC_DATABASE_USER", "ingest")
	t.Setenv("IMGVEC_DATABASE_PASSWORD", "secret")
	t.Setenv("IMGVEC_NATS_URL", "nats://broker:4222")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("IMGVEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ingest", cfg.Database.User)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestLoad_ReturnsValidationError(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	_, err := Load(v)
	assert.EqualError(t, err, "invalid configuration: database.user is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		expectErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Name = "" },
			expectErr: "database.name is required",
		},
		{
			name:      "port out of range",
			mutate:    func(c *Config) { c.Database.Port = 70000 },
			expectErr: "database.port must be between 1 and 65535",
		},
		{
			name:      "zero chunk size",
			mutate:    func(c *Config) { c.Pipeline.ChunkSize = 0 },
			expectErr: "pipeline.chunk_size must be at least 1",
		},
		{
			name:      "zero extract batch size",
			mutate:    func(c *Config) { c.Pipeline.ExtractBatchSize = 0 },
			expectErr: "pipeline.extract_batch_size must be at least 1",
		},
		{
			name:      "zero db batch size",
			mutate:    func(c *Config) { c.Pipeline.DBBatchSize = 0 },
			expectErr: "pipeline.db_batch_size must be at least 1",
		},
		{
			name:      "zero parallel workers",
			mutate:    func(c *Config) { c.Pipeline.ParallelWorkers = 0 },
			expectErr: "pipeline.parallel_workers must be at least 1",
		},
		{
			name:      "unknown extractor mode",
			mutate:    func(c *Config) { c.Extractor.Mode = "gpu" },
			expectErr: `extractor.mode must be "remote" or "local", got "gpu"`,
		},
		{
			name:      "remote mode without url",
			mutate:    func(c *Config) { c.Extractor.URL = "" },
			expectErr: "extractor.url is required in remote mode",
		},
		{
			name:      "negative retries",
			mutate:    func(c *Config) { c.Download.MaxRetries = -1 },
			expectErr: "download.max_retries cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(newDefaultViper(t))
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.expectErr)
		})
	}
}

func TestDatabaseConfig_ConnectionStrings(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "imgvec", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=imgvec sslmode=disable", d.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/imgvec?sslmode=disable", d.URL())
}
