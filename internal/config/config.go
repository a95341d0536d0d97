package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Extractor modes.
const (
	ExtractorModeRemote = "remote"
	ExtractorModeLocal  = "local"
)

// Config holds the complete application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Store     StoreConfig     `mapstructure:"store"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Download  DownloadConfig  `mapstructure:"download"`
	S3        S3Config        `mapstructure:"s3"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	Schema         string `mapstructure:"schema"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// DSN returns the database connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// URL returns the connection string in URL form, as migration drivers expect it.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// CatalogConfig names the table images are read from.
type CatalogConfig struct {
	Table     string `mapstructure:"table"`
	IDColumn  string `mapstructure:"id_column"`
	URLColumn string `mapstructure:"url_column"`
	PageSize  int    `mapstructure:"page_size"`
}

// StoreConfig describes the vector table.
type StoreConfig struct {
	Table        string `mapstructure:"table"`
	ModelVersion string `mapstructure:"model_version"`
	Dimension    int    `mapstructure:"dimension"`
}

// PipelineConfig holds the ingestion tuning knobs.
type PipelineConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	ExtractBatchSize int           `mapstructure:"extract_batch_size"`
	DBBatchSize      int           `mapstructure:"db_batch_size"`
	DownloadWorkers  int           `mapstructure:"download_workers"`
	ParallelWorkers  int           `mapstructure:"parallel_workers"`
	ProgressEvery    int           `mapstructure:"progress_every"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	DefaultStrategy  string        `mapstructure:"default_strategy"`
}

// DownloadConfig controls image fetching.
type DownloadConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxInFlight  int64         `mapstructure:"max_in_flight"`
}

// S3Config holds object storage credentials for s3:// image urls.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether an endpoint is configured.
func (s S3Config) Enabled() bool {
	return s.Endpoint != ""
}

// ExtractorConfig selects and configures the feature extractor.
type ExtractorConfig struct {
	Mode              string        `mapstructure:"mode"`
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	ModelVersion      string        `mapstructure:"model_version"`
	Dimension         int           `mapstructure:"dimension"`
	InputSize         int           `mapstructure:"input_size"`
	Grid              int           `mapstructure:"grid"`
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	RequestSubject string        `mapstructure:"request_subject"`
	EventSubject   string        `mapstructure:"event_subject"`
	QueueGroup     string        `mapstructure:"queue_group"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New creates a new Config instance from Viper. It panics when the
// configuration cannot be decoded or is invalid.
func New(v *viper.Viper) *Config {
	config, err := Load(v)
	if err != nil {
		panic(err)
	}
	return config
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var config Config

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}

	if c.Database.Name == "" {
		return errors.New("database.name is required")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return errors.New("database.port must be between 1 and 65535")
	}

	if c.Catalog.Table == "" || c.Store.Table == "" {
		return errors.New("catalog.table and store.table are required")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	switch c.Extractor.Mode {
	case ExtractorModeRemote:
		if c.Extractor.URL == "" {
			return errors.New("extractor.url is required in remote mode")
		}
	case ExtractorModeLocal:
		if c.Extractor.Grid < 1 {
			return errors.New("extractor.grid must be at least 1")
		}
	default:
		return fmt.Errorf("extractor.mode must be %q or %q, got %q",
			ExtractorModeRemote, ExtractorModeLocal, c.Extractor.Mode)
	}

	if c.Extractor.Dimension < 1 {
		return errors.New("extractor.dimension must be at least 1")
	}

	if c.Download.MaxRetries < 0 {
		return errors.New("download.max_retries cannot be negative")
	}

	return nil
}

// Validate checks the pipeline sizes and worker counts.
func (p PipelineConfig) Validate() error {
	if p.ChunkSize < 1 {
		return errors.New("pipeline.chunk_size must be at least 1")
	}
	if p.ExtractBatchSize < 1 {
		return errors.New("pipeline.extract_batch_size must be at least 1")
	}
	if p.DBBatchSize < 1 {
		return errors.New("pipeline.db_batch_size must be at least 1")
	}
	if p.DownloadWorkers < 1 {
		return errors.New("pipeline.download_workers must be at least 1")
	}
	if p.ParallelWorkers < 1 {
		return errors.New("pipeline.parallel_workers must be at least 1")
	}
	if p.RunTimeout < 0 {
		return errors.New("pipeline.run_timeout cannot be negative")
	}
	return nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// Keys without a real default are still registered so that environment
	// variables reach Unmarshal.
	for _, key := range []string{
		"database.user", "database.password",
		"s3.endpoint", "s3.access_key_id", "s3.secret_access_key",
		"nats.url",
	} {
		v.SetDefault(key, "")
	}

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "imgvec")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)

	// Catalog and store defaults
	v.SetDefault("catalog.table", "ecai.tb_image")
	v.SetDefault("catalog.id_column", "id")
	v.SetDefault("catalog.url_column", "url")
	v.SetDefault("catalog.page_size", 1000)
	v.SetDefault("store.table", "tb_hsx_img_value")
	v.SetDefault("store.model_version", "MobileNetV2-GPU")
	v.SetDefault("store.dimension", 1280)

	// Pipeline defaults
	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.extract_batch_size", 32)
	v.SetDefault("pipeline.db_batch_size", 100)
	v.SetDefault("pipeline.download_workers", 8)
	v.SetDefault("pipeline.parallel_workers", 4)
	v.SetDefault("pipeline.progress_every", 100)
	v.SetDefault("pipeline.run_timeout", "0s")
	v.SetDefault("pipeline.default_strategy", "serial_chunked")

	// Download defaults
	v.SetDefault("download.timeout", "30s")
	v.SetDefault("download.max_bytes", 32<<20)
	v.SetDefault("download.max_retries", 2)
	v.SetDefault("download.initial_delay", "200ms")
	v.SetDefault("download.user_agent", "imgvec/1.0")
	v.SetDefault("download.max_in_flight", 32)

	// S3 defaults
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_ssl", true)

	// Extractor defaults
	v.SetDefault("extractor.mode", ExtractorModeRemote)
	v.SetDefault("extractor.url", "http://localhost:8501/v1/features")
	v.SetDefault("extractor.timeout", "60s")
	v.SetDefault("extractor.requests_per_second", 20.0)
	v.SetDefault("extractor.burst", 4)
	v.SetDefault("extractor.model_version", "MobileNetV2-GPU")
	v.SetDefault("extractor.dimension", 1280)
	v.SetDefault("extractor.input_size", 224)
	v.SetDefault("extractor.grid", 16)

	// NATS defaults
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.request_subject", "imgvec.runs.request")
	v.SetDefault("nats.event_subject", "imgvec.runs.events")
	v.SetDefault("nats.queue_group", "imgvec-workers")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
