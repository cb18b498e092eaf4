package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/flightreduce/pkg/reduce"
)

// Config is the server configuration file. Fields left out of the YAML
// keep their defaults; reduce.sampled entries merge into the built-in table.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Reduce  reduce.Config `yaml:"reduce"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	DataDir      string        `yaml:"data_dir"`
	MaxStorageGB int64         `yaml:"max_storage_gb"`
	MaxMemoryMB  int64         `yaml:"max_memory_mb"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	Retention    time.Duration `yaml:"retention"`
}

type IngestConfig struct {
	QueueSize         int   `yaml:"queue_size"`
	BatchSize         int   `yaml:"batch_size"`
	MaxConcurrentJobs int   `yaml:"max_concurrent_jobs"`
	MaxUploadBytes    int64 `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Reduce: reduce.DefaultConfig()}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file on top of the defaults and validates the result.
// An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{Reduce: reduce.DefaultConfig()}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
	if c.Storage.MaxStorageGB == 0 {
		c.Storage.MaxStorageGB = DefaultMaxStorageGB
	}
	if c.Storage.MaxMemoryMB == 0 {
		c.Storage.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.Storage.Retention == 0 {
		c.Storage.Retention = DefaultRetention
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = DecisionQueueSize
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = DecisionBatchSize
	}
	if c.Ingest.MaxConcurrentJobs == 0 {
		c.Ingest.MaxConcurrentJobs = MaxConcurrentJobs
	}
	if c.Ingest.MaxUploadBytes == 0 {
		c.Ingest.MaxUploadBytes = MaxUploadBytes
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBadger, BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxStorageGB < 0 || c.Storage.MaxMemoryMB < 0 {
		return fmt.Errorf("storage limits must not be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}
	if c.Ingest.QueueSize < 0 || c.Ingest.BatchSize < 0 || c.Ingest.MaxConcurrentJobs < 0 {
		return fmt.Errorf("ingest sizes must not be negative")
	}
	if err := c.Reduce.Validate(); err != nil {
		return fmt.Errorf("reduce config: %w", err)
	}
	return nil
}
