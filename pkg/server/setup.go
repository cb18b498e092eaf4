package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/export"
	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/observability"
	"github.com/nicktill/flightreduce/pkg/query"
	"github.com/nicktill/flightreduce/pkg/server/monitor"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/storage/badger"
	"github.com/nicktill/flightreduce/pkg/storage/memory"
	"github.com/nicktill/flightreduce/pkg/storage/postgres"
)

// LoadConfig reads the YAML file named by FLIGHTREDUCE_CONFIG, if any,
// then applies environment overrides.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(os.Getenv("FLIGHTREDUCE_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg.Storage.Backend = getEnv("FLIGHTREDUCE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DataDir = getEnv("FLIGHTREDUCE_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.PostgresDSN = getEnv("FLIGHTREDUCE_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.MaxStorageGB = getEnvInt64("FLIGHTREDUCE_MAX_STORAGE_GB", cfg.Storage.MaxStorageGB)
	cfg.Storage.MaxMemoryMB = getEnvInt64("FLIGHTREDUCE_MAX_MEMORY_MB", cfg.Storage.MaxMemoryMB)
	cfg.Server.Port = getPort(cfg.Server.Port)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Backend == config.BackendBadger {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return cfg, nil
}

// InitializeStorage opens the configured storage backend.
func InitializeStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		log.Println("Using in-memory storage, data is lost on restart")
		return memory.New(), nil

	case config.BackendPostgres:
		log.Println("Connecting to PostgreSQL...")
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		log.Println("PostgreSQL storage initialized successfully")
		return store, nil
	}

	log.Println("Initializing BadgerDB storage...")
	store, err := badger.New(badger.Config{
		Path:        cfg.Storage.DataDir,
		MaxMemoryMB: cfg.Storage.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB storage initialized successfully")
	return store, nil
}

// InitializeStorageMonitor measures the data directory for badger and
// asks the store otherwise.
func InitializeStorageMonitor(cfg *config.Config, store storage.Store) *monitor.StorageMonitor {
	maxBytes := cfg.Storage.MaxStorageGB * 1024 * 1024 * 1024
	if cfg.Storage.Backend == config.BackendBadger {
		return monitor.NewStorageMonitor(cfg.Storage.DataDir, maxBytes)
	}
	return monitor.NewStoreMonitor(store, maxBytes)
}

// Handlers bundles every request handler of the server.
type Handlers struct {
	Upload  *ingest.Handler
	Query   *query.Handler
	Export  *export.Handler
	Hub     *LiveHub
	Metrics *observability.Metrics
	// Registry backs the /metrics endpoint
	Registry *prometheus.Registry
	// Reductions tracks upload job outcomes for /v1/health
	Reductions *monitor.JobMonitor
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(cfg *config.Config, store storage.Store, storageMonitor *monitor.StorageMonitor) *Handlers {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	hub := NewLiveHub()
	log.Println("WebSocket hub created for live phase streaming")

	runner := &ingest.Runner{
		Sink:       store,
		QueueSize:  cfg.Ingest.QueueSize,
		BatchSize:  cfg.Ingest.BatchSize,
		Metrics:    metrics,
		OnBoundary: hub.PublishBoundary,
	}

	reductions := &monitor.JobMonitor{}
	upload := ingest.NewHandler(runner, cfg.Reduce, cfg.Ingest.MaxConcurrentJobs, cfg.Ingest.MaxUploadBytes)
	upload.SetStorageChecker(storageMonitor)
	upload.SetJobRecorder(reductions)
	log.Printf("Upload handler created (%d concurrent reductions, %d MB max upload)",
		cfg.Ingest.MaxConcurrentJobs, cfg.Ingest.MaxUploadBytes>>20)

	return &Handlers{
		Upload:     upload,
		Query:      query.NewHandler(store),
		Export:     export.NewHandler(store),
		Hub:        hub,
		Metrics:    metrics,
		Registry:   registry,
		Reductions: reductions,
	}
}

// getEnv gets a string from environment variable or returns default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// getPort gets the server port from PORT environment variable or returns default.
func getPort(defaultPort string) string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return defaultPort
}
