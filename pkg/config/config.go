package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/flightreduce"
	DefaultBackend      = BackendBadger
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Storage backends
const (
	BackendBadger   = "badger"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Background task intervals
const (
	RetentionInterval = 1 * time.Hour
	BadgerGCInterval  = 10 * time.Minute
	DefaultRetention  = 30 * 24 * time.Hour
)

// Query timeouts and default limits per query kind
const (
	QueryTimeout        = 30 * time.Second
	CriticalEventsLimit = 50
	MessageTypeLimit    = 100
	PhaseLimit          = 100
	RecentLimit         = 20
	MaxQueryLimit       = 5000
	LogListTimeout      = 5 * time.Second
	StatsTimeout        = 5 * time.Second
)

// Upload and reduction limits
const (
	UploadTimeout     = 10 * time.Minute
	MaxUploadBytes    = 512 << 20
	MaxConcurrentJobs = 4
	DecisionQueueSize = 8
	DecisionBatchSize = 1000
)

// Export limits
const (
	MaxExportRecords = 1_000_000
	ExportTimeout    = 2 * time.Minute
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
