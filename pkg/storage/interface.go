package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

var (
	// ErrLogNotFound is returned when a log ID has never been written.
	ErrLogNotFound = fmt.Errorf("log not found")

	// ErrLogExists is returned when a write would merge into a log that
	// is already stored.
	ErrLogExists = fmt.Errorf("log already exists")
)

// PhaseReader is the part of a Store that can tell whether a log exists.
type PhaseReader interface {
	Phases(ctx context.Context, logID string) ([]telemetry.FlightPhase, error)
}

// LogExists reports whether anything is stored under logID, reported or not.
func LogExists(ctx context.Context, r PhaseReader, logID string) (bool, error) {
	_, err := r.Phases(ctx, logID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrLogNotFound):
		return false, nil
	}
	return false, fmt.Errorf("failed to check log %s: %w", logID, err)
}

// Store persists reduced flight logs.
// Implementations: memory (testing), badger (embedded), postgres (shared)
type Store interface {
	// AppendDecisions stores retained decisions. Dropped decisions are ignored.
	// Writing a sequence that is already stored never adds a second record.
	AppendDecisions(ctx context.Context, logID string, decisions []telemetry.Decision) error

	// WriteReport stores finalize-time statistics, phases and summaries,
	// plus any backfilled decisions. It replaces an earlier report.
	WriteReport(ctx context.Context, logID string, report *telemetry.Report) error

	// QueryRecords returns stored records matching q
	QueryRecords(ctx context.Context, q RecordQuery) ([]Record, error)

	// Phases returns a log's phases ordered by start time
	Phases(ctx context.Context, logID string) ([]telemetry.FlightPhase, error)

	// Statistics returns a log's flight statistics
	Statistics(ctx context.Context, logID string) ([]telemetry.FlightStatistic, error)

	// Summaries returns a log's per-type summaries, largest first
	Summaries(ctx context.Context, logID string) ([]telemetry.MessageTypeSummary, error)

	// Logs lists known logs, newest first
	Logs(ctx context.Context) ([]LogInfo, error)

	// DeleteLog removes everything stored for a log, including the records
	// of a log whose reduction never reported
	DeleteLog(ctx context.Context, logID string) error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store
	Close() error
}

// LogInfo describes one stored log.
type LogInfo struct {
	LogID     string    `json:"log_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   int       `json:"records"`
	Reported  bool      `json:"reported"`
}

// Stats provides storage health and usage info
type Stats struct {
	TotalLogs    uint64 `json:"total_logs"`
	TotalRecords uint64 `json:"total_records"`

	// Storage size in bytes, estimated for backends that cannot measure it
	SizeBytes uint64 `json:"size_bytes"`

	OldestLog time.Time `json:"oldest_log"`
	NewestLog time.Time `json:"newest_log"`
}
