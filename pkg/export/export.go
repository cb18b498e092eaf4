package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// ArchiveVersion is written into every JSON archive.
const ArchiveVersion = "1.0"

// ErrTooLarge is returned when a log holds more records than one export
// may carry.
var ErrTooLarge = fmt.Errorf("log exceeds %d records, too large to export", config.MaxExportRecords)

// Metadata describes an archive.
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	LogID       string    `json:"log_id"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Archive is the JSON export of one reduced log.
type Archive struct {
	Metadata   Metadata                       `json:"metadata"`
	Statistics []telemetry.FlightStatistic    `json:"statistics"`
	Phases     []telemetry.FlightPhase        `json:"phases"`
	Summaries  []telemetry.MessageTypeSummary `json:"summaries"`
	Records    []storage.Record               `json:"records"`
}

// Exporter reads reduced logs out of a store.
type Exporter struct {
	storage storage.Store
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{storage: store}
}

// Load collects everything stored for logID in timestamp order.
func (e *Exporter) Load(ctx context.Context, logID string) (*Archive, error) {
	records, err := e.storage.QueryRecords(ctx, storage.RecordQuery{
		LogID: logID,
		Limit: config.MaxExportRecords + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	if len(records) > config.MaxExportRecords {
		return nil, ErrTooLarge
	}

	stats, err := e.storage.Statistics(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load statistics: %w", err)
	}
	phases, err := e.storage.Phases(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phases: %w", err)
	}
	summaries, err := e.storage.Summaries(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries: %w", err)
	}

	return &Archive{
		Metadata: Metadata{
			ExportedAt:  time.Now().UTC(),
			LogID:       logID,
			RecordCount: len(records),
			Version:     ArchiveVersion,
		},
		Statistics: stats,
		Phases:     phases,
		Summaries:  summaries,
		Records:    records,
	}, nil
}

// WriteJSON writes the archive as indented JSON.
func WriteJSON(w io.Writer, a *Archive) error {
	a.Metadata.Format = "json"
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(a); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// WriteCSV writes the archive's records, one row each.
func WriteCSV(w io.Writer, a *Archive) error {
	writer := csv.NewWriter(w)

	fields := collectFieldNames(a.Records)
	header := []string{"timestamp", "sequence", "message_type", "storage_strategy", "sampling_index", "phase_tags", "backfilled"}
	header = append(header, fields...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range a.Records {
		samplingIndex := ""
		if r.SamplingIndex != nil {
			samplingIndex = strconv.Itoa(*r.SamplingIndex)
		}
		row := []string{
			strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
			strconv.FormatUint(r.Sequence, 10),
			r.MessageType,
			string(r.Strategy),
			samplingIndex,
			strings.Join(r.PhaseTags, ";"),
			strconv.FormatBool(r.Backfilled),
		}
		for _, f := range fields {
			row = append(row, formatValue(r.Data[f]))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// Write encodes the archive in format ("json" or "csv"), zstd-compressed
// when compress is set.
func Write(w io.Writer, a *Archive, format string, compress bool) error {
	write := WriteJSON
	switch format {
	case "", "json":
	case "csv":
		write = WriteCSV
	default:
		return fmt.Errorf("unsupported format %q", format)
	}

	if !compress {
		return write(w, a)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := write(enc, a); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return nil
}

// collectFieldNames gathers all data field names across records, sorted.
func collectFieldNames(records []storage.Record) []string {
	keySet := make(map[string]bool)
	for _, r := range records {
		for key := range r.Data {
			keySet[key] = true
		}
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := telemetry.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
