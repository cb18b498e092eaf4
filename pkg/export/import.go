package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

const (
	// MaxImportBatchSize is the maximum number of records to write at once
	MaxImportBatchSize = 5000
)

// Import errors
var (
	ErrLogExists      = storage.ErrLogExists
	ErrMissingLogID   = fmt.Errorf("archive has no log id")
	ErrInvalidArchive = fmt.Errorf("invalid archive")
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Importer restores reduced logs from JSON archives.
type Importer struct {
	storage storage.Store
}

// NewImporter creates a new importer
func NewImporter(store storage.Store) *Importer {
	return &Importer{storage: store}
}

// ImportOptions configures an import.
type ImportOptions struct {
	// LogID overrides the archived log ID
	LogID string
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	LogID           string              `json:"log_id"`
	RecordsImported int                 `json:"records_imported"`
	BatchesWritten  int                 `json:"batches_written"`
	Phases          int                 `json:"phases"`
	Statistics      int                 `json:"statistics"`
	TimeRange       telemetry.TimeRange `json:"time_range"`
	ImportedAt      time.Time           `json:"imported_at"`
	Errors          []string            `json:"errors,omitempty"`
}

// ReadArchive decodes a JSON archive, zstd-compressed or not.
func ReadArchive(r io.Reader) (*Archive, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open zstd stream: %w", ErrInvalidArchive, err)
		}
		defer dec.Close()
		return decodeArchive(dec)
	}
	return decodeArchive(br)
}

func decodeArchive(r io.Reader) (*Archive, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var a Archive
	if err := decoder.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: failed to decode JSON: %w", ErrInvalidArchive, err)
	}
	for i := range a.Records {
		a.Records[i].Data = ingest.NormalizeFields(a.Records[i].Data)
	}
	return &a, nil
}

// ImportFromJSON restores a log from a JSON archive. Invalid records are
// skipped and reported in the result.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	archive, err := ReadArchive(r)
	if err != nil {
		return nil, err
	}

	logID := opts.LogID
	if logID == "" {
		logID = archive.Metadata.LogID
	}
	if logID == "" {
		return nil, ErrMissingLogID
	}

	if exists, err := storage.LogExists(ctx, im.storage, logID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrLogExists, logID)
	}

	var validationErrors []string
	decisions := make([]telemetry.Decision, 0, len(archive.Records))
	for i, rec := range archive.Records {
		if err := validateRecord(rec); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		decisions = append(decisions, telemetry.Decision{
			Sequence:      rec.Sequence,
			Message:       rec.Message(),
			Strategy:      rec.Strategy,
			SamplingIndex: rec.SamplingIndex,
			PhaseTags:     rec.PhaseTags,
			Backfilled:    rec.Backfilled,
		})
	}

	// Write records in batches to avoid overwhelming storage
	batchCount := 0
	for i := 0; i < len(decisions); i += MaxImportBatchSize {
		end := min(i+MaxImportBatchSize, len(decisions))
		if err := im.storage.AppendDecisions(ctx, logID, decisions[i:end]); err != nil {
			return nil, im.discard(ctx, logID, fmt.Errorf("failed to write batch %d: %w", batchCount, err))
		}
		batchCount++
	}

	report := &telemetry.Report{
		LogID:      logID,
		Statistics: archive.Statistics,
		Phases:     archive.Phases,
		Summaries:  archive.Summaries,
	}
	if err := im.storage.WriteReport(ctx, logID, report); err != nil {
		return nil, im.discard(ctx, logID, fmt.Errorf("failed to write report: %w", err))
	}

	result := &ImportResult{
		LogID:           logID,
		RecordsImported: len(decisions),
		BatchesWritten:  batchCount,
		Phases:          len(archive.Phases),
		Statistics:      len(archive.Statistics),
		ImportedAt:      time.Now().UTC(),
		Errors:          validationErrors,
	}
	for i, d := range decisions {
		ts := d.Message.Timestamp
		if i == 0 || ts < result.TimeRange.Start {
			result.TimeRange.Start = ts
		}
		if i == 0 || ts > result.TimeRange.End {
			result.TimeRange.End = ts
		}
	}
	return result, nil
}

// discard removes a half-written import and returns cause.
func (im *Importer) discard(ctx context.Context, logID string, cause error) error {
	if err := ingest.Discard(ctx, im.storage, logID); err != nil {
		return fmt.Errorf("%w (%v)", cause, err)
	}
	return cause
}

// validateRecord validates a record before import
func validateRecord(r storage.Record) error {
	if !r.Strategy.Valid() || r.Strategy == telemetry.StrategyDropped {
		return fmt.Errorf("invalid storage strategy: %q", r.Strategy)
	}
	return ingest.ValidateMessage(r.Message())
}
