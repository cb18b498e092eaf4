package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/storage/memory"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// seedFlight stores a short reduced flight under logID.
func seedFlight(t *testing.T, store storage.Store, logID string) {
	t.Helper()
	ctx := context.Background()

	idx := 0
	decisions := []telemetry.Decision{
		{
			Sequence:  0,
			Strategy:  telemetry.StrategyCritical,
			PhaseTags: []string{"mode_auto"},
			Message:   telemetry.Message{Type: "MODE", Timestamp: 0, Fields: map[string]any{"mode": "AUTO"}},
		},
		{
			Sequence:      1,
			Strategy:      telemetry.StrategySampled,
			SamplingIndex: &idx,
			PhaseTags:     []string{"mode_auto", "airborne"},
			Message:       telemetry.Message{Type: "GPS", Timestamp: 2.5, Fields: map[string]any{"lat": 47.39, "lon": 8.54, "satellites": int64(12)}},
		},
		{
			Sequence:  2,
			Strategy:  telemetry.StrategyCritical,
			PhaseTags: []string{"mode_auto", "airborne"},
			Message:   telemetry.Message{Type: "STATUSTEXT", Timestamp: 9, Fields: map[string]any{"text": "Mission complete", "severity": int64(6)}},
		},
	}
	if err := store.AppendDecisions(ctx, logID, decisions); err != nil {
		t.Fatalf("Failed to append decisions: %v", err)
	}

	report := &telemetry.Report{
		LogID:      logID,
		Statistics: []telemetry.FlightStatistic{{StatisticType: "flight_duration", Value: 9, Unit: "s"}},
		Phases: []telemetry.FlightPhase{
			{Track: "mode", Name: "mode_auto", StartTime: 0, EndTime: 9},
			{Track: "flight", Name: "airborne", StartTime: 2, EndTime: 9},
		},
		Summaries: []telemetry.MessageTypeSummary{
			{MessageType: "GPS", Category: "sampled", TotalCount: 45, StoredCount: 1, SampleRate: 1.0 / 45},
			{MessageType: "MODE", Category: "critical", TotalCount: 1, StoredCount: 1, SampleRate: 1},
			{MessageType: "STATUSTEXT", Category: "critical", TotalCount: 1, StoredCount: 1, SampleRate: 1},
		},
	}
	if err := store.WriteReport(ctx, logID, report); err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seedFlight(t, store, "flight-1")

	archive, err := NewExporter(store).Load(context.Background(), "flight-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := WriteJSON(buf, archive); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var decoded Archive
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Failed to parse exported JSON: %v", err)
	}
	if decoded.Metadata.Format != "json" {
		t.Errorf("Expected format 'json', got %s", decoded.Metadata.Format)
	}
	if decoded.Metadata.RecordCount != 3 || len(decoded.Records) != 3 {
		t.Errorf("Expected 3 records, got %d (metadata %d)", len(decoded.Records), decoded.Metadata.RecordCount)
	}
	if len(decoded.Phases) != 2 {
		t.Errorf("Expected 2 phases, got %d", len(decoded.Phases))
	}
	if decoded.Records[0].MessageType != "MODE" {
		t.Errorf("Expected records in timestamp order, first is %s", decoded.Records[0].MessageType)
	}
}

func TestWriteCSV(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seedFlight(t, store, "flight-1")

	archive, err := NewExporter(store).Load(context.Background(), "flight-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, archive); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	rows, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expected 4 CSV rows (header + 3), got %d", len(rows))
	}

	header := rows[0]
	expectedCols := []string{"timestamp", "sequence", "message_type", "storage_strategy", "sampling_index", "phase_tags", "backfilled",
		"lat", "lon", "mode", "satellites", "severity", "text"}
	if strings.Join(header, ",") != strings.Join(expectedCols, ",") {
		t.Errorf("Unexpected header: %v", header)
	}

	gps := rows[2]
	if gps[2] != "GPS" || gps[4] != "0" || gps[5] != "mode_auto;airborne" {
		t.Errorf("Unexpected GPS row: %v", gps)
	}
	if gps[7] != "47.39" || gps[10] != "12" {
		t.Errorf("Unexpected GPS values: lat=%s satellites=%s", gps[7], gps[10])
	}
	if rows[1][4] != "" {
		t.Errorf("Critical row should have no sampling index, got %q", rows[1][4])
	}
}

func TestWrite_UnsupportedFormat(t *testing.T) {
	if err := Write(&bytes.Buffer{}, &Archive{}, "xml", false); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestLoad_UnknownLog(t *testing.T) {
	_, err := NewExporter(memory.New()).Load(context.Background(), "missing")
	if !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("Expected ErrLogNotFound, got %v", err)
	}
}

func TestRoundTrip_Compressed(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	seedFlight(t, src, "flight-1")

	archive, err := NewExporter(src).Load(ctx, "flight-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	buf := &bytes.Buffer{}
	if err := Write(buf, archive, "json", true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), zstdMagic) {
		t.Fatal("Expected a zstd frame")
	}

	dst := memory.New()
	result, err := NewImporter(dst).ImportFromJSON(ctx, buf, ImportOptions{LogID: "flight-1-copy"})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.RecordsImported != 3 || result.BatchesWritten != 1 {
		t.Errorf("Expected 3 records in 1 batch, got %d in %d", result.RecordsImported, result.BatchesWritten)
	}
	if result.TimeRange.Start != 0 || result.TimeRange.End != 9 {
		t.Errorf("Unexpected time range: %+v", result.TimeRange)
	}

	records, err := dst.QueryRecords(ctx, storage.RecordQuery{LogID: "flight-1-copy", Phase: "airborne"})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 airborne records, got %d", len(records))
	}
	if sats, ok := records[0].Data["satellites"].(int64); !ok || sats != 12 {
		t.Errorf("Expected integer field to survive the round trip, got %#v", records[0].Data["satellites"])
	}

	summaries, err := dst.Summaries(ctx, "flight-1-copy")
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	if len(summaries) != 3 || summaries[0].MessageType != "GPS" {
		t.Errorf("Unexpected summaries: %+v", summaries)
	}
}

func TestReadArchive_Plain(t *testing.T) {
	archive, err := ReadArchive(strings.NewReader(`{"metadata":{"log_id":"x"},"records":[]}`))
	if err != nil {
		t.Fatalf("ReadArchive failed: %v", err)
	}
	if archive.Metadata.LogID != "x" {
		t.Errorf("Expected log id x, got %q", archive.Metadata.LogID)
	}

	_, err = ReadArchive(strings.NewReader("not json"))
	if !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("Expected ErrInvalidArchive, got %v", err)
	}
}

func TestReadArchive_CompressedCSVIsRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	enc, err := zstd.NewWriter(buf)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write([]byte("timestamp,sequence\n1,0\n"))
	enc.Close()

	if _, err := ReadArchive(buf); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("Expected ErrInvalidArchive, got %v", err)
	}
}

func TestImportValidation(t *testing.T) {
	store := memory.New()
	defer store.Close()

	archive := Archive{
		Metadata: Metadata{LogID: "flight-2", Version: ArchiveVersion},
		Records: []storage.Record{
			{Sequence: 0, MessageType: "ARM", Timestamp: 1, Strategy: telemetry.StrategyCritical},
			{Sequence: 1, MessageType: "", Timestamp: 2, Strategy: telemetry.StrategyCritical},
			{Sequence: 2, MessageType: "GPS", Timestamp: 3, Strategy: "maybe"},
			{Sequence: 3, MessageType: "GPS", Timestamp: 4, Strategy: telemetry.StrategyDropped},
			{Sequence: 4, MessageType: "GPS", Timestamp: 5, Strategy: telemetry.StrategyFull, Data: map[string]any{"nested": map[string]any{"a": 1}}},
		},
	}
	jsonData, _ := json.Marshal(archive)

	result, err := NewImporter(store).ImportFromJSON(context.Background(), bytes.NewReader(jsonData), ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	// the nested field is dropped on decode, so the last record survives
	if result.RecordsImported != 2 {
		t.Errorf("Expected 2 valid records imported, got %d", result.RecordsImported)
	}
	if len(result.Errors) != 3 {
		t.Errorf("Expected 3 validation errors, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.LogID != "flight-2" {
		t.Errorf("Expected archived log id, got %q", result.LogID)
	}
}

func TestImport_Conflicts(t *testing.T) {
	store := memory.New()
	seedFlight(t, store, "flight-1")
	importer := NewImporter(store)

	data := []byte(`{"metadata":{"log_id":"flight-1"},"records":[]}`)
	_, err := importer.ImportFromJSON(context.Background(), bytes.NewReader(data), ImportOptions{})
	if !errors.Is(err, ErrLogExists) {
		t.Errorf("Expected ErrLogExists, got %v", err)
	}

	_, err = importer.ImportFromJSON(context.Background(), strings.NewReader(`{"records":[]}`), ImportOptions{})
	if !errors.Is(err, ErrMissingLogID) {
		t.Errorf("Expected ErrMissingLogID, got %v", err)
	}
}

// reportFailingStore accepts records but refuses every report.
type reportFailingStore struct {
	*memory.Storage
}

func (reportFailingStore) WriteReport(context.Context, string, *telemetry.Report) error {
	return errors.New("disk full")
}

func TestImport_FailedReportLeavesNothing(t *testing.T) {
	store := reportFailingStore{memory.New()}
	data := []byte(`{"metadata":{"log_id":"flight-3"},"records":[` +
		`{"sequence":0,"message_type":"ARM","timestamp":1,"storage_strategy":"critical"},` +
		`{"sequence":1,"message_type":"DISARM","timestamp":2,"storage_strategy":"critical"}]}`)

	_, err := NewImporter(store).ImportFromJSON(context.Background(), bytes.NewReader(data), ImportOptions{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Expected report failure, got %v", err)
	}

	if _, err := store.QueryRecords(context.Background(), storage.RecordQuery{LogID: "flight-3"}); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("records of failed import still stored: %v", err)
	}
}
