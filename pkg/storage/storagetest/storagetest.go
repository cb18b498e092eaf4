// Package storagetest holds behaviour tests shared by every storage.Store
// backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

func intPtr(v int) *int { return &v }

// Decisions returns a small reduced stream: two critical MODE changes, a
// sampled ATTITUDE pair with one drop, and a STATUSTEXT inside mode_loiter.
func Decisions() []telemetry.Decision {
	return []telemetry.Decision{
		{
			Sequence: 0,
			Message:  telemetry.Message{Type: "MODE", Timestamp: 0, Fields: map[string]any{"mode": "STABILIZE"}},
			Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_stabilize"},
		},
		{
			Sequence: 1,
			Message:  telemetry.Message{Type: "ATTITUDE", Timestamp: 0.5, Fields: map[string]any{"roll": 0.25}},
			Strategy: telemetry.StrategySampled, SamplingIndex: intPtr(0), PhaseTags: []string{"mode_stabilize"},
		},
		{
			Sequence: 2,
			Message:  telemetry.Message{Type: "ATTITUDE", Timestamp: 0.6, Fields: map[string]any{"roll": 0.5}},
			Strategy: telemetry.StrategyDropped, SamplingIndex: intPtr(1), PhaseTags: []string{"mode_stabilize"},
		},
		{
			Sequence: 3,
			Message:  telemetry.Message{Type: "MODE", Timestamp: 10, Fields: map[string]any{"mode": "LOITER"}},
			Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_loiter"},
		},
		{
			Sequence: 4,
			Message:  telemetry.Message{Type: "STATUSTEXT", Timestamp: 12, Fields: map[string]any{"text": "EKF variance", "severity": int64(4)}},
			Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_loiter"},
		},
		{
			Sequence: 5,
			Message:  telemetry.Message{Type: "ATTITUDE", Timestamp: 13.5, Fields: map[string]any{"roll": -0.125}},
			Strategy: telemetry.StrategySampled, SamplingIndex: intPtr(2), PhaseTags: []string{"mode_loiter"},
		},
	}
}

// Report returns the finalize output matching Decisions.
func Report(logID string) *telemetry.Report {
	severity := 4
	return &telemetry.Report{
		LogID: logID,
		Statistics: []telemetry.FlightStatistic{
			{StatisticType: "flight_duration", Value: 20, Unit: "seconds"},
			{StatisticType: "max_altitude", Value: 31.5, Unit: "meters"},
		},
		Phases: []telemetry.FlightPhase{
			{
				Track: "mode", Name: "mode_loiter", StartTime: 10, EndTime: 20,
				KeyEvents:    []telemetry.KeyEvent{{Timestamp: 12, MessageType: "STATUSTEXT", Text: "EKF variance", Severity: &severity}},
				SummaryStats: map[string]float64{"duration_s": 10, "messages": 3},
			},
			{
				Track: "mode", Name: "mode_stabilize", StartTime: 0, EndTime: 10,
				SummaryStats: map[string]float64{"duration_s": 10, "messages": 3},
			},
		},
		Summaries: []telemetry.MessageTypeSummary{
			{MessageType: "MODE", Category: "critical", TotalCount: 2, StoredCount: 2, SampleRate: 1, TimeRange: telemetry.TimeRange{Start: 0, End: 10}},
			{MessageType: "ATTITUDE", Category: "sampled", TotalCount: 3, StoredCount: 3, SampleRate: 1, TimeRange: telemetry.TimeRange{Start: 0.5, End: 13.5},
				KeyStatistics: map[string]float64{"roll.max": 0.5}},
			{MessageType: "STATUSTEXT", Category: "critical", TotalCount: 1, StoredCount: 1, SampleRate: 1, TimeRange: telemetry.TimeRange{Start: 12, End: 12}},
		},
		Backfill: []telemetry.Decision{
			{
				Sequence: 2,
				Message:  telemetry.Message{Type: "ATTITUDE", Timestamp: 0.6, Fields: map[string]any{"roll": 0.5}},
				Strategy: telemetry.StrategySampled, SamplingIndex: intPtr(1), PhaseTags: []string{"mode_stabilize"}, Backfilled: true,
			},
		},
	}
}

// Run exercises a fresh store returned by open. The store is closed by Run.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("AppendAndQuery", func(t *testing.T) { testAppendAndQuery(t, open(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, open(t)) })
	t.Run("Report", func(t *testing.T) { testReport(t, open(t)) })
	t.Run("LogsAndDelete", func(t *testing.T) { testLogsAndDelete(t, open(t)) })
	t.Run("UnknownLog", func(t *testing.T) { testUnknownLog(t, open(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelled(t, open(t)) })
	t.Run("RewriteReplaces", func(t *testing.T) { testRewriteReplaces(t, open(t)) })
	t.Run("DiscardUnreported", func(t *testing.T) { testDiscardUnreported(t, open(t)) })
	t.Run("LogExists", func(t *testing.T) { testLogExists(t, open(t)) })
}

func testAppendAndQuery(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if err := store.AppendDecisions(ctx, "flight-1", Decisions()); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}

	records, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "flight-1"})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	// the dropped decision is not stored
	if len(records) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp < records[i-1].Timestamp {
			t.Errorf("records out of order at %d: %v after %v", i, records[i].Timestamp, records[i-1].Timestamp)
		}
	}

	st := records[3]
	if st.MessageType != "STATUSTEXT" || st.Strategy != telemetry.StrategyCritical {
		t.Fatalf("unexpected record %+v", st)
	}
	if text, _ := st.Message().Text("text"); text != "EKF variance" {
		t.Errorf("text = %q", text)
	}
	if sev, ok := st.Message().Number("severity"); !ok || sev != 4 {
		t.Errorf("severity = %v, %v", sev, ok)
	}
	if len(st.PhaseTags) != 1 || st.PhaseTags[0] != "mode_loiter" {
		t.Errorf("phase tags = %v", st.PhaseTags)
	}

	att := records[1]
	if att.SamplingIndex == nil || *att.SamplingIndex != 0 {
		t.Errorf("sampling index = %v", att.SamplingIndex)
	}
	if roll, ok := att.Message().Number("roll"); !ok || roll != 0.25 {
		t.Errorf("roll = %v, %v", roll, ok)
	}
}

func testQueryFilters(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if err := store.AppendDecisions(ctx, "flight-1", Decisions()); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	if err := store.AppendDecisions(ctx, "flight-2", Decisions()[:2]); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}

	from, to := 0.5, 12.0
	tests := []struct {
		name  string
		query storage.RecordQuery
		want  []uint64
	}{
		{"critical only", storage.RecordQuery{LogID: "flight-1", Strategy: telemetry.StrategyCritical}, []uint64{0, 3, 4}},
		{"phase", storage.RecordQuery{LogID: "flight-1", Phase: "mode_loiter"}, []uint64{3, 4, 5}},
		{"type", storage.RecordQuery{LogID: "flight-1", MessageType: "ATTITUDE"}, []uint64{1, 5}},
		{"time range", storage.RecordQuery{LogID: "flight-1", Start: &from, End: &to}, []uint64{1, 3, 4}},
		{"newest first", storage.RecordQuery{LogID: "flight-1", Descending: true, Limit: 2}, []uint64{5, 4}},
		{"limit", storage.RecordQuery{LogID: "flight-1", Limit: 1}, []uint64{0}},
		{"other log", storage.RecordQuery{LogID: "flight-2"}, []uint64{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.QueryRecords(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryRecords failed: %v", err)
			}
			if len(records) != len(tt.want) {
				t.Fatalf("Expected %d records, got %d", len(tt.want), len(records))
			}
			for i, r := range records {
				if r.Sequence != tt.want[i] {
					t.Errorf("record %d: sequence %d, want %d", i, r.Sequence, tt.want[i])
				}
			}
		})
	}
}

func testReport(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if err := store.AppendDecisions(ctx, "flight-1", Decisions()); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	if err := store.WriteReport(ctx, "flight-1", Report("flight-1")); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	phases, err := store.Phases(ctx, "flight-1")
	if err != nil {
		t.Fatalf("Phases failed: %v", err)
	}
	if len(phases) != 2 || phases[0].Name != "mode_stabilize" || phases[1].Name != "mode_loiter" {
		t.Fatalf("phases = %+v", phases)
	}
	if len(phases[1].KeyEvents) != 1 || phases[1].KeyEvents[0].Severity == nil || *phases[1].KeyEvents[0].Severity != 4 {
		t.Errorf("key events = %+v", phases[1].KeyEvents)
	}
	if phases[1].SummaryStats["messages"] != 3 {
		t.Errorf("summary stats = %v", phases[1].SummaryStats)
	}

	stats, err := store.Statistics(ctx, "flight-1")
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	found := false
	for _, s := range stats {
		if s.StatisticType == "max_altitude" && s.Value == 31.5 && s.Unit == "meters" {
			found = true
		}
	}
	if len(stats) != 2 || !found {
		t.Errorf("statistics = %+v", stats)
	}

	summaries, err := store.Summaries(ctx, "flight-1")
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	if len(summaries) != 3 || summaries[0].MessageType != "ATTITUDE" || summaries[1].MessageType != "MODE" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if summaries[0].KeyStatistics["roll.max"] != 0.5 || summaries[0].TimeRange.End != 13.5 {
		t.Errorf("ATTITUDE summary = %+v", summaries[0])
	}

	// backfilled decision is now a record
	records, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "flight-1", MessageType: "ATTITUDE"})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 3 || !records[1].Backfilled || records[1].Sequence != 2 {
		t.Errorf("ATTITUDE records after report = %+v", records)
	}

	// rewriting replaces the report
	replacement := Report("flight-1")
	replacement.Statistics = replacement.Statistics[:1]
	replacement.Backfill = nil
	if err := store.WriteReport(ctx, "flight-1", replacement); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	stats, _ = store.Statistics(ctx, "flight-1")
	if len(stats) != 1 {
		t.Errorf("Expected 1 statistic after rewrite, got %d", len(stats))
	}
}

func testLogsAndDelete(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.AppendDecisions(ctx, id, Decisions()); err != nil {
			t.Fatalf("AppendDecisions failed: %v", err)
		}
	}
	if err := store.WriteReport(ctx, "b", Report("b")); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	logs, err := store.Logs(ctx)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs, got %d", len(logs))
	}
	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			t.Errorf("log %s has no creation time", l.LogID)
		}
		if l.LogID == "b" && (!l.Reported || l.Records != 6) {
			t.Errorf("log b = %+v", l)
		}
		if l.LogID == "a" && (l.Reported || l.Records != 5) {
			t.Errorf("log a = %+v", l)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalLogs != 2 || stats.TotalRecords != 11 {
		t.Errorf("stats = %+v", stats)
	}

	if err := store.DeleteLog(ctx, "a"); err != nil {
		t.Fatalf("DeleteLog failed: %v", err)
	}
	if _, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "a"}); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("query after delete: %v", err)
	}
	if err := store.DeleteLog(ctx, "a"); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("second delete: %v", err)
	}

	// other logs untouched
	records, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "b"})
	if err != nil || len(records) != 6 {
		t.Errorf("log b after deleting a: %d records, %v", len(records), err)
	}
}

func testUnknownLog(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Phases(ctx, "missing"); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("Phases: %v", err)
	}
	if _, err := store.Statistics(ctx, "missing"); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("Statistics: %v", err)
	}
	if _, err := store.Summaries(ctx, "missing"); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("Summaries: %v", err)
	}

	// a log without a report yet has no phases but is not an error
	if err := store.AppendDecisions(ctx, "running", Decisions()[:1]); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	phases, err := store.Phases(ctx, "running")
	if err != nil || len(phases) != 0 {
		t.Errorf("Phases of running log = %v, %v", phases, err)
	}
}

func testCancelled(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.AppendDecisions(ctx, "x", Decisions()); err == nil {
		t.Error("AppendDecisions succeeded on cancelled context")
	}
	if _, err := store.QueryRecords(ctx, storage.RecordQuery{}); err == nil {
		t.Error("QueryRecords succeeded on cancelled context")
	}
}

func testRewriteReplaces(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.AppendDecisions(ctx, "flight-1", Decisions()); err != nil {
			t.Fatalf("AppendDecisions #%d failed: %v", i+1, err)
		}
	}

	records, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "flight-1"})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("Expected 5 records after writing the same decisions twice, got %d", len(records))
	}
	logs, err := store.Logs(ctx)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Records != 5 {
		t.Errorf("logs = %+v", logs)
	}
}

func testDiscardUnreported(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	// a reduction that failed after two batches and never reported
	if err := store.AppendDecisions(ctx, "partial", Decisions()[:3]); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	if err := store.AppendDecisions(ctx, "partial", Decisions()[3:]); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	if err := store.AppendDecisions(ctx, "kept", Decisions()); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}

	if err := store.DeleteLog(ctx, "partial"); err != nil {
		t.Fatalf("DeleteLog failed: %v", err)
	}

	records, err := store.QueryRecords(ctx, storage.RecordQuery{LogID: "partial"})
	if !errors.Is(err, storage.ErrLogNotFound) || len(records) != 0 {
		t.Errorf("query after discard = %d records, %v", len(records), err)
	}
	records, err = store.QueryRecords(ctx, storage.RecordQuery{LogID: "partial", MessageType: "ATTITUDE"})
	if !errors.Is(err, storage.ErrLogNotFound) || len(records) != 0 {
		t.Errorf("type query after discard = %d records, %v", len(records), err)
	}

	logs, err := store.Logs(ctx)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].LogID != "kept" {
		t.Errorf("logs after discard = %+v", logs)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 5 {
		t.Errorf("Expected only the kept log's 5 records, got %d", stats.TotalRecords)
	}
}

func testLogExists(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if exists, err := storage.LogExists(ctx, store, "flight-1"); err != nil || exists {
		t.Errorf("LogExists before write = %v, %v", exists, err)
	}
	if err := store.AppendDecisions(ctx, "flight-1", Decisions()[:1]); err != nil {
		t.Fatalf("AppendDecisions failed: %v", err)
	}
	if exists, err := storage.LogExists(ctx, store, "flight-1"); err != nil || !exists {
		t.Errorf("LogExists of unreported log = %v, %v", exists, err)
	}
	if err := store.WriteReport(ctx, "flight-1", Report("flight-1")); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	if exists, err := storage.LogExists(ctx, store, "flight-1"); err != nil || !exists {
		t.Errorf("LogExists of reported log = %v, %v", exists, err)
	}
}
