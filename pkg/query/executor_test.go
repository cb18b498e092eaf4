package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/storage/memory"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// seedLog stores a small reduced flight: a critical mode change and
// status text, sampled attitude tagged with phases, and a report.
func seedLog(t *testing.T, store storage.Store, logID string) {
	t.Helper()
	ctx := context.Background()

	idx := func(i int) *int { return &i }
	decisions := []telemetry.Decision{
		{Sequence: 0, Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_stabilize"},
			Message: telemetry.Message{Type: "MODE", Timestamp: 0, Fields: map[string]any{"mode": "STABILIZE"}}},
		{Sequence: 1, Strategy: telemetry.StrategySampled, SamplingIndex: idx(0), PhaseTags: []string{"mode_stabilize"},
			Message: telemetry.Message{Type: "ATTITUDE", Timestamp: 1, Fields: map[string]any{"roll": 0.1}}},
		{Sequence: 2, Strategy: telemetry.StrategyDropped,
			Message: telemetry.Message{Type: "ATTITUDE", Timestamp: 1.1}},
		{Sequence: 3, Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_land"},
			Message: telemetry.Message{Type: "MODE", Timestamp: 50, Fields: map[string]any{"mode": "LAND"}}},
		{Sequence: 4, Strategy: telemetry.StrategySampled, SamplingIndex: idx(1), PhaseTags: []string{"mode_land"},
			Message: telemetry.Message{Type: "ATTITUDE", Timestamp: 55, Fields: map[string]any{"roll": 0.2}}},
		{Sequence: 5, Strategy: telemetry.StrategyCritical, PhaseTags: []string{"mode_land"},
			Message: telemetry.Message{Type: "STATUSTEXT", Timestamp: 58, Fields: map[string]any{"severity": int64(3), "text": "Crash: disarming"}}},
	}
	require.NoError(t, store.AppendDecisions(ctx, logID, decisions))

	require.NoError(t, store.WriteReport(ctx, logID, &telemetry.Report{
		LogID: logID,
		Statistics: []telemetry.FlightStatistic{
			{StatisticType: "flight_duration", Value: 60, Unit: "s"},
			{StatisticType: "max_altitude", Value: 31.5, Unit: "m"},
		},
		Phases: []telemetry.FlightPhase{
			{Track: "mode", Name: "mode_stabilize", StartTime: 0, EndTime: 50},
			{Track: "mode", Name: "mode_land", StartTime: 50, EndTime: 60,
				KeyEvents: []telemetry.KeyEvent{{Timestamp: 58, MessageType: "STATUSTEXT", Text: "Crash: disarming"}}},
		},
		Summaries: []telemetry.MessageTypeSummary{
			{MessageType: "ATTITUDE", Category: "sampled", TotalCount: 3000, StoredCount: 2, SampleRate: 2.0 / 3000},
			{MessageType: "MODE", Category: "critical", TotalCount: 2, StoredCount: 2, SampleRate: 1},
			{MessageType: "STATUSTEXT", Category: "critical", TotalCount: 1, StoredCount: 1, SampleRate: 1},
		},
	}))
}

func TestExecutor_Kinds(t *testing.T) {
	store := memory.New()
	seedLog(t, store, "flight-7")
	e := NewExecutor(store)
	ctx := context.Background()

	critical, err := e.Execute(ctx, Request{LogID: "flight-7", Kind: KindCriticalEvents})
	require.NoError(t, err)
	require.Equal(t, 3, critical.Count)
	// newest first
	assert.Equal(t, "STATUSTEXT", critical.Records[0].MessageType)
	assert.Equal(t, 0.0, critical.Records[2].Timestamp)

	attitude, err := e.Execute(ctx, Request{LogID: "flight-7", Kind: KindMessageType, MessageType: "ATTITUDE", End: seconds(10)})
	require.NoError(t, err)
	require.Equal(t, 1, attitude.Count)
	assert.Equal(t, 1.0, attitude.Records[0].Timestamp)

	landing, err := e.Execute(ctx, Request{LogID: "flight-7", Kind: KindPhase, Phase: "mode_land"})
	require.NoError(t, err)
	assert.Equal(t, 3, landing.Count)

	recent, err := e.Execute(ctx, Request{LogID: "flight-7", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, KindRecent, recent.Kind)
	require.Len(t, recent.Records, 2)
	assert.Equal(t, 58.0, recent.Records[0].Timestamp)
	assert.Equal(t, 55.0, recent.Records[1].Timestamp)
}

func TestExecutor_EmptyResultIsNotNil(t *testing.T) {
	store := memory.New()
	seedLog(t, store, "flight-7")

	res, err := NewExecutor(store).Execute(context.Background(),
		Request{LogID: "flight-7", Kind: KindMessageType, MessageType: "GPS"})
	require.NoError(t, err)
	assert.NotNil(t, res.Records)
	assert.Zero(t, res.Count)
}

func TestExecutor_UnknownLog(t *testing.T) {
	e := NewExecutor(memory.New())

	_, err := e.Execute(context.Background(), Request{LogID: "missing"})
	require.ErrorIs(t, err, storage.ErrLogNotFound)

	_, err = e.Overview(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrLogNotFound)
}

func TestExecutor_Overview(t *testing.T) {
	store := memory.New()
	seedLog(t, store, "flight-7")

	o, err := NewExecutor(store).Overview(context.Background(), "flight-7")
	require.NoError(t, err)
	assert.Len(t, o.Phases, 2)
	assert.Len(t, o.Statistics, 2)
	assert.Equal(t, 3003, o.Totals.TotalMessages)
	assert.Equal(t, 5, o.Totals.StoredMessages)
	assert.Equal(t, "ATTITUDE", o.Summaries[0].MessageType)
}

func TestWriteText(t *testing.T) {
	store := memory.New()
	seedLog(t, store, "flight-7")
	o, err := NewExecutor(store).Overview(context.Background(), "flight-7")
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, WriteText(&b, o))
	text := b.String()

	assert.Contains(t, text, "Flight log flight-7")
	assert.Contains(t, text, "Max Altitude: 31.50 m")
	assert.Contains(t, text, "Total messages: 3,003 (stored 5, efficiency 0.2%)")
	assert.Contains(t, text, "ATTITUDE: 3,000 messages (2/3000 stored)")
	assert.Contains(t, text, "MODE: 2 messages\n")
	assert.Contains(t, text, "mode_land [mode]: 10.0s from t=50.0, 1 key events")
}

func TestGroupDigits(t *testing.T) {
	for n, want := range map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4500: "-4,500"} {
		assert.Equal(t, want, groupDigits(n))
	}
}
