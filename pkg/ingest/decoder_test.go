package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

func TestDecoder_BothShapes(t *testing.T) {
	input := `{"type":"MODE","timestamp":0,"fields":{"mode":"STABILIZE"}}
{"message_type":"ATTITUDE","timestamp":0.5,"data":{"roll":0.12,"pitch":-0.03,"yaw":1}}

{"type":"GLOBAL_POSITION_INT","fields":{"time_boot_ms":1500,"relative_alt":12000,"lat":473977420}}
`
	dec := NewDecoder(strings.NewReader(input))

	mode, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "MODE", mode.Type)
	assert.Equal(t, "STABILIZE", mode.Fields["mode"])

	att, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "ATTITUDE", att.Type)
	assert.Equal(t, 0.5, att.Timestamp)
	assert.Equal(t, 0.12, att.Fields["roll"])
	assert.Equal(t, int64(1), att.Fields["yaw"], "integral JSON numbers decode as int64")

	pos, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 1.5, pos.Timestamp, "timestamp derived from time_boot_ms")
	assert.Equal(t, int64(473977420), pos.Fields["lat"])

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, dec.Lines())
	assert.Equal(t, 0, dec.Skipped())
}

func TestDecoder_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`not json`,
		`{"type":"","timestamp":1}`,
		`{"type":"ATTITUDE"}`,
		`{"type":"ATTITUDE","timestamp":"soon"}`,
		`{"type":"RAW_IMU","fields":{"time_usec":2500000,"xacc":12}}`,
		`{"type":"` + strings.Repeat("X", MaxMessageTypeLength+1) + `","timestamp":3}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "RAW_IMU", msg.Type)
	assert.Equal(t, 2.5, msg.Timestamp)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 5, dec.Skipped())
	assert.ErrorIs(t, dec.LastError(), ErrMessageTypeTooLong)
}

func TestDecoder_DropsNonScalarFields(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"BATTERY_STATUS","timestamp":4,"fields":{"voltages":[4100,4090],"current_battery":1520,"meta":{"a":1}}}`))
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"current_battery": int64(1520)}, msg.Fields)
}

func TestDecoder_LineTooLong(t *testing.T) {
	long := `{"type":"STATUSTEXT","timestamp":1,"fields":{"text":"` + strings.Repeat("a", MaxLineBytes) + `"}}`
	dec := NewDecoder(strings.NewReader(long))
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDecoder_Stream(t *testing.T) {
	input := `{"type":"ARM","timestamp":1}
{"type":"DISARM","timestamp":2}
`
	dec := NewDecoder(strings.NewReader(input))
	out := make(chan telemetry.Message, 4)
	require.NoError(t, dec.Stream(context.Background(), out))
	close(out)

	var types []string
	for msg := range out {
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{"ARM", "DISARM"}, types)
}

func TestDecoder_StreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := NewDecoder(strings.NewReader(`{"type":"ARM","timestamp":1}`))
	err := dec.Stream(ctx, make(chan telemetry.Message))
	assert.True(t, errors.Is(err, context.Canceled))
}
