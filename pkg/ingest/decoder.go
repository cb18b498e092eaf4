package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// wireMessage accepts both the native shape {"type","timestamp","fields"}
// and the legacy one {"message_type","timestamp","data"}.
type wireMessage struct {
	Type        string         `json:"type"`
	MessageType string         `json:"message_type"`
	Timestamp   *float64       `json:"timestamp"`
	Fields      map[string]any `json:"fields"`
	Data        map[string]any `json:"data"`
}

// Decoder reads newline-delimited JSON messages. Malformed lines are
// skipped and counted; only read errors stop decoding.
type Decoder struct {
	sc      *bufio.Scanner
	types   *TypeTracker
	lines   int
	skipped int
	lastErr error
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Decoder{sc: sc, types: NewTypeTracker(MaxMessageTypesPerLog)}
}

// Next returns the next valid message, or io.EOF at the end of input.
func (d *Decoder) Next() (telemetry.Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		d.lines++

		msg, err := decodeLine(line)
		if err == nil {
			err = d.types.Check(msg.Type)
		}
		if err != nil {
			d.skipped++
			d.lastErr = fmt.Errorf("line %d: %w", d.lines, err)
			continue
		}
		return msg, nil
	}

	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return telemetry.Message{}, fmt.Errorf("%w: after line %d", ErrLineTooLong, d.lines)
		}
		return telemetry.Message{}, fmt.Errorf("failed to read input: %w", err)
	}
	return telemetry.Message{}, io.EOF
}

// Lines returns the number of non-blank lines read so far.
func (d *Decoder) Lines() int { return d.lines }

// Skipped returns the number of malformed lines skipped so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Types reports the distinct message types decoded so far.
func (d *Decoder) Types() CardinalityStats { return d.types.Stats() }

// LastError describes the most recent skipped line, or nil.
func (d *Decoder) LastError() error { return d.lastErr }

// Stream sends every decoded message to out until the input ends, a read
// fails or ctx is cancelled. The caller owns out and closes it.
func (d *Decoder) Stream(ctx context.Context, out chan<- telemetry.Message) error {
	for {
		msg, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeLine(line []byte) (telemetry.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return telemetry.Message{}, fmt.Errorf("invalid JSON: %w", err)
	}

	msg := telemetry.Message{Type: w.Type, Fields: w.Fields}
	if msg.Type == "" {
		msg.Type = w.MessageType
	}
	if msg.Fields == nil {
		msg.Fields = w.Data
	}
	msg.Fields = NormalizeFields(msg.Fields)

	switch {
	case w.Timestamp != nil:
		msg.Timestamp = *w.Timestamp
	default:
		ts, ok := bootTimestamp(msg)
		if !ok {
			return telemetry.Message{}, ErrMissingTimestamp
		}
		msg.Timestamp = ts
	}

	if err := ValidateMessage(msg); err != nil {
		return telemetry.Message{}, err
	}
	return msg, nil
}

// bootTimestamp derives seconds from time_boot_ms or time_usec, the
// MAVLink boot clocks.
func bootTimestamp(msg telemetry.Message) (float64, bool) {
	if ms, ok := msg.Number("time_boot_ms"); ok {
		return ms / 1000, true
	}
	if us, ok := msg.Number("time_usec"); ok {
		return us / 1e6, true
	}
	return 0, false
}

// NormalizeFields turns json.Number into int64 or float64 and drops
// values that are not scalars.
func NormalizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				out[k] = i
			} else if f, err := val.Float64(); err == nil {
				out[k] = f
			}
		case string, bool:
			out[k] = val
		}
	}
	return out
}
