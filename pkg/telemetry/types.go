package telemetry

import (
	"encoding/json"
	"math"
	"sort"
)

// Message is a single decoded telemetry record. Timestamps are seconds
// relative to the start of the log. Field values are scalars: numbers,
// strings or booleans.
type Message struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Number returns a field as float64. Missing fields, non-numeric values
// and NaN/Inf are reported as absent.
func (m Message) Number(field string) (float64, bool) {
	v, ok := m.Fields[field]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Text returns a string field.
func (m Message) Text(field string) (string, bool) {
	v, ok := m.Fields[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Project returns a copy of the message restricted to the given fields.
// Fields absent from the message are skipped. An empty field list keeps
// every field.
func (m Message) Project(fields []string) Message {
	out := Message{Type: m.Type, Timestamp: m.Timestamp}
	if len(fields) == 0 {
		out.Fields = cloneFields(m.Fields)
		return out
	}
	out.Fields = make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return out
}

// FieldNames returns the message's field names in sorted order.
func (m Message) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ToFloat converts a scalar field value to float64.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Strategy records how a message was retained.
type Strategy string

const (
	StrategyCritical Strategy = "critical" // always retained, all fields
	StrategySampled  Strategy = "sampled"  // retained by the sampler, key fields only
	StrategyFull     Strategy = "full"     // retained by the sampler, all fields
	StrategyDropped  Strategy = "dropped"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCritical, StrategySampled, StrategyFull, StrategyDropped:
		return true
	}
	return false
}

// Decision is the retention outcome for one message. Sequence is the
// message's position in the input stream; SamplingIndex is its ordinal
// within its message type and is nil for critical messages.
type Decision struct {
	Sequence      uint64   `json:"sequence"`
	Message       Message  `json:"message"`
	Strategy      Strategy `json:"strategy"`
	SamplingIndex *int     `json:"sampling_index,omitempty"`
	PhaseTags     []string `json:"phase_tags,omitempty"`
	Backfilled    bool     `json:"backfilled,omitempty"`
}

// Retained reports whether the decision keeps the message.
func (d Decision) Retained() bool {
	return d.Strategy != StrategyDropped && d.Strategy != ""
}

// KeyEvent is a noteworthy message attached to the phases open when it
// arrived.
type KeyEvent struct {
	Timestamp   float64 `json:"timestamp"`
	MessageType string  `json:"message_type"`
	Text        string  `json:"text,omitempty"`
	Severity    *int    `json:"severity,omitempty"`
}

// FlightPhase is a labelled time interval on one detection track.
type FlightPhase struct {
	Track        string             `json:"track"`
	Name         string             `json:"name"`
	StartTime    float64            `json:"start_time"`
	EndTime      float64            `json:"end_time"`
	KeyEvents    []KeyEvent         `json:"key_events,omitempty"`
	SummaryStats map[string]float64 `json:"summary_stats,omitempty"`
}

// Duration returns EndTime - StartTime.
func (p FlightPhase) Duration() float64 {
	return p.EndTime - p.StartTime
}

// BoundaryKind distinguishes phase openings from closings.
type BoundaryKind string

const (
	BoundaryOpened BoundaryKind = "opened"
	BoundaryClosed BoundaryKind = "closed"
)

// PhaseBoundary is emitted whenever a phase opens or closes. For closed
// boundaries Phase carries the final EndTime, key events and summary stats.
type PhaseBoundary struct {
	Kind  BoundaryKind `json:"kind"`
	Phase FlightPhase  `json:"phase"`
}

// TimeRange is an inclusive [Start, End] interval in log seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// MessageTypeSummary describes how one message type was reduced.
type MessageTypeSummary struct {
	MessageType   string             `json:"message_type"`
	Category      string             `json:"category"`
	TotalCount    int                `json:"total_count"`
	StoredCount   int                `json:"stored_count"`
	SampleRate    float64            `json:"sample_rate"`
	TimeRange     TimeRange          `json:"time_range"`
	KeyStatistics map[string]float64 `json:"key_statistics,omitempty"`
}

// FlightStatistic is one flight-level scalar.
type FlightStatistic struct {
	StatisticType string  `json:"statistic_type"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit"`
}

// Report is the end-of-stream output of a reduction run.
type Report struct {
	LogID      string               `json:"log_id"`
	Statistics []FlightStatistic    `json:"statistics"`
	Phases     []FlightPhase        `json:"phases"`
	Summaries  []MessageTypeSummary `json:"summaries"`
	// Backfill holds decisions released at finalize for under-sampled types.
	Backfill []Decision `json:"backfill,omitempty"`
}

// Totals aggregates the per-type summaries of a report.
type Totals struct {
	TotalMessages  int              `json:"total_messages"`
	StoredMessages int              `json:"stored_messages"`
	ByStrategy     map[Strategy]int `json:"by_strategy"`
	Efficiency     float64          `json:"storage_efficiency"`
	MessageTypes   int              `json:"message_types"`
}

// Totals computes message counts and the stored/total ratio.
func (r *Report) Totals() Totals {
	t := Totals{ByStrategy: make(map[Strategy]int)}
	for _, s := range r.Summaries {
		t.TotalMessages += s.TotalCount
		t.StoredMessages += s.StoredCount
		switch s.Category {
		case "critical":
			t.ByStrategy[StrategyCritical] += s.StoredCount
		case "sampled":
			t.ByStrategy[StrategySampled] += s.StoredCount
		default:
			t.ByStrategy[StrategyFull] += s.StoredCount
		}
	}
	t.MessageTypes = len(r.Summaries)
	if t.TotalMessages > 0 {
		t.Efficiency = float64(t.StoredMessages) / float64(t.TotalMessages)
	}
	return t
}

// Statistic returns the named flight statistic.
func (r *Report) Statistic(name string) (FlightStatistic, bool) {
	for _, s := range r.Statistics {
		if s.StatisticType == name {
			return s, true
		}
	}
	return FlightStatistic{}, false
}

// PhasesOn returns the report's phases for one track in start order.
func (r *Report) PhasesOn(track string) []FlightPhase {
	var out []FlightPhase
	for _, p := range r.Phases {
		if p.Track == track {
			out = append(out, p)
		}
	}
	return out
}
