package storage

import (
	"sort"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Record is one retained message as persisted, keyed by
// (log_id, message_type, timestamp). Sequence breaks timestamp ties.
type Record struct {
	LogID         string             `json:"log_id" cbor:"1,keyasint"`
	Sequence      uint64             `json:"sequence" cbor:"2,keyasint"`
	MessageType   string             `json:"message_type" cbor:"3,keyasint"`
	Timestamp     float64            `json:"timestamp" cbor:"4,keyasint"`
	Data          map[string]any     `json:"data" cbor:"5,keyasint"`
	Strategy      telemetry.Strategy `json:"storage_strategy" cbor:"6,keyasint"`
	SamplingIndex *int               `json:"sampling_index,omitempty" cbor:"7,keyasint,omitempty"`
	PhaseTags     []string           `json:"phase_tags,omitempty" cbor:"8,keyasint,omitempty"`
	Backfilled    bool               `json:"backfilled,omitempty" cbor:"9,keyasint,omitempty"`
}

// RecordFromDecision converts a retained decision into a record.
func RecordFromDecision(logID string, d telemetry.Decision) Record {
	return Record{
		LogID:         logID,
		Sequence:      d.Sequence,
		MessageType:   d.Message.Type,
		Timestamp:     d.Message.Timestamp,
		Data:          d.Message.Fields,
		Strategy:      d.Strategy,
		SamplingIndex: d.SamplingIndex,
		PhaseTags:     d.PhaseTags,
		Backfilled:    d.Backfilled,
	}
}

// Message rebuilds the telemetry message carried by the record.
func (r Record) Message() telemetry.Message {
	return telemetry.Message{Type: r.MessageType, Timestamp: r.Timestamp, Fields: r.Data}
}

// RecordQuery selects records of one log. Zero-valued filters match
// everything; Start and End are inclusive.
type RecordQuery struct {
	LogID       string
	MessageType string
	Strategy    telemetry.Strategy
	Phase       string
	Start       *float64
	End         *float64

	// Limit number of results (0 = no limit)
	Limit int

	// Descending returns newest records first
	Descending bool
}

// Matches reports whether r passes every filter in q.
func (q RecordQuery) Matches(r Record) bool {
	if q.LogID != "" && r.LogID != q.LogID {
		return false
	}
	if q.MessageType != "" && r.MessageType != q.MessageType {
		return false
	}
	if q.Strategy != "" && r.Strategy != q.Strategy {
		return false
	}
	if q.Start != nil && r.Timestamp < *q.Start {
		return false
	}
	if q.End != nil && r.Timestamp > *q.End {
		return false
	}
	if q.Phase != "" {
		found := false
		for _, tag := range r.PhaseTags {
			if tag == q.Phase {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortRecords orders records by timestamp then sequence, reversed when
// descending.
func SortRecords(records []Record, descending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Timestamp != b.Timestamp {
			if descending {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		if descending {
			return a.Sequence > b.Sequence
		}
		return a.Sequence < b.Sequence
	})
}

// SortSummaries orders summaries by total count, largest first, then type.
func SortSummaries(summaries []telemetry.MessageTypeSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].TotalCount != summaries[j].TotalCount {
			return summaries[i].TotalCount > summaries[j].TotalCount
		}
		return summaries[i].MessageType < summaries[j].MessageType
	})
}

// SortPhases orders phases by start time then track.
func SortPhases(phases []telemetry.FlightPhase) {
	sort.SliceStable(phases, func(i, j int) bool {
		if phases[i].StartTime != phases[j].StartTime {
			return phases[i].StartTime < phases[j].StartTime
		}
		return phases[i].Track < phases[j].Track
	})
}
