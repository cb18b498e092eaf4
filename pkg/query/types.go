package query

import (
	"fmt"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Kind selects one of the stored-record queries.
type Kind string

const (
	KindCriticalEvents Kind = "critical_events" // critical records only
	KindMessageType    Kind = "message_type"    // one message type, optionally in a time range
	KindPhase          Kind = "phase"           // records tagged with a phase
	KindRecent         Kind = "recent"          // anything, newest first
)

// Query validation errors
var (
	ErrUnknownKind        = fmt.Errorf("unknown query kind")
	ErrMissingMessageType = fmt.Errorf("message_type is required for message_type queries")
	ErrMissingPhase       = fmt.Errorf("phase is required for phase queries")
	ErrInvalidRange       = fmt.Errorf("start must not be after end")
	ErrInvalidLimit       = fmt.Errorf("limit must not be negative")
)

// DefaultLimit is the number of records a kind returns when no limit is
// given.
func (k Kind) DefaultLimit() int {
	switch k {
	case KindCriticalEvents:
		return config.CriticalEventsLimit
	case KindMessageType:
		return config.MessageTypeLimit
	case KindPhase:
		return config.PhaseLimit
	}
	return config.RecentLimit
}

// Request is a record query against one log. Results are newest first.
type Request struct {
	LogID       string   `json:"log_id"`
	Kind        Kind     `json:"kind"`
	MessageType string   `json:"message_type,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Start       *float64 `json:"start,omitempty"`
	End         *float64 `json:"end,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// RecordQuery validates the request and translates it to a storage query.
// Limits above config.MaxQueryLimit are clamped.
func (r Request) RecordQuery() (storage.RecordQuery, error) {
	if r.Kind == "" {
		r.Kind = KindRecent
	}
	if r.Start != nil && r.End != nil && *r.Start > *r.End {
		return storage.RecordQuery{}, ErrInvalidRange
	}
	if r.Limit < 0 {
		return storage.RecordQuery{}, ErrInvalidLimit
	}

	q := storage.RecordQuery{
		LogID:      r.LogID,
		Start:      r.Start,
		End:        r.End,
		Limit:      r.Limit,
		Descending: true,
	}

	switch r.Kind {
	case KindCriticalEvents:
		q.Strategy = telemetry.StrategyCritical
	case KindMessageType:
		if r.MessageType == "" {
			return storage.RecordQuery{}, ErrMissingMessageType
		}
		q.MessageType = r.MessageType
	case KindPhase:
		if r.Phase == "" {
			return storage.RecordQuery{}, ErrMissingPhase
		}
		q.Phase = r.Phase
	case KindRecent:
	default:
		return storage.RecordQuery{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	if q.Limit == 0 {
		q.Limit = r.Kind.DefaultLimit()
	}
	if q.Limit > config.MaxQueryLimit {
		q.Limit = config.MaxQueryLimit
	}
	return q, nil
}
