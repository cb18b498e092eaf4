package ingest

import "fmt"

// MaxMessageTypesPerLog bounds distinct message types in one upload. Each
// type costs a sampler, a reservoir and a summary row.
const MaxMessageTypesPerLog = 1000

// ErrTooManyMessageTypes is returned once a log exceeds MaxMessageTypesPerLog
var ErrTooManyMessageTypes = fmt.Errorf("too many distinct message types (max %d per log)", MaxMessageTypesPerLog)

// TypeTracker counts distinct message types in one log and rejects new
// types past the limit. Types already seen are always accepted.
type TypeTracker struct {
	seen  map[string]int
	limit int
}

// NewTypeTracker creates a tracker; limit <= 0 means MaxMessageTypesPerLog.
func NewTypeTracker(limit int) *TypeTracker {
	if limit <= 0 {
		limit = MaxMessageTypesPerLog
	}
	return &TypeTracker{seen: make(map[string]int), limit: limit}
}

// Check validates that msgType may be accepted and records it.
func (t *TypeTracker) Check(msgType string) error {
	if _, ok := t.seen[msgType]; ok {
		t.seen[msgType]++
		return nil
	}
	if len(t.seen) >= t.limit {
		return fmt.Errorf("%w: %q", ErrTooManyMessageTypes, msgType)
	}
	t.seen[msgType] = 1
	return nil
}

// Stats returns current cardinality statistics
func (t *TypeTracker) Stats() CardinalityStats {
	var maxType string
	var maxCount int
	for name, count := range t.seen {
		if count > maxCount || (count == maxCount && name < maxType) {
			maxCount = count
			maxType = name
		}
	}
	return CardinalityStats{
		UniqueTypes:    len(t.seen),
		BusiestType:    maxType,
		BusiestCount:   maxCount,
		TypeLimit:      t.limit,
		UtilizationPct: float64(len(t.seen)) / float64(t.limit) * 100,
	}
}

// CardinalityStats provides message type usage information
type CardinalityStats struct {
	UniqueTypes    int     `json:"unique_types"`
	BusiestType    string  `json:"busiest_type"`
	BusiestCount   int     `json:"busiest_count"`
	TypeLimit      int     `json:"type_limit"`
	UtilizationPct float64 `json:"utilization_percent"`
}
