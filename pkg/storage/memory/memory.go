package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// logData is everything stored for one log.
type logData struct {
	info    storage.LogInfo
	records []storage.Record
	bySeq   map[uint64]int
	report  *telemetry.Report
}

// put stores a retained decision, replacing one with the same sequence.
func (ld *logData) put(logID string, d telemetry.Decision) {
	rec := storage.RecordFromDecision(logID, d)
	if i, ok := ld.bySeq[d.Sequence]; ok {
		ld.records[i] = rec
		return
	}
	ld.bySeq[d.Sequence] = len(ld.records)
	ld.records = append(ld.records, rec)
}

// Storage stores reduced logs in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	logs map[string]*logData
	mu   sync.RWMutex
	now  func() time.Time
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		logs: make(map[string]*logData),
		now:  time.Now,
	}
}

// touch returns the log entry, creating it on first write. Caller holds mu.
func (s *Storage) touch(logID string) *logData {
	now := s.now()
	ld, ok := s.logs[logID]
	if !ok {
		ld = &logData{
			info:  storage.LogInfo{LogID: logID, CreatedAt: now},
			bySeq: make(map[uint64]int),
		}
		s.logs[logID] = ld
	}
	ld.info.UpdatedAt = now
	return ld
}

// AppendDecisions stores retained decisions in memory
func (s *Storage) AppendDecisions(ctx context.Context, logID string, decisions []telemetry.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ld := s.touch(logID)
	for _, d := range decisions {
		if !d.Retained() {
			continue
		}
		ld.put(logID, d)
	}
	ld.info.Records = len(ld.records)
	return nil
}

// WriteReport stores the report and its backfilled decisions
func (s *Storage) WriteReport(ctx context.Context, logID string, report *telemetry.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ld := s.touch(logID)
	for _, d := range report.Backfill {
		ld.put(logID, d)
	}
	ld.info.Records = len(ld.records)
	ld.info.Reported = true

	stored := *report
	stored.Backfill = nil
	ld.report = &stored
	return nil
}

// QueryRecords retrieves records matching the query
func (s *Storage) QueryRecords(ctx context.Context, q storage.RecordQuery) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*logData
	if q.LogID != "" {
		ld, ok := s.logs[q.LogID]
		if !ok {
			return nil, storage.ErrLogNotFound
		}
		candidates = append(candidates, ld)
	} else {
		for _, ld := range s.logs {
			candidates = append(candidates, ld)
		}
	}

	var results []storage.Record
	for _, ld := range candidates {
		for _, r := range ld.records {
			if q.Matches(r) {
				results = append(results, r)
			}
		}
	}

	storage.SortRecords(results, q.Descending)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// report returns the stored report or an empty one for logs still running.
func (s *Storage) report(ctx context.Context, logID string) (*telemetry.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ld, ok := s.logs[logID]
	if !ok {
		return nil, storage.ErrLogNotFound
	}
	if ld.report == nil {
		return &telemetry.Report{LogID: logID}, nil
	}
	return ld.report, nil
}

// Phases returns the log's phases
func (s *Storage) Phases(ctx context.Context, logID string) ([]telemetry.FlightPhase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.report(ctx, logID)
	if err != nil {
		return nil, err
	}
	out := append([]telemetry.FlightPhase(nil), r.Phases...)
	storage.SortPhases(out)
	return out, nil
}

// Statistics returns the log's flight statistics
func (s *Storage) Statistics(ctx context.Context, logID string) ([]telemetry.FlightStatistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.report(ctx, logID)
	if err != nil {
		return nil, err
	}
	return append([]telemetry.FlightStatistic(nil), r.Statistics...), nil
}

// Summaries returns the log's per-type summaries
func (s *Storage) Summaries(ctx context.Context, logID string) ([]telemetry.MessageTypeSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.report(ctx, logID)
	if err != nil {
		return nil, err
	}
	out := append([]telemetry.MessageTypeSummary(nil), r.Summaries...)
	storage.SortSummaries(out)
	return out, nil
}

// Logs lists stored logs, newest first
func (s *Storage) Logs(ctx context.Context) ([]storage.LogInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.LogInfo, 0, len(s.logs))
	for _, ld := range s.logs {
		out = append(out, ld.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LogID < out[j].LogID
	})
	return out, nil
}

// DeleteLog removes a log
func (s *Storage) DeleteLog(ctx context.Context, logID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[logID]; !ok {
		return storage.ErrLogNotFound
	}
	delete(s.logs, logID)
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{TotalLogs: uint64(len(s.logs))}
	for _, ld := range s.logs {
		stats.TotalRecords += uint64(len(ld.records))
		if stats.OldestLog.IsZero() || ld.info.CreatedAt.Before(stats.OldestLog) {
			stats.OldestLog = ld.info.CreatedAt
		}
		if ld.info.CreatedAt.After(stats.NewestLog) {
			stats.NewestLog = ld.info.CreatedAt
		}
	}

	// Rough size estimate (each record ~200 bytes)
	stats.SizeBytes = stats.TotalRecords * 200
	return stats, nil
}
