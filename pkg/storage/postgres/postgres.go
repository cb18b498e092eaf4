// Package postgres stores reduced flight logs in PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// maxRowsPerInsert keeps multi-row inserts under the 65535 parameter limit.
const maxRowsPerInsert = 1000

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects with a lib/pq DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

const upsertLog = `INSERT INTO flight_logs (log_id, created_at, updated_at) VALUES ($1, $2, $2) ` +
	`ON CONFLICT (log_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// insertRecords writes retained decisions with multi-row inserts and
// returns how many rows were new.
func insertRecords(ctx context.Context, tx *sql.Tx, logID string, decisions []telemetry.Decision) (int64, error) {
	var rows []storage.Record
	for _, d := range decisions {
		if d.Retained() {
			rows = append(rows, storage.RecordFromDecision(logID, d))
		}
	}

	var inserted int64
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var b strings.Builder
		b.WriteString("INSERT INTO smart_telemetry ")
		b.WriteString("(log_id, seq, message_type, timestamp, data, storage_strategy, sampling_index, phase_tags, backfilled) VALUES ")

		args := make([]any, 0, len(chunk)*9)
		for i, r := range chunk {
			if i > 0 {
				b.WriteString(",")
			}
			n := len(args)
			fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9)

			data, err := json.Marshal(r.Data)
			if err != nil {
				return inserted, fmt.Errorf("marshal data: %w", err)
			}
			var samplingIndex sql.NullInt64
			if r.SamplingIndex != nil {
				samplingIndex = sql.NullInt64{Int64: int64(*r.SamplingIndex), Valid: true}
			}
			args = append(args,
				r.LogID,
				int64(r.Sequence),
				r.MessageType,
				r.Timestamp,
				data,
				string(r.Strategy),
				samplingIndex,
				pq.Array(r.PhaseTags),
				r.Backfilled,
			)
		}
		b.WriteString(" ON CONFLICT (log_id, seq) DO NOTHING")

		res, err := tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// AppendDecisions stores retained decisions
func (s *Store) AppendDecisions(ctx context.Context, logID string, decisions []telemetry.Decision) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertLog, logID, s.now()); err != nil {
			return fmt.Errorf("failed to register log: %w", err)
		}
		n, err := insertRecords(ctx, tx, logID, decisions)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE flight_logs SET records = records + $2 WHERE log_id = $1`, logID, n)
		return err
	})
}

// WriteReport replaces the log's statistics, phases and summaries
func (s *Store) WriteReport(ctx context.Context, logID string, report *telemetry.Report) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertLog, logID, s.now()); err != nil {
			return fmt.Errorf("failed to register log: %w", err)
		}
		for _, table := range []string{"flight_statistics", "flight_phases", "message_summaries"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE log_id = $1", logID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, st := range report.Statistics {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO flight_statistics (log_id, statistic_type, value, unit) VALUES ($1,$2,$3,$4)`,
				logID, st.StatisticType, st.Value, st.Unit)
			if err != nil {
				return fmt.Errorf("failed to insert statistic %s: %w", st.StatisticType, err)
			}
		}

		for _, ph := range report.Phases {
			events, err := json.Marshal(ph.KeyEvents)
			if err != nil {
				return fmt.Errorf("marshal key events: %w", err)
			}
			summary, err := json.Marshal(ph.SummaryStats)
			if err != nil {
				return fmt.Errorf("marshal summary stats: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO flight_phases (log_id, track, phase_name, start_time, end_time, key_events, summary_stats) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				logID, ph.Track, ph.Name, ph.StartTime, ph.EndTime, events, summary)
			if err != nil {
				return fmt.Errorf("failed to insert phase %s: %w", ph.Name, err)
			}
		}

		for _, sm := range report.Summaries {
			keyStats, err := json.Marshal(sm.KeyStatistics)
			if err != nil {
				return fmt.Errorf("marshal key statistics: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO message_summaries (log_id, message_type, category, total_count, stored_count, sample_rate, time_range_start, time_range_end, key_statistics) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				logID, sm.MessageType, sm.Category, sm.TotalCount, sm.StoredCount, sm.SampleRate, sm.TimeRange.Start, sm.TimeRange.End, keyStats)
			if err != nil {
				return fmt.Errorf("failed to insert summary %s: %w", sm.MessageType, err)
			}
		}

		n, err := insertRecords(ctx, tx, logID, report.Backfill)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE flight_logs SET records = records + $2, reported = TRUE WHERE log_id = $1`, logID, n)
		return err
	})
}

// requireLog returns ErrLogNotFound for unknown logs.
func (s *Store) requireLog(ctx context.Context, logID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM flight_logs WHERE log_id = $1`, logID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrLogNotFound
	}
	return err
}

// buildRecordQuery turns q into SQL with positional arguments.
func buildRecordQuery(q storage.RecordQuery) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT log_id, seq, message_type, timestamp, data, storage_strategy, sampling_index, phase_tags, backfilled FROM smart_telemetry")

	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.LogID != "" {
		add("log_id = $%d", q.LogID)
	}
	if q.MessageType != "" {
		add("message_type = $%d", q.MessageType)
	}
	if q.Strategy != "" {
		add("storage_strategy = $%d", string(q.Strategy))
	}
	if q.Phase != "" {
		add("$%d = ANY(phase_tags)", q.Phase)
	}
	if q.Start != nil {
		add("timestamp >= $%d", *q.Start)
	}
	if q.End != nil {
		add("timestamp <= $%d", *q.End)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if q.Descending {
		b.WriteString(" ORDER BY timestamp DESC, seq DESC")
	} else {
		b.WriteString(" ORDER BY timestamp, seq")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// QueryRecords retrieves records matching the query
func (s *Store) QueryRecords(ctx context.Context, q storage.RecordQuery) ([]storage.Record, error) {
	if q.LogID != "" {
		if err := s.requireLog(ctx, q.LogID); err != nil {
			return nil, err
		}
	}

	query, args := buildRecordQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var (
			r             storage.Record
			seq           int64
			data          []byte
			strategy      string
			samplingIndex sql.NullInt64
			tags          pq.StringArray
		)
		if err := rows.Scan(&r.LogID, &seq, &r.MessageType, &r.Timestamp, &data, &strategy, &samplingIndex, &tags, &r.Backfilled); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
		r.Sequence = uint64(seq)
		r.Strategy = telemetry.Strategy(strategy)
		if samplingIndex.Valid {
			idx := int(samplingIndex.Int64)
			r.SamplingIndex = &idx
		}
		if len(tags) > 0 {
			r.PhaseTags = []string(tags)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Phases returns the log's phases
func (s *Store) Phases(ctx context.Context, logID string) ([]telemetry.FlightPhase, error) {
	if err := s.requireLog(ctx, logID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT track, phase_name, start_time, end_time, key_events, summary_stats FROM flight_phases WHERE log_id = $1 ORDER BY start_time, track`,
		logID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}
	defer rows.Close()

	var out []telemetry.FlightPhase
	for rows.Next() {
		var (
			ph              telemetry.FlightPhase
			events, summary []byte
		)
		if err := rows.Scan(&ph.Track, &ph.Name, &ph.StartTime, &ph.EndTime, &events, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		if len(events) > 0 {
			if err := json.Unmarshal(events, &ph.KeyEvents); err != nil {
				return nil, fmt.Errorf("unmarshal key events: %w", err)
			}
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &ph.SummaryStats); err != nil {
				return nil, fmt.Errorf("unmarshal summary stats: %w", err)
			}
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

// Statistics returns the log's flight statistics
func (s *Store) Statistics(ctx context.Context, logID string) ([]telemetry.FlightStatistic, error) {
	if err := s.requireLog(ctx, logID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT statistic_type, value, unit FROM flight_statistics WHERE log_id = $1 ORDER BY statistic_type`,
		logID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var out []telemetry.FlightStatistic
	for rows.Next() {
		var st telemetry.FlightStatistic
		if err := rows.Scan(&st.StatisticType, &st.Value, &st.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan statistic: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Summaries returns the log's per-type summaries, largest first
func (s *Store) Summaries(ctx context.Context, logID string) ([]telemetry.MessageTypeSummary, error) {
	if err := s.requireLog(ctx, logID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_type, category, total_count, stored_count, sample_rate, time_range_start, time_range_end, key_statistics `+
			`FROM message_summaries WHERE log_id = $1 ORDER BY total_count DESC, message_type`,
		logID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []telemetry.MessageTypeSummary
	for rows.Next() {
		var (
			sm       telemetry.MessageTypeSummary
			keyStats []byte
		)
		if err := rows.Scan(&sm.MessageType, &sm.Category, &sm.TotalCount, &sm.StoredCount, &sm.SampleRate,
			&sm.TimeRange.Start, &sm.TimeRange.End, &keyStats); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if len(keyStats) > 0 {
			if err := json.Unmarshal(keyStats, &sm.KeyStatistics); err != nil {
				return nil, fmt.Errorf("unmarshal key statistics: %w", err)
			}
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Logs lists stored logs, newest first
func (s *Store) Logs(ctx context.Context) ([]storage.LogInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT log_id, created_at, updated_at, records, reported FROM flight_logs ORDER BY created_at DESC, log_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []storage.LogInfo
	for rows.Next() {
		var info storage.LogInfo
		if err := rows.Scan(&info.LogID, &info.CreatedAt, &info.UpdatedAt, &info.Records, &info.Reported); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteLog removes a log; foreign keys cascade to every table
func (s *Store) DeleteLog(ctx context.Context, logID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flight_logs WHERE log_id = $1`, logID)
	if err != nil {
		return fmt.Errorf("failed to delete log %s: %w", logID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrLogNotFound
	}
	return nil
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		stats          storage.Stats
		oldest, newest sql.NullTime
		size           int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(records), 0), MIN(created_at), MAX(created_at), pg_database_size(current_database()) FROM flight_logs`,
	).Scan(&stats.TotalLogs, &stats.TotalRecords, &oldest, &newest, &size)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	stats.OldestLog = oldest.Time
	stats.NewestLog = newest.Time
	stats.SizeBytes = uint64(size)
	return &stats, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}
