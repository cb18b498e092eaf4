package badger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

var _ storage.Store = (*Storage)(nil)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults to a 64 MB memtable x 5. A reduction server mostly
	// appends small records in bursts, so a 16 MB memtable is plenty.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches grow without bound unless sized explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // records stay in the LSM, large reports go to the vlog
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// update runs fn in a read-write transaction. On cancellation it waits for
// the transaction to commit or roll back before returning, so nothing lands
// after the caller has given up and moved on to cleanup.
func (s *Storage) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		<-done
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// view is update for read-only transactions.
func (s *Storage) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.View(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// checkContext polls ctx every 1000 iterations.
func checkContext(ctx context.Context, n int) error {
	if n%1000 != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func loadInfo(txn *badger.Txn, logID string) (storage.LogInfo, bool, error) {
	item, err := txn.Get(logKey(logID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.LogInfo{LogID: logID}, false, nil
	}
	if err != nil {
		return storage.LogInfo{}, false, err
	}
	var info storage.LogInfo
	err = item.Value(func(val []byte) error {
		return decode(val, &info)
	})
	if err != nil {
		return storage.LogInfo{}, false, fmt.Errorf("failed to decode log info: %w", err)
	}
	return info, true, nil
}

func saveInfo(txn *badger.Txn, info storage.LogInfo) error {
	val, err := encode(info)
	if err != nil {
		return fmt.Errorf("failed to encode log info: %w", err)
	}
	return txn.Set(logKey(info.LogID), val)
}

func touch(info *storage.LogInfo) {
	now := time.Now()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.UpdatedAt = now
}

// putRecords writes retained decisions and their type index entries and
// returns how many records were new. Rewriting a record already stored
// under the same timestamp and sequence replaces it without counting it.
func putRecords(ctx context.Context, txn *badger.Txn, logID string, decisions []telemetry.Decision) (int, error) {
	written := 0
	for i, d := range decisions {
		if i%100 == 0 {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			default:
			}
		}
		if !d.Retained() {
			continue
		}

		rec := storage.RecordFromDecision(logID, d)
		val, err := encode(rec)
		if err != nil {
			return written, fmt.Errorf("failed to encode record: %w", err)
		}
		key := recordKey(logID, rec.Timestamp, rec.Sequence)
		_, err = txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			written++
		case err != nil:
			return written, fmt.Errorf("failed to check record: %w", err)
		}
		if err := txn.Set(key, val); err != nil {
			return written, fmt.Errorf("failed to write record: %w", err)
		}
		// the index value names the owning log for collision checks
		idx := typeIndexKey(logID, rec.MessageType, rec.Timestamp, rec.Sequence)
		if err := txn.Set(idx, []byte(logID)); err != nil {
			return written, fmt.Errorf("failed to write type index: %w", err)
		}
	}
	return written, nil
}

// AppendDecisions stores retained decisions in BadgerDB
func (s *Storage) AppendDecisions(ctx context.Context, logID string, decisions []telemetry.Decision) error {
	return s.update(ctx, "append", func(txn *badger.Txn) error {
		info, _, err := loadInfo(txn, logID)
		if err != nil {
			return err
		}
		touch(&info)

		n, err := putRecords(ctx, txn, logID, decisions)
		if err != nil {
			return err
		}
		info.Records += n
		return saveInfo(txn, info)
	})
}

// WriteReport stores phases, statistics, summaries and backfilled records
func (s *Storage) WriteReport(ctx context.Context, logID string, report *telemetry.Report) error {
	return s.update(ctx, "report", func(txn *badger.Txn) error {
		info, _, err := loadInfo(txn, logID)
		if err != nil {
			return err
		}
		touch(&info)
		info.Reported = true

		tables := []struct {
			prefix byte
			value  any
		}{
			{prefixPhases, report.Phases},
			{prefixStatistics, report.Statistics},
			{prefixSummaries, report.Summaries},
		}
		for _, tbl := range tables {
			val, err := encode(tbl.value)
			if err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
			if err := txn.Set(logPrefix(tbl.prefix, logID), val); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
		}

		n, err := putRecords(ctx, txn, logID, report.Backfill)
		if err != nil {
			return err
		}
		info.Records += n
		return saveInfo(txn, info)
	})
}

// QueryRecords retrieves records matching the query. Records are keyed by
// timestamp within a log and indexed by message type, so time bounds become
// seeks and a type filter reads only that type; other filters scan.
func (s *Storage) QueryRecords(ctx context.Context, q storage.RecordQuery) ([]storage.Record, error) {
	var results []storage.Record
	startTime := time.Now()

	err := s.view(ctx, "query", func(txn *badger.Txn) error {
		logIDs := []string{q.LogID}
		if q.LogID == "" {
			infos, err := listLogs(ctx, txn)
			if err != nil {
				return err
			}
			logIDs = logIDs[:0]
			for _, info := range infos {
				logIDs = append(logIDs, info.LogID)
			}
		} else if _, ok, err := loadInfo(txn, q.LogID); err != nil {
			return err
		} else if !ok {
			return storage.ErrLogNotFound
		}

		for _, id := range logIDs {
			recs, err := scanLog(ctx, txn, id, q)
			if err != nil {
				return err
			}
			results = append(results, recs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.LogID == "" {
		storage.SortRecords(results, q.Descending)
		if q.Limit > 0 && len(results) > q.Limit {
			results = results[:q.Limit]
		}
	}

	if elapsed := time.Since(startTime); elapsed > 5*time.Second {
		log.Printf("Slow record query on %q completed in %v (%d results)", q.LogID, elapsed, len(results))
	}
	return results, nil
}

// scanLog walks one log in time order. A message type filter walks that
// type's index instead of every record of the log.
func scanLog(ctx context.Context, txn *badger.Txn, logID string, q storage.RecordQuery) ([]storage.Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = q.Descending
	opts.PrefetchSize = 100
	if q.MessageType != "" {
		opts.Prefix = typePrefix(logID, q.MessageType)
		opts.PrefetchValues = false
	} else {
		opts.Prefix = logPrefix(prefixRecord, logID)
	}

	it := txn.NewIterator(opts)
	defer it.Close()

	var seek []byte
	switch {
	case !q.Descending && q.Start != nil:
		seek = seekKey(opts.Prefix, *q.Start)
	case !q.Descending:
		seek = opts.Prefix
	case q.End != nil:
		seek = seekKeyReverse(opts.Prefix, *q.End)
	default:
		seek = seekKeyLast(opts.Prefix)
	}

	var out []storage.Record
	iterCount := 0
	for it.Seek(seek); it.Valid(); it.Next() {
		iterCount++
		if err := checkContext(ctx, iterCount); err != nil {
			return nil, err
		}

		item := it.Item()
		ts, seq := parseTimeKey(item.Key())
		if !q.Descending && q.End != nil && ts > *q.End {
			break
		}
		if q.Descending && q.Start != nil && ts < *q.Start {
			break
		}

		if q.MessageType != "" {
			recItem, err := txn.Get(recordKey(logID, ts, seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to follow type index: %w", err)
			}
			item = recItem
		}

		var rec storage.Record
		if err := item.Value(func(val []byte) error {
			return decode(val, &rec)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		// LogID also guards against hash collisions between log IDs
		if !q.Matches(rec) || rec.LogID != logID {
			continue
		}

		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// readTable decodes one report table of a log into v. Logs without a
// report leave v untouched.
func (s *Storage) readTable(ctx context.Context, op string, prefix byte, logID string, v any) error {
	return s.view(ctx, op, func(txn *badger.Txn) error {
		if _, ok, err := loadInfo(txn, logID); err != nil {
			return err
		} else if !ok {
			return storage.ErrLogNotFound
		}

		item, err := txn.Get(logPrefix(prefix, logID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decode(val, v)
		})
	})
}

// Phases returns the log's phases
func (s *Storage) Phases(ctx context.Context, logID string) ([]telemetry.FlightPhase, error) {
	var phases []telemetry.FlightPhase
	if err := s.readTable(ctx, "phases", prefixPhases, logID, &phases); err != nil {
		return nil, err
	}
	storage.SortPhases(phases)
	return phases, nil
}

// Statistics returns the log's flight statistics
func (s *Storage) Statistics(ctx context.Context, logID string) ([]telemetry.FlightStatistic, error) {
	var stats []telemetry.FlightStatistic
	if err := s.readTable(ctx, "statistics", prefixStatistics, logID, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Summaries returns the log's per-type summaries
func (s *Storage) Summaries(ctx context.Context, logID string) ([]telemetry.MessageTypeSummary, error) {
	var summaries []telemetry.MessageTypeSummary
	if err := s.readTable(ctx, "summaries", prefixSummaries, logID, &summaries); err != nil {
		return nil, err
	}
	storage.SortSummaries(summaries)
	return summaries, nil
}

func listLogs(ctx context.Context, txn *badger.Txn) ([]storage.LogInfo, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixLog}

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []storage.LogInfo
	iterCount := 0
	for it.Rewind(); it.Valid(); it.Next() {
		iterCount++
		if err := checkContext(ctx, iterCount); err != nil {
			return nil, err
		}
		var info storage.LogInfo
		if err := it.Item().Value(func(val []byte) error {
			return decode(val, &info)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode log info: %w", err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Logs lists stored logs, newest first
func (s *Storage) Logs(ctx context.Context) ([]storage.LogInfo, error) {
	var out []storage.LogInfo
	err := s.view(ctx, "logs", func(txn *badger.Txn) error {
		var err error
		out, err = listLogs(ctx, txn)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LogID < out[j].LogID
	})
	return out, nil
}

// DeleteLog removes every key of a log. Keys are collected in a read
// transaction and deleted through a WriteBatch, which splits large logs
// across as many transactions as needed.
func (s *Storage) DeleteLog(ctx context.Context, logID string) error {
	var keys [][]byte
	err := s.view(ctx, "delete", func(txn *badger.Txn) error {
		_, ok, err := loadInfo(txn, logID)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrLogNotFound
		}

		prefixes := [][]byte{
			logPrefix(prefixRecord, logID),
			logPrefix(prefixTypeIndex, logID),
			logPrefix(prefixPhases, logID),
			logPrefix(prefixStatistics, logID),
			logPrefix(prefixSummaries, logID),
		}
		iterCount := 0
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if err := checkContext(ctx, iterCount); err != nil {
					it.Close()
					return err
				}
				item := it.Item()
				// keys of a colliding log ID must survive
				if !ownsKey(item, logID) {
					continue
				}
				keys = append(keys, item.KeyCopy(nil))
			}
			it.Close()
		}
		keys = append(keys, logKey(logID))
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range keys {
		if err := checkContext(ctx, i+1); err != nil {
			return fmt.Errorf("delete operation cancelled: %w", err)
		}
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete log %s: %w", logID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete log %s: %w", logID, err)
	}
	return nil
}

// ownsKey reports whether a record or type index item belongs to logID.
// Report tables hold a single key per log hash and always match.
func ownsKey(item *badger.Item, logID string) bool {
	switch item.Key()[0] {
	case prefixRecord:
		var rec storage.Record
		err := item.Value(func(val []byte) error {
			return decode(val, &rec)
		})
		return err == nil && rec.LogID == logID
	case prefixTypeIndex:
		var owner string
		err := item.Value(func(val []byte) error {
			owner = string(val)
			return nil
		})
		return err == nil && owner == logID
	}
	return true
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted logs
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when there was nothing to collect
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.view(ctx, "stats", func(txn *badger.Txn) error {
		infos, err := listLogs(ctx, txn)
		if err != nil {
			return err
		}
		stats.TotalLogs = uint64(len(infos))
		for _, info := range infos {
			stats.TotalRecords += uint64(info.Records)
			if stats.OldestLog.IsZero() || info.CreatedAt.Before(stats.OldestLog) {
				stats.OldestLog = info.CreatedAt
			}
			if info.CreatedAt.After(stats.NewestLog) {
				stats.NewestLog = info.CreatedAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}
