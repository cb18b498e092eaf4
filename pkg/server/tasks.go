package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/observability"
	"github.com/nicktill/flightreduce/pkg/server/monitor"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/storage/badger"
)

const statusBroadcastInterval = 5 * time.Second

// PruneExpired deletes every log created before now minus retention and
// returns how many were removed. Logs deleted concurrently are skipped.
func PruneExpired(ctx context.Context, store storage.Store, retention time.Duration, now time.Time) (int, error) {
	logs, err := store.Logs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list logs: %w", err)
	}

	cutoff := now.Add(-retention)
	deleted := 0
	for _, info := range logs {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := store.DeleteLog(ctx, info.LogID); err != nil {
			if errors.Is(err, storage.ErrLogNotFound) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete log %s: %w", info.LogID, err)
		}
		deleted++
	}
	return deleted, nil
}

// RunRetention deletes expired logs periodically. A zero retention keeps
// logs forever.
func RunRetention(store storage.Store, retention time.Duration, jobs *monitor.JobMonitor, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	if retention <= 0 {
		log.Println("Retention disabled, keeping logs forever")
		return
	}

	ticker := time.NewTicker(config.RetentionInterval)
	defer ticker.Stop()

	// Helper function to run retention with retry and exponential backoff
	runWithRetry := func(ctx context.Context) {
		maxRetries := 3
		baseDelay := 30 * time.Second

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
				log.Printf("Retrying retention in %v (attempt %d/%d)...", delay, attempt+1, maxRetries+1)
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			start := time.Now()
			deleted, err := PruneExpired(ctx, store, retention, start)
			if err == nil {
				jobs.RecordSuccess()
				log.Printf("Retention completed in %v (%d logs older than %v deleted)",
					time.Since(start).Round(time.Millisecond), deleted, retention)
				return
			}

			jobs.RecordFailure(err)
			log.Printf("Retention failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)

			if status := jobs.Status(); status.ConsecutiveErrors > 3 {
				log.Printf("ALERT: Retention has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
			}
		}

		log.Printf("Retention failed after %d attempts, will retry on next schedule", maxRetries+1)
	}

	go runWithRetry(context.Background())

	for {
		select {
		case <-ticker.C:
			runWithRetry(context.Background())
		case <-stop:
			log.Println("Stopping retention scheduler")
			return
		}
	}
}

// BroadcastStatus periodically sends storage statistics to WebSocket
// clients and refreshes the storage size gauge.
// Uses exponential backoff on errors to prevent log spam during outages.
func BroadcastStatus(ctx context.Context, store storage.Store, hub *LiveHub, metrics *observability.Metrics) {
	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, config.StatsTimeout)
			stats, err := store.Stats(statsCtx)
			cancel()
			if err != nil {
				consecutiveErrors++
				now := time.Now()

				// 1s, 2s, 4s ... capped at 5m
				backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}

				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					log.Printf("Failed to read storage stats (error #%d, backoff %v): %v",
						consecutiveErrors, backoff, err)
					lastErrorTime = now
				}
				continue
			}

			if consecutiveErrors > 0 {
				log.Printf("Status broadcast recovered after %d errors", consecutiveErrors)
				consecutiveErrors = 0
			}

			metrics.SetStorageBytes(stats.SizeBytes)

			if !hub.HasClients() {
				continue
			}
			if err := hub.Broadcast(LiveEvent{Type: "status", Stats: stats}); err != nil {
				log.Printf("Failed to broadcast status: %v", err)
			}
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// Deleted logs stay in the value log until GC rewrites it.
func RunBadgerGC(store storage.Store, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Println("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// rewrite a value log file once half of it is garbage
			if err := badgerStore.RunGC(0.5); err != nil {
				log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
