package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/flightreduce/pkg/storage"
)

// storageCacheDuration bounds how often usage is recomputed.
const storageCacheDuration = 10 * time.Second

// StorageMonitor tracks storage usage with caching to avoid expensive
// filesystem or database calls on every upload.
type StorageMonitor struct {
	measure       func() (int64, error)
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor measures the on-disk size of dataDir, for the badger
// backend.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		measure:       func() (int64, error) { return calculateDirSize(dataDir) },
		maxBytes:      maxBytes,
		cacheDuration: storageCacheDuration,
	}
}

// NewStoreMonitor measures usage through the store's own statistics, for
// backends without a local data directory.
func NewStoreMonitor(store storage.Store, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		measure: func() (int64, error) {
			stats, err := store.Stats(context.Background())
			if err != nil {
				return 0, err
			}
			return int64(stats.SizeBytes), nil
		},
		maxBytes:      maxBytes,
		cacheDuration: storageCacheDuration,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := sm.measure()
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
