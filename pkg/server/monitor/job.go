package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is the failure streak after which a job is unhealthy.
const maxConsecutiveErrors = 3

// JobMonitor tracks the outcome of repeated jobs: log reductions and the
// retention sweep.
type JobMonitor struct {
	// StaleAfter marks the job unhealthy when its last success is older.
	// Zero disables the check, for jobs that only run on demand.
	StaleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	succeeded         uint64
	failed            uint64
	consecutiveErrors int
	lastError         string
}

// RecordSuccess records a finished job.
func (jm *JobMonitor) RecordSuccess() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	now := time.Now()
	jm.lastSuccess = now
	jm.lastAttempt = now
	jm.succeeded++
	jm.consecutiveErrors = 0
	jm.lastError = ""
}

// RecordFailure records a failed job.
func (jm *JobMonitor) RecordFailure(err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastAttempt = time.Now()
	jm.failed++
	jm.consecutiveErrors++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - More than 3 consecutive failures
//   - Attempted but never succeeded, when StaleAfter is set
//   - No success within StaleAfter
//
// A job that has never run is healthy.
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthy()
}

func (jm *JobMonitor) healthy() bool {
	if jm.consecutiveErrors > maxConsecutiveErrors {
		return false
	}
	if jm.StaleAfter <= 0 || jm.lastAttempt.IsZero() {
		return true
	}
	if jm.lastSuccess.IsZero() {
		return false
	}
	return time.Since(jm.lastSuccess) <= jm.StaleAfter
}

// JobStatus is the health check view of a JobMonitor.
type JobStatus struct {
	Healthy           bool   `json:"healthy"`
	Succeeded         uint64 `json:"succeeded"`
	Failed            uint64 `json:"failed"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Healthy:   jm.healthy(),
		Succeeded: jm.succeeded,
		Failed:    jm.failed,
	}

	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(jm.lastSuccess).Round(time.Second).String()
	}

	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
	}

	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}

	return status
}
