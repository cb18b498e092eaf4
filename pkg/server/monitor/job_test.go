package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestJobMonitor_RecordSuccess(t *testing.T) {
	jm := &JobMonitor{}
	jm.RecordFailure(errors.New("out of order"))
	jm.RecordSuccess()

	status := jm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.Succeeded != 1 || status.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 1/1", status.Succeeded, status.Failed)
	}
}

func TestJobMonitor_RecordFailure(t *testing.T) {
	jm := &JobMonitor{}
	jm.RecordFailure(errors.New("disk full"))

	status := jm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name       string
		staleAfter time.Duration
		setup      func(*JobMonitor)
		expected   bool
	}{
		{
			name:     "never run",
			setup:    func(*JobMonitor) {},
			expected: true,
		},
		{
			name:       "never run with staleness check",
			staleAfter: time.Hour,
			setup:      func(*JobMonitor) {},
			expected:   true,
		},
		{
			name:       "attempted but never succeeded",
			staleAfter: time.Hour,
			setup: func(jm *JobMonitor) {
				jm.RecordFailure(errors.New("locked"))
			},
			expected: false,
		},
		{
			name:       "recent success",
			staleAfter: time.Hour,
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess()
			},
			expected: true,
		},
		{
			name:       "stale success",
			staleAfter: time.Hour,
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess()
				jm.mu.Lock()
				jm.lastSuccess = time.Now().Add(-2 * time.Hour)
				jm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "old success without staleness check",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess()
				jm.mu.Lock()
				jm.lastSuccess = time.Now().Add(-48 * time.Hour)
				jm.mu.Unlock()
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess()
				jm.RecordFailure(errors.New("error 1"))
				jm.RecordFailure(errors.New("error 2"))
				jm.RecordFailure(errors.New("error 3"))
				jm.RecordFailure(errors.New("error 4"))
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := &JobMonitor{StaleAfter: tt.staleAfter}
			tt.setup(jm)
			if got := jm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestJobMonitor_Status(t *testing.T) {
	jm := &JobMonitor{}
	jm.RecordSuccess()

	status := jm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy")
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}
}
