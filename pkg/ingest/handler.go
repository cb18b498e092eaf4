package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/httpx"
	"github.com/nicktill/flightreduce/pkg/reduce"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// MaxLogIDLength bounds client-chosen log IDs.
const MaxLogIDLength = 128

// StorageChecker reports disk usage against the configured limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// JobRecorder tracks reduction job outcomes for health checks.
type JobRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Handler accepts NDJSON flight logs and reduces them synchronously.
type Handler struct {
	runner  *Runner
	config  reduce.Config
	jobs    chan struct{}
	maxBody int64
	timeout time.Duration

	storageChecker StorageChecker
	recorder       JobRecorder

	// log IDs with a reduction in flight
	mu     sync.Mutex
	active map[string]struct{}
}

// NewHandler creates an upload handler running at most maxJobs
// reductions at once.
func NewHandler(runner *Runner, cfg reduce.Config, maxJobs int, maxBody int64) *Handler {
	if maxJobs <= 0 {
		maxJobs = config.MaxConcurrentJobs
	}
	if maxBody <= 0 {
		maxBody = config.MaxUploadBytes
	}
	return &Handler{
		runner:  runner,
		config:  cfg,
		jobs:    make(chan struct{}, maxJobs),
		maxBody: maxBody,
		timeout: config.UploadTimeout,
		active:  make(map[string]struct{}),
	}
}

// reserve claims logID for one upload. It fails while another upload of
// the same ID runs.
func (h *Handler) reserve(logID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.active[logID]; busy {
		return false
	}
	h.active[logID] = struct{}{}
	return true
}

func (h *Handler) release(logID string) {
	h.mu.Lock()
	delete(h.active, logID)
	h.mu.Unlock()
}

// SetStorageChecker makes uploads fail once the storage limit is reached.
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.storageChecker = checker
}

// SetJobRecorder reports every finished job to rec.
func (h *Handler) SetJobRecorder(rec JobRecorder) {
	h.recorder = rec
}

// UploadResponse is returned after a successful reduction.
type UploadResponse struct {
	Status       string                      `json:"status"`
	LogID        string                      `json:"log_id"`
	Processed    uint64                      `json:"processed"`
	Invalid      int                         `json:"invalid"`
	SkippedLines int                         `json:"skipped_lines"`
	MessageTypes CardinalityStats            `json:"message_types"`
	Totals       telemetry.Totals            `json:"totals"`
	Phases       int                         `json:"phases"`
	Statistics   []telemetry.FlightStatistic `json:"statistics"`
	DurationMS   int64                       `json:"duration_ms"`
}

// HandleUpload handles POST /v1/logs and POST /v1/logs/{log_id}.
// The body is NDJSON; ?expected_duration=<seconds> seeds the samplers.
// Uploading onto a stored log ID is rejected with 409 Conflict.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	logID := mux.Vars(r)["log_id"]
	if logID == "" {
		logID = uuid.NewString()
	}
	if len(logID) > MaxLogIDLength {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("log id too long (max %d chars)", MaxLogIDLength))
		return
	}

	if h.storageChecker != nil {
		usage, err := h.storageChecker.GetUsage()
		if err != nil {
			log.Printf("Failed to check storage usage: %v", err)
		} else if limit := h.storageChecker.GetLimit(); limit > 0 && usage >= limit {
			httpx.RespondErrorString(w, http.StatusInsufficientStorage,
				fmt.Sprintf("storage limit reached (%d of %d bytes)", usage, limit))
			return
		}
	}

	cfg := h.config
	if v := r.URL.Query().Get("expected_duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil || d < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "expected_duration must be a non-negative number of seconds")
			return
		}
		cfg.ExpectedDuration = d
	}

	select {
	case h.jobs <- struct{}{}:
		defer func() { <-h.jobs }()
	default:
		httpx.RespondErrorString(w, http.StatusTooManyRequests, "too many concurrent reductions")
		return
	}

	if !h.reserve(logID) {
		httpx.RespondError(w, http.StatusConflict, fmt.Errorf("%w: %s is being uploaded", storage.ErrLogExists, logID))
		return
	}
	defer h.release(logID)

	exists, err := storage.LogExists(r.Context(), h.runner.Sink, logID)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	if exists {
		httpx.RespondError(w, http.StatusConflict, fmt.Errorf("%w: %s", storage.ErrLogExists, logID))
		return
	}

	p, err := reduce.New(logID, cfg)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	res, err := h.runner.RunDecoder(ctx, p, NewDecoder(body))
	if err != nil {
		if h.recorder != nil {
			h.recorder.RecordFailure(err)
		}
		log.Printf("Reduction of %s failed: %v", logID, err)
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	if h.recorder != nil {
		h.recorder.RecordSuccess()
	}

	log.Printf("Reduced %s: %d messages in %v (%d invalid, %d lines skipped)",
		logID, res.Processed, res.Duration.Round(time.Millisecond), res.Invalid, res.Skipped)

	httpx.RespondJSON(w, http.StatusCreated, UploadResponse{
		Status:       "success",
		LogID:        logID,
		Processed:    res.Processed,
		Invalid:      res.Invalid,
		SkippedLines: res.Skipped,
		MessageTypes: res.Types,
		Totals:       res.Report.Totals(),
		Phases:       len(res.Report.Phases),
		Statistics:   res.Report.Statistics,
		DurationMS:   res.Duration.Milliseconds(),
	})
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, reduce.ErrOutOfOrder), errors.Is(err, ErrLineTooLong):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
