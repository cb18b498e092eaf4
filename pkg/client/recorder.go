package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// RecorderConfig tunes a live upload.
type RecorderConfig struct {
	MaxBatchSize     int
	FlushEvery       time.Duration
	ExpectedDuration float64
}

// Recorder uploads a flight while it is still being flown. Messages are
// batched locally and written to a single streaming upload; the server
// reduces them as they arrive and reports once the recorder is closed.
type Recorder struct {
	client *Client
	logID  string
	config RecorderConfig

	messages []telemetry.Message
	mu       sync.Mutex

	// writeMu orders batches on the wire
	writeMu sync.Mutex
	pw      *io.PipeWriter
	bw      *bufio.Writer
	enc     *json.Encoder
	werr    error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	result chan uploadResult

	flushing atomic.Bool
	started  bool
	closed   atomic.Bool
}

type uploadResult struct {
	resp *ingest.UploadResponse
	err  error
}

// NewRecorder prepares a live upload of logID. Nothing is sent before Start.
func (c *Client) NewRecorder(logID string, cfg RecorderConfig) *Recorder {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	return &Recorder{
		client:   c,
		logID:    logID,
		config:   cfg,
		messages: make([]telemetry.Message, 0, cfg.MaxBatchSize),
		done:     make(chan struct{}),
		result:   make(chan uploadResult, 1),
	}
}

// Start opens the upload and begins periodic flushing.
func (r *Recorder) Start(ctx context.Context) error {
	if r.started {
		return fmt.Errorf("recorder already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	pr, pw := io.Pipe()
	r.pw = pw
	r.bw = bufio.NewWriter(pw)
	r.enc = json.NewEncoder(r.bw)

	go func() {
		resp, err := r.client.Upload(r.ctx, r.logID, pr, r.config.ExpectedDuration)
		// unblock writers if the server gave up early
		pr.CloseWithError(fmt.Errorf("upload finished: %w", err))
		r.result <- uploadResult{resp: resp, err: err}
	}()
	go r.flushLoop()
	return nil
}

// Add queues a message. Timestamps must not go backwards; the server
// rejects the whole flight otherwise.
func (r *Recorder) Add(msg telemetry.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	shouldFlush := len(r.messages) >= r.config.MaxBatchSize
	r.mu.Unlock()

	// at most one background flush at a time
	if shouldFlush && r.flushing.CompareAndSwap(false, true) {
		go func() {
			r.Flush()
			r.flushing.Store(false)
		}()
	}
}

// Flush writes all queued messages to the upload stream.
func (r *Recorder) Flush() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	batch := r.messages
	r.messages = make([]telemetry.Message, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	if r.werr != nil {
		return r.werr
	}
	if len(batch) == 0 {
		return nil
	}
	for _, msg := range batch {
		if err := r.enc.Encode(msg); err != nil {
			r.werr = fmt.Errorf("failed to stream message: %w", err)
			return r.werr
		}
	}
	if err := r.bw.Flush(); err != nil {
		r.werr = fmt.Errorf("failed to stream batch: %w", err)
	}
	return r.werr
}

// Close flushes what is left, ends the upload and waits for the server's
// reduction result.
func (r *Recorder) Close() (*ingest.UploadResponse, error) {
	if !r.started {
		return nil, fmt.Errorf("recorder not started")
	}
	if !r.closed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("recorder already closed")
	}

	// stop the loop without cancelling the upload itself
	close(r.done)
	flushErr := r.Flush()

	r.writeMu.Lock()
	r.pw.Close()
	r.writeMu.Unlock()

	res := <-r.result
	r.cancel()
	if res.err != nil {
		return nil, res.err
	}
	if flushErr != nil {
		return nil, flushErr
	}
	return res.resp, nil
}

func (r *Recorder) flushLoop() {
	ticker := time.NewTicker(r.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.flushing.CompareAndSwap(false, true) {
				r.Flush()
				r.flushing.Store(false)
			}
		}
	}
}
