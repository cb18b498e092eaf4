package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nicktill/flightreduce/pkg/observability"
	"github.com/nicktill/flightreduce/pkg/reduce"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// DiscardTimeout bounds the cleanup of a failed write. Cleanup outlives
// the cancelled context that usually caused the failure.
const DiscardTimeout = 30 * time.Second

// Sink receives a reduction's output and discards it when the reduction
// fails. Every storage.Store is a Sink.
type Sink interface {
	storage.PhaseReader
	AppendDecisions(ctx context.Context, logID string, decisions []telemetry.Decision) error
	WriteReport(ctx context.Context, logID string, report *telemetry.Report) error
	DeleteLog(ctx context.Context, logID string) error
}

// Discard deletes whatever a failed write left under logID. A log that
// never reached the store is not an error.
func Discard(ctx context.Context, sink interface {
	DeleteLog(ctx context.Context, logID string) error
}, logID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DiscardTimeout)
	defer cancel()

	if err := sink.DeleteLog(ctx, logID); err != nil && !errors.Is(err, storage.ErrLogNotFound) {
		return fmt.Errorf("failed to discard partial log %s: %w", logID, err)
	}
	return nil
}

// Runner connects a message channel to a pipeline and the pipeline to a
// sink through a bounded queue of decision batches. A slow sink fills the
// queue, which stalls the pipeline, which stops draining the input.
// A Runner holds no per-log state and may run many logs concurrently.
type Runner struct {
	Sink      Sink
	QueueSize int
	BatchSize int
	Metrics   *observability.Metrics

	// OnBoundary, when set, sees every phase opening and closing,
	// including the closings forced at finalize.
	OnBoundary func(logID string, b telemetry.PhaseBoundary)
}

// Result summarizes one finished reduction.
type Result struct {
	LogID     string            `json:"log_id"`
	Processed uint64            `json:"processed"`
	Invalid   int               `json:"invalid"`
	Skipped   int               `json:"skipped_lines"`
	Types     CardinalityStats  `json:"message_types"`
	Duration  time.Duration     `json:"duration_ns"`
	Report    *telemetry.Report `json:"-"`
}

type phaseKey struct {
	track string
	name  string
	start float64
}

// Run reduces every message from in until it is closed, then finalizes
// and writes the report. On cancellation, sink failure or a fatal pipeline
// error the pipeline is aborted, and the batches already written are
// deleted from the sink. logID must not already be stored.
func (r *Runner) Run(ctx context.Context, p *reduce.Pipeline, in <-chan telemetry.Message) (*Result, error) {
	start := time.Now()
	logID := p.LogID()
	done := r.Metrics.JobStarted()
	defer done()

	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	queueSize := r.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan []telemetry.Decision, queueSize)
	sinkDone := make(chan error, 1)
	go func() {
		var err error
		for batch := range batches {
			r.Metrics.SetQueueDepth(len(batches))
			if err != nil {
				continue
			}
			sent := time.Now()
			if e := r.Sink.AppendDecisions(ctx, logID, batch); e != nil {
				err = fmt.Errorf("failed to append decisions: %w", e)
				cancel()
				continue
			}
			r.Metrics.ObserveSinkLatency(time.Since(sent).Seconds())
		}
		sinkDone <- err
	}()

	closed := make(map[phaseKey]bool)
	emit := func(b telemetry.PhaseBoundary) {
		r.Metrics.Boundary(b)
		if b.Kind == telemetry.BoundaryClosed {
			closed[phaseKey{b.Phase.Track, b.Phase.Name, b.Phase.StartTime}] = true
		}
		if r.OnBoundary != nil {
			r.OnBoundary(logID, b)
		}
	}

	var (
		invalid  int
		fatal    error
		batch    = make([]telemetry.Decision, 0, batchSize)
		canceled bool
	)
	flush := func() bool {
		select {
		case batches <- batch:
			batch = make([]telemetry.Decision, 0, batchSize)
			return true
		case <-ctx.Done():
			return false
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			canceled = true
			break loop
		case msg, ok := <-in:
			if !ok {
				break loop
			}
			d, boundaries, err := p.Process(msg)
			if err != nil {
				if errors.Is(err, reduce.ErrInvalidMessage) {
					invalid++
					r.Metrics.InvalidMessage()
					continue
				}
				if errors.Is(err, reduce.ErrOutOfOrder) {
					r.Metrics.OutOfOrder()
				}
				fatal = err
				break loop
			}
			r.Metrics.Decision(d)
			for _, b := range boundaries {
				emit(b)
			}
			batch = append(batch, d)
			if len(batch) >= batchSize && !flush() {
				canceled = true
				break loop
			}
		}
	}

	// input may close right after a cancellation; never finalize then
	if fatal == nil && ctx.Err() != nil {
		canceled = true
	}
	if fatal == nil && !canceled && len(batch) > 0 {
		canceled = !flush()
	}
	close(batches)
	sinkErr := <-sinkDone

	switch {
	case sinkErr != nil:
		fatal = sinkErr
	case fatal == nil && canceled:
		fatal = context.Cause(ctx)
	}
	if fatal != nil {
		p.Abort()
		r.discard(ctx, logID)
		if errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded) {
			r.Metrics.JobFinished("aborted")
		} else {
			r.Metrics.JobFinished("failed")
		}
		return nil, fmt.Errorf("reduction of %s stopped after %d messages: %w", logID, p.Processed(), fatal)
	}

	report, err := p.Finalize()
	if err != nil {
		r.discard(ctx, logID)
		r.Metrics.JobFinished("failed")
		return nil, fmt.Errorf("failed to finalize %s: %w", logID, err)
	}
	for _, d := range report.Backfill {
		r.Metrics.Decision(d)
	}
	for _, ph := range report.Phases {
		if !closed[phaseKey{ph.Track, ph.Name, ph.StartTime}] {
			emit(telemetry.PhaseBoundary{Kind: telemetry.BoundaryClosed, Phase: ph})
		}
	}

	if err := r.Sink.WriteReport(ctx, logID, report); err != nil {
		r.discard(ctx, logID)
		r.Metrics.JobFinished("failed")
		return nil, fmt.Errorf("failed to write report for %s: %w", logID, err)
	}

	r.Metrics.JobFinished("ok")
	return &Result{
		LogID:     logID,
		Processed: p.Processed(),
		Invalid:   invalid,
		Duration:  time.Since(start),
		Report:    report,
	}, nil
}

func (r *Runner) discard(ctx context.Context, logID string) {
	if err := Discard(ctx, r.Sink, logID); err != nil {
		log.Printf("%v", err)
	}
}

// RunDecoder reduces everything dec yields. A read error aborts the
// reduction instead of finalizing a truncated log.
func (r *Runner) RunDecoder(ctx context.Context, p *reduce.Pipeline, dec *Decoder) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	msgs := make(chan telemetry.Message, 256)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := dec.Stream(ctx, msgs); err != nil && ctx.Err() == nil {
			cancel(err)
		}
		close(msgs)
	}()

	res, err := r.Run(ctx, p, msgs)
	cancel(nil)
	<-streamDone

	r.Metrics.SkippedLines(dec.Skipped())
	if err != nil {
		return nil, err
	}
	res.Skipped = dec.Skipped()
	res.Types = dec.Types()
	return res, nil
}
