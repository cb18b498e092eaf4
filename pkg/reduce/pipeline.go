// Package reduce is the telemetry reduction engine. A Pipeline consumes one
// flight log's time-ordered messages and decides, per message, whether and
// how it is retained, while segmenting the flight into phases and keeping
// statistics over the full stream.
package reduce

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nicktill/flightreduce/pkg/classify"
	"github.com/nicktill/flightreduce/pkg/phase"
	"github.com/nicktill/flightreduce/pkg/sampler"
	"github.com/nicktill/flightreduce/pkg/stats"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

var (
	// ErrOutOfOrder is returned when a timestamp goes backwards. It is fatal:
	// the pipeline refuses further input.
	ErrOutOfOrder = errors.New("message timestamp out of order")

	// ErrInvalidMessage is returned for messages with an empty type or a
	// non-finite timestamp. It is local to the message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrFinalized is returned by Process or Finalize after Finalize.
	ErrFinalized = errors.New("pipeline already finalized")

	// ErrAborted is returned by every call after Abort.
	ErrAborted = errors.New("pipeline aborted")
)

type lifecycle int

const (
	running lifecycle = iota
	failed
	finalized
	aborted
)

// typeState tracks the per-type summary while the stream is running.
type typeState struct {
	category classify.Category
	total    int
	stored   int
	first    float64
	last     float64
	sampler  *sampler.Sampler
}

// Pipeline reduces one flight log. It is single-threaded by contract:
// message order drives phase transitions, so callers must not share a
// Pipeline between goroutines. Independent logs use independent pipelines.
type Pipeline struct {
	logID            string
	expectedDuration float64

	classifier *classify.Classifier
	detector   *phase.Detector
	agg        *stats.Aggregator

	types map[string]*typeState
	seq   uint64

	started     bool
	first, last float64

	state lifecycle
	err   error
}

// New creates a pipeline for logID.
func New(logID string, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classifier, err := classify.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}

	agg := stats.New(cfg.Stats)
	return &Pipeline{
		logID:            logID,
		expectedDuration: cfg.ExpectedDuration,
		classifier:       classifier,
		detector:         phase.NewDetector(cfg.Phase, agg),
		agg:              agg,
		types:            make(map[string]*typeState),
	}, nil
}

// LogID returns the log this pipeline reduces.
func (p *Pipeline) LogID() string { return p.logID }

// Process handles one message and returns its retention decision together
// with any phase boundaries the message caused.
//
// Order per message: classify, phase detection, statistics (always, even
// for messages that end up dropped), sampling for non-critical types, then
// tagging with every open phase.
func (p *Pipeline) Process(msg telemetry.Message) (telemetry.Decision, []telemetry.PhaseBoundary, error) {
	if err := p.usable(); err != nil {
		return telemetry.Decision{}, nil, err
	}
	if msg.Type == "" {
		return telemetry.Decision{}, nil, fmt.Errorf("%w: empty message type at t=%v", ErrInvalidMessage, msg.Timestamp)
	}
	if math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0) {
		return telemetry.Decision{}, nil, fmt.Errorf("%w: %s has non-finite timestamp", ErrInvalidMessage, msg.Type)
	}
	if p.started && msg.Timestamp < p.last {
		p.state = failed
		p.err = fmt.Errorf("%w: %s at t=%v after t=%v", ErrOutOfOrder, msg.Type, msg.Timestamp, p.last)
		return telemetry.Decision{}, nil, p.err
	}

	if !p.started {
		p.started = true
		p.first = msg.Timestamp
	}
	p.last = msg.Timestamp

	ts := p.typeFor(msg.Type)
	ts.total++
	if ts.total == 1 {
		ts.first = msg.Timestamp
	}
	ts.last = msg.Timestamp

	boundaries := p.detector.Observe(msg)
	p.agg.Observe(msg)

	d := telemetry.Decision{Sequence: p.seq, Message: msg}
	p.seq++

	if ts.category == classify.Critical {
		d.Strategy = telemetry.StrategyCritical
		ts.stored++
	} else {
		kept, index := ts.sampler.Offer(msg.Timestamp, msg.Timestamp-p.first)
		d.SamplingIndex = &index
		if kept {
			d.Strategy = ts.sampler.Strategy()
			d.Message = ts.sampler.Project(msg)
			ts.stored++
		} else {
			d.Strategy = telemetry.StrategyDropped
		}
	}
	d.PhaseTags = p.detector.OpenTags()

	if d.Strategy == telemetry.StrategyDropped {
		held := d
		held.Message = ts.sampler.Project(msg)
		ts.sampler.Hold(held)
	}

	return d, boundaries, nil
}

// Finalize force-closes open phases, releases backfill for under-sampled
// types and returns the report. It must be called exactly once.
func (p *Pipeline) Finalize() (*telemetry.Report, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	p.state = finalized

	if p.started {
		p.detector.Close(p.last)
	}

	report := &telemetry.Report{LogID: p.logID}

	names := make([]string, 0, len(p.types))
	for name := range p.types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ts := p.types[name]
		if ts.sampler == nil {
			continue
		}
		backfill := ts.sampler.Backfill()
		ts.stored += len(backfill)
		report.Backfill = append(report.Backfill, backfill...)
	}
	sort.Slice(report.Backfill, func(i, j int) bool {
		return report.Backfill[i].Sequence < report.Backfill[j].Sequence
	})

	for _, name := range names {
		ts := p.types[name]
		summary := telemetry.MessageTypeSummary{
			MessageType:   name,
			Category:      string(ts.category),
			TotalCount:    ts.total,
			StoredCount:   ts.stored,
			TimeRange:     telemetry.TimeRange{Start: ts.first, End: ts.last},
			KeyStatistics: p.agg.TypeStatistics(name),
		}
		if ts.total > 0 {
			summary.SampleRate = float64(ts.stored) / float64(ts.total)
		}
		report.Summaries = append(report.Summaries, summary)
	}
	sort.SliceStable(report.Summaries, func(i, j int) bool {
		a, b := report.Summaries[i], report.Summaries[j]
		if a.TotalCount != b.TotalCount {
			return a.TotalCount > b.TotalCount
		}
		return a.MessageType < b.MessageType
	})

	report.Statistics = p.agg.FlightStatistics()
	report.Phases = p.detector.Phases()
	return report, nil
}

// Abort discards all state. Later calls return ErrAborted. Aborting twice,
// or after Finalize, is harmless.
func (p *Pipeline) Abort() {
	p.state = aborted
	p.types = nil
	p.detector = nil
	p.agg = nil
}

// Err returns the fatal error that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	if p.state == failed {
		return p.err
	}
	return nil
}

// OpenPhases returns the names of the currently open phases.
func (p *Pipeline) OpenPhases() []string {
	if p.detector == nil {
		return nil
	}
	return p.detector.OpenTags()
}

// Processed is the number of messages accepted so far.
func (p *Pipeline) Processed() uint64 { return p.seq }

func (p *Pipeline) usable() error {
	switch p.state {
	case failed:
		return p.err
	case finalized:
		return ErrFinalized
	case aborted:
		return ErrAborted
	}
	return nil
}

func (p *Pipeline) typeFor(name string) *typeState {
	if ts, ok := p.types[name]; ok {
		return ts
	}

	rule := p.classifier.Rule(name)
	ts := &typeState{category: rule.Category}
	switch rule.Category {
	case classify.Sampled:
		ts.sampler = sampler.New(sampler.Config{
			Target:           rule.TargetRate,
			KeyFields:        rule.KeyFields,
			Strategy:         telemetry.StrategySampled,
			ExpectedDuration: p.expectedDuration,
		})
	case classify.Default:
		ts.sampler = sampler.New(sampler.Config{
			Target:           rule.TargetRate,
			Strategy:         telemetry.StrategyFull,
			ExpectedDuration: p.expectedDuration,
		})
	}
	p.types[name] = ts
	return ts
}
