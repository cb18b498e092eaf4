package sampler

import (
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// DefaultExpectedDuration is the flight length assumed before enough of the
// stream has been seen to know better. 30 minutes covers a typical
// multirotor battery.
const DefaultExpectedDuration = 1800.0

// Config configures the sampler for one message type.
type Config struct {
	// Target is the number of samples to keep over the whole flight.
	Target int
	// KeyFields restricts retained samples to these fields. Empty keeps all.
	KeyFields []string
	// Strategy is recorded on retained decisions (sampled or full).
	Strategy telemetry.Strategy
	// ExpectedDuration seeds the flight-length estimate, in seconds.
	ExpectedDuration float64
}

// Sampler thins one message type to roughly Target samples spread evenly
// in time. The retention interval is estimate/Target where estimate is
// max(ExpectedDuration, elapsed), recomputed on every retention. Dropped
// candidates go to a bounded reservoir so short flights can be topped up
// at the end of the stream.
//
// When the flight runs longer than ExpectedDuration the growing interval
// lets the count drift above Target by roughly Target*ln(actual/expected).
type Sampler struct {
	cfg Config

	interval float64
	lastKept float64

	total  int
	stored int

	held *reservoir
}

// New creates a sampler. Target values below 1 are raised to 1.
func New(cfg Config) *Sampler {
	if cfg.Target < 1 {
		cfg.Target = 1
	}
	if cfg.ExpectedDuration <= 0 {
		cfg.ExpectedDuration = DefaultExpectedDuration
	}
	if cfg.Strategy == "" {
		cfg.Strategy = telemetry.StrategySampled
	}
	return &Sampler{
		cfg:  cfg,
		held: newReservoir(2 * cfg.Target),
	}
}

// Offer decides whether the message at ts is kept. elapsed is the time
// since the first message of the flight. It returns the decision and the
// message's ordinal within its type.
func (s *Sampler) Offer(ts, elapsed float64) (bool, int) {
	index := s.total
	s.total++

	if s.stored > 0 && ts-s.lastKept < s.interval {
		return false, index
	}

	s.stored++
	s.lastKept = ts

	estimate := s.cfg.ExpectedDuration
	if elapsed > estimate {
		estimate = elapsed
	}
	s.interval = estimate / float64(s.cfg.Target)
	return true, index
}

// Project restricts a retained message to the configured key fields.
func (s *Sampler) Project(msg telemetry.Message) telemetry.Message {
	return msg.Project(s.cfg.KeyFields)
}

// Strategy is the strategy recorded on retained decisions.
func (s *Sampler) Strategy() telemetry.Strategy {
	return s.cfg.Strategy
}

// Hold keeps a dropped decision as a backfill candidate.
func (s *Sampler) Hold(d telemetry.Decision) {
	s.held.add(d)
}

// Backfill releases held candidates when fewer than Target samples were
// kept. Candidates are picked evenly across the reservoir and returned as
// new retained decisions in stream order. Call once at end of stream.
func (s *Sampler) Backfill() []telemetry.Decision {
	deficit := s.cfg.Target - s.stored
	if deficit <= 0 {
		return nil
	}

	picked := s.held.spread(deficit)
	out := make([]telemetry.Decision, 0, len(picked))
	for _, d := range picked {
		d.Strategy = s.cfg.Strategy
		d.Backfilled = true
		out = append(out, d)
	}
	s.stored += len(out)
	s.held = newReservoir(0)
	return out
}

// Total is the number of messages offered.
func (s *Sampler) Total() int { return s.total }

// Stored is the number of messages retained, including backfill.
func (s *Sampler) Stored() int { return s.stored }

// Target is the configured sample budget.
func (s *Sampler) Target() int { return s.cfg.Target }

// Interval is the current retention interval in seconds.
func (s *Sampler) Interval() float64 { return s.interval }
