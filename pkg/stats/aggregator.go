package stats

import (
	"sort"
	"strings"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Summary keys written for every phase besides the per-series reducers.
const (
	KeyDistance = "distance_m"
	KeyDuration = "duration_s"
	KeyMessages = "messages"
)

// phaseAcc holds the reducers of one open phase.
type phaseAcc struct {
	start    float64
	messages uint64
	series   []Reducer
	distance []float64
	fixes    []int
}

// Aggregator maintains flight-wide and per-phase statistics. Every message
// is observed whether or not it is retained, so thinning the stream never
// changes the numbers. It implements phase.Hooks.
type Aggregator struct {
	cfg Config

	seriesByType   map[string][]int
	positionByType map[string][]int
	invalid        []map[float64]struct{}

	flight    []Reducer
	odometers []odometer
	phases    map[string]*phaseAcc

	seen        bool
	first, last float64
	messages    uint64
}

// New creates an aggregator. cfg should already be validated.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:            cfg,
		seriesByType:   make(map[string][]int),
		positionByType: make(map[string][]int),
		invalid:        make([]map[float64]struct{}, len(cfg.Series)),
		flight:         make([]Reducer, len(cfg.Series)),
		odometers:      make([]odometer, len(cfg.Positions)),
		phases:         make(map[string]*phaseAcc),
	}
	for i, s := range cfg.Series {
		a.seriesByType[s.MessageType] = append(a.seriesByType[s.MessageType], i)
		if len(s.Invalid) > 0 {
			a.invalid[i] = make(map[float64]struct{}, len(s.Invalid))
			for _, v := range s.Invalid {
				a.invalid[i][v] = struct{}{}
			}
		}
	}
	for i, p := range cfg.Positions {
		a.positionByType[p.MessageType] = append(a.positionByType[p.MessageType], i)
	}
	return a
}

// Observe folds one message into the flight-wide reducers and into every
// open phase. Missing or non-numeric fields are skipped.
func (a *Aggregator) Observe(msg telemetry.Message) {
	if !a.seen {
		a.seen = true
		a.first = msg.Timestamp
	}
	a.last = msg.Timestamp
	a.messages++
	for _, acc := range a.phases {
		acc.messages++
	}

	for _, i := range a.seriesByType[msg.Type] {
		s := a.cfg.Series[i]
		raw, ok := msg.Number(s.Field)
		if !ok {
			continue
		}
		if _, bad := a.invalid[i][raw]; bad {
			continue
		}
		v := raw * scaleOf(s.Scale)
		a.flight[i].Observe(v)
		for _, acc := range a.phases {
			acc.series[i].Observe(v)
		}
	}

	for _, i := range a.positionByType[msg.Type] {
		p := a.cfg.Positions[i]
		lat, okLat := msg.Number(p.LatField)
		lon, okLon := msg.Number(p.LonField)
		if !okLat || !okLon {
			continue
		}
		scale := scaleOf(p.Scale)
		lat, lon = lat*scale, lon*scale
		if !validFix(lat, lon) {
			continue
		}
		seg := a.odometers[i].advance(lat, lon)
		for _, acc := range a.phases {
			acc.distance[i] += seg
			acc.fixes[i]++
		}
	}
}

// PhaseOpened starts per-phase reducers.
func (a *Aggregator) PhaseOpened(id string, start float64) {
	a.phases[id] = &phaseAcc{
		start:    start,
		series:   make([]Reducer, len(a.cfg.Series)),
		distance: make([]float64, len(a.cfg.Positions)),
		fixes:    make([]int, len(a.cfg.Positions)),
	}
}

// PhaseClosed snapshots and discards the phase's reducers.
func (a *Aggregator) PhaseClosed(id string, end float64) map[string]float64 {
	acc, ok := a.phases[id]
	if !ok {
		return nil
	}
	delete(a.phases, id)

	out := map[string]float64{
		KeyDuration: end - acc.start,
		KeyMessages: float64(acc.messages),
	}
	for i := range acc.series {
		acc.series[i].Snapshot(a.cfg.Series[i].Key(), out)
	}
	for i := range acc.distance {
		if acc.fixes[i] > 0 {
			out[KeyDistance] = acc.distance[i]
			break
		}
	}
	return out
}

// OpenPhases is the number of phases currently accumulating.
func (a *Aggregator) OpenPhases() int {
	return len(a.phases)
}

// Series returns the flight-wide reducer for a series key.
func (a *Aggregator) Series(key string) (Reducer, bool) {
	for i, s := range a.cfg.Series {
		if s.Key() == key {
			return a.flight[i], a.flight[i].Count > 0
		}
	}
	return Reducer{}, false
}

// TypeStatistics returns "<field>.<stat>" values for the series of one
// message type.
func (a *Aggregator) TypeStatistics(msgType string) map[string]float64 {
	idx := a.seriesByType[msgType]
	if len(idx) == 0 {
		return nil
	}
	out := make(map[string]float64)
	for _, i := range idx {
		a.flight[i].Snapshot(a.cfg.Series[i].Field, out)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Duration is last minus first timestamp observed.
func (a *Aggregator) Duration() float64 {
	if !a.seen {
		return 0
	}
	return a.last - a.first
}

// Distance returns the odometer total from the first position source that
// saw a fix.
func (a *Aggregator) Distance() (float64, bool) {
	for i := range a.odometers {
		if a.odometers[i].fixes > 0 {
			return a.odometers[i].total, true
		}
	}
	return 0, false
}

// FlightStatistics evaluates duration, distance and every configured rule.
// Statistics without data are omitted.
func (a *Aggregator) FlightStatistics() []telemetry.FlightStatistic {
	if !a.seen {
		return nil
	}

	out := []telemetry.FlightStatistic{
		{StatisticType: "flight_duration", Value: a.Duration(), Unit: "seconds"},
	}
	if d, ok := a.Distance(); ok {
		out = append(out, telemetry.FlightStatistic{StatisticType: "total_distance", Value: d, Unit: "meters"})
	}

	for _, rule := range a.cfg.Rules {
		r, ok := a.firstWithData(rule.Series)
		if !ok {
			continue
		}
		var v float64
		switch rule.Reduce {
		case ReduceMax:
			v = r.Max
		case ReduceMin:
			v = r.Min
		default:
			v = r.Average()
		}
		out = append(out, telemetry.FlightStatistic{StatisticType: rule.Name, Value: v, Unit: rule.Unit})
	}
	return out
}

func (a *Aggregator) firstWithData(keys []string) (Reducer, bool) {
	for _, key := range keys {
		if r, ok := a.Series(key); ok {
			return r, true
		}
	}
	return Reducer{}, false
}

// SummaryKeys returns the sorted keys of a summary map. Handy for stable
// output in exports.
func SummaryKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.Compare(keys[i], keys[j]) < 0
	})
	return keys
}

func scaleOf(s float64) float64 {
	if s == 0 {
		return 1
	}
	return s
}
