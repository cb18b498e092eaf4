package phase

import (
	"fmt"
	"sort"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Hooks lets another component keep per-phase state. PhaseClosed returns
// the summary statistics attached to the closed phase.
type Hooks interface {
	PhaseOpened(id string, start float64)
	PhaseClosed(id string, end float64) map[string]float64
}

// state is the per-track state machine: either no phase is open, or
// exactly one is.
type state interface {
	isState()
}

type closedState struct{}

type openState struct {
	id    string
	phase telemetry.FlightPhase
}

func (closedState) isState() {}
func (*openState) isState()  {}

type trackState struct {
	track Track
	state state
}

// Detector segments a flight into phases on independent tracks. Within a
// track phases are contiguous and never overlap; across tracks they may.
// It is not safe for concurrent use.
type Detector struct {
	tracks    []*trackState
	keyEvents map[string]struct{}
	hooks     Hooks

	closed []telemetry.FlightPhase
	nextID int
}

// NewDetector builds a detector with the tracks enabled in cfg.
func NewDetector(cfg Config, hooks Hooks) *Detector {
	return NewDetectorWithTracks(BuildTracks(cfg), cfg.KeyEventTypes, hooks)
}

// NewDetectorWithTracks builds a detector from explicit tracks.
func NewDetectorWithTracks(tracks []Track, keyEventTypes []string, hooks Hooks) *Detector {
	d := &Detector{
		keyEvents: make(map[string]struct{}, len(keyEventTypes)),
		hooks:     hooks,
	}
	for _, t := range tracks {
		d.tracks = append(d.tracks, &trackState{track: t, state: closedState{}})
	}
	for _, name := range keyEventTypes {
		d.keyEvents[name] = struct{}{}
	}
	return d
}

// Observe feeds one message through every track and returns the phase
// boundaries it caused, closings before openings. Key events are attached
// after transitions, so an event lands in the phase open once its own
// message has been applied.
func (d *Detector) Observe(msg telemetry.Message) []telemetry.PhaseBoundary {
	var boundaries []telemetry.PhaseBoundary

	for _, ts := range d.tracks {
		current := ""
		if open, ok := ts.state.(*openState); ok {
			current = open.phase.Name
		}

		next, ok := ts.track.Trigger(msg, current)
		if !ok || next == current {
			continue
		}

		switch st := ts.state.(type) {
		case closedState:
			boundaries = append(boundaries, d.open(ts, next, msg.Timestamp))
		case *openState:
			boundaries = append(boundaries, d.close(ts, st, msg.Timestamp))
			boundaries = append(boundaries, d.open(ts, next, msg.Timestamp))
		}
	}

	if _, ok := d.keyEvents[msg.Type]; ok {
		ev := keyEventFrom(msg)
		for _, ts := range d.tracks {
			if open, ok := ts.state.(*openState); ok {
				open.phase.KeyEvents = append(open.phase.KeyEvents, ev)
			}
		}
	}

	return boundaries
}

// Close force-closes every open phase at end, normally the last timestamp
// of the stream.
func (d *Detector) Close(end float64) []telemetry.PhaseBoundary {
	var boundaries []telemetry.PhaseBoundary
	for _, ts := range d.tracks {
		if open, ok := ts.state.(*openState); ok {
			boundaries = append(boundaries, d.close(ts, open, end))
		}
	}
	return boundaries
}

// OpenTags returns the names of the currently open phases in track order.
func (d *Detector) OpenTags() []string {
	var tags []string
	for _, ts := range d.tracks {
		if open, ok := ts.state.(*openState); ok {
			tags = append(tags, open.phase.Name)
		}
	}
	return tags
}

// Phases returns every closed phase ordered by start time, then track.
func (d *Detector) Phases() []telemetry.FlightPhase {
	out := make([]telemetry.FlightPhase, len(d.closed))
	copy(out, d.closed)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Track < out[j].Track
	})
	return out
}

// OpenCount returns how many tracks currently have an open phase.
func (d *Detector) OpenCount() int {
	n := 0
	for _, ts := range d.tracks {
		if _, ok := ts.state.(*openState); ok {
			n++
		}
	}
	return n
}

func (d *Detector) open(ts *trackState, name string, start float64) telemetry.PhaseBoundary {
	d.nextID++
	st := &openState{
		id: fmt.Sprintf("%s/%s#%d", ts.track.Name, name, d.nextID),
		phase: telemetry.FlightPhase{
			Track:     ts.track.Name,
			Name:      name,
			StartTime: start,
		},
	}
	ts.state = st
	if d.hooks != nil {
		d.hooks.PhaseOpened(st.id, start)
	}
	return telemetry.PhaseBoundary{Kind: telemetry.BoundaryOpened, Phase: st.phase}
}

func (d *Detector) close(ts *trackState, st *openState, end float64) telemetry.PhaseBoundary {
	phase := st.phase
	phase.EndTime = end
	if d.hooks != nil {
		phase.SummaryStats = d.hooks.PhaseClosed(st.id, end)
	}
	ts.state = closedState{}
	d.closed = append(d.closed, phase)
	return telemetry.PhaseBoundary{Kind: telemetry.BoundaryClosed, Phase: phase}
}

func keyEventFrom(msg telemetry.Message) telemetry.KeyEvent {
	ev := telemetry.KeyEvent{Timestamp: msg.Timestamp, MessageType: msg.Type}
	for _, field := range []string{"text", "Message", "message", "msg"} {
		if text, ok := msg.Text(field); ok {
			ev.Text = text
			break
		}
	}
	if sev, ok := msg.Number("severity"); ok {
		s := int(sev)
		ev.Severity = &s
	}
	return ev
}
