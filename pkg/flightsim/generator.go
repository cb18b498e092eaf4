package flightsim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// copterModeNumbers are ArduCopter custom mode numbers, emitted alongside
// the mode name.
var copterModeNumbers = map[string]int{
	"STABILIZE": 0,
	"ACRO":      1,
	"ALT_HOLD":  2,
	"AUTO":      3,
	"GUIDED":    4,
	"LOITER":    5,
	"RTL":       6,
	"CIRCLE":    7,
	"LAND":      9,
	"POSHOLD":   16,
	"SMART_RTL": 21,
}

const (
	batteryFullMV  = 16800
	batteryEmptyMV = 14000
	metersPerDeg   = 111320.0
)

// stream is a periodic message source.
type stream struct {
	hz   float64
	n    int
	emit func(t float64) telemetry.Message
}

func (s *stream) next() float64 { return float64(s.n) / s.hz }

// Generator produces the messages of one flight in timestamp order.
// Messages sharing a timestamp come out in a fixed order: one-shot events
// first, then the periodic streams.
type Generator struct {
	profile  Profile
	timeline Timeline
	rng      *rand.Rand

	oneShots []telemetry.Message
	streams  []*stream

	mode  string
	armed bool

	emitted int
}

// New creates a generator for p.
func New(p Profile) (*Generator, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flight profile: %w", err)
	}
	g := &Generator{
		profile:  p,
		timeline: p.Timeline(),
		rng:      rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)),
	}
	g.oneShots = g.buildOneShots()

	for _, s := range []struct {
		hz   float64
		emit func(float64) telemetry.Message
	}{
		{1, g.heartbeat},
		{p.StatusHz, g.sysStatus},
		{p.PositionHz, g.globalPosition},
		{p.HUDHz, g.vfrHUD},
		{p.AttitudeHz, g.attitude},
	} {
		if s.hz > 0 {
			g.streams = append(g.streams, &stream{hz: s.hz, emit: s.emit})
		}
	}
	return g, nil
}

// Timeline returns the flight's key times.
func (g *Generator) Timeline() Timeline { return g.timeline }

// Emitted returns the number of messages produced so far.
func (g *Generator) Emitted() int { return g.emitted }

func (g *Generator) buildOneShots() []telemetry.Message {
	p, tl := g.profile, g.timeline
	var out []telemetry.Message
	for _, m := range p.Modes {
		fields := map[string]any{"Mode": m.Mode}
		if num, ok := copterModeNumbers[strings.ToUpper(m.Mode)]; ok {
			fields["ModeNum"] = int64(num)
		}
		out = append(out, telemetry.Message{Type: "MODE", Timestamp: m.At, Fields: fields})
	}
	for _, e := range p.Events {
		out = append(out, telemetry.Message{Type: "STATUSTEXT", Timestamp: e.At, Fields: map[string]any{
			"severity": int64(e.Severity),
			"text":     e.Text,
		}})
	}
	out = append(out,
		telemetry.Message{Type: "ARM", Timestamp: tl.Arm, Fields: map[string]any{"ArmState": int64(1)}},
		telemetry.Message{Type: "DISARM", Timestamp: tl.Disarm, Fields: map[string]any{"ArmState": int64(0)}},
	)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Next returns the next message, or false once the flight is over.
func (g *Generator) Next() (telemetry.Message, bool) {
	best := -1
	at := math.Inf(1)
	for i, s := range g.streams {
		if t := s.next(); t < at {
			best, at = i, t
		}
	}

	if len(g.oneShots) > 0 && g.oneShots[0].Timestamp <= at {
		msg := g.oneShots[0]
		g.oneShots = g.oneShots[1:]
		g.apply(msg)
		g.emitted++
		return msg, true
	}
	if best < 0 || at > g.profile.Duration {
		return telemetry.Message{}, false
	}

	s := g.streams[best]
	s.n++
	g.emitted++
	return s.emit(at), true
}

func (g *Generator) apply(msg telemetry.Message) {
	switch msg.Type {
	case "MODE":
		g.mode, _ = msg.Fields["Mode"].(string)
	case "ARM":
		g.armed = true
	case "DISARM":
		g.armed = false
	}
}

// All drains the generator into a slice.
func (g *Generator) All() []telemetry.Message {
	var out []telemetry.Message
	for {
		msg, ok := g.Next()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Stream sends every message to out until the flight ends or ctx is
// cancelled. The caller owns out and closes it.
func (g *Generator) Stream(ctx context.Context, out chan<- telemetry.Message) error {
	for {
		msg, ok := g.Next()
		if !ok {
			return nil
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteNDJSON writes the remaining messages as newline-delimited JSON and
// returns how many were written.
func (g *Generator) WriteNDJSON(w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for {
		msg, ok := g.Next()
		if !ok {
			return n, nil
		}
		if err := enc.Encode(msg); err != nil {
			return n, fmt.Errorf("failed to write message %d: %w", n, err)
		}
		n++
	}
}

// altitude is the height above home in meters at t.
func (g *Generator) altitude(t float64) float64 {
	tl, p := g.timeline, g.profile
	switch {
	case t <= tl.Takeoff || t >= tl.Touchdown:
		return 0
	case t < tl.ClimbEnd:
		return (t - tl.Takeoff) * p.ClimbRate
	case t <= tl.DescentStart:
		return p.CruiseAltitude
	default:
		return (tl.Touchdown - t) * p.ClimbRate
	}
}

// climb is the vertical speed in m/s at t, positive up.
func (g *Generator) climb(t float64) float64 {
	tl, p := g.timeline, g.profile
	switch {
	case t > tl.Takeoff && t < tl.ClimbEnd:
		return p.ClimbRate
	case t > tl.DescentStart && t < tl.Touchdown:
		return -p.ClimbRate
	}
	return 0
}

// groundspeed is the horizontal speed in m/s at t. The vehicle only moves
// at full speed in cruise.
func (g *Generator) groundspeed(t float64) float64 {
	tl, p := g.timeline, g.profile
	switch {
	case t <= tl.Takeoff || t >= tl.Touchdown:
		return 0
	case t < tl.ClimbEnd || t > tl.DescentStart:
		return p.CruiseSpeed * 0.25
	}
	return p.CruiseSpeed
}

// heading in degrees: outbound east for the first half of cruise, then back.
func (g *Generator) heading(t float64) float64 {
	tl := g.timeline
	if t < (tl.ClimbEnd+tl.DescentStart)/2 {
		return 90
	}
	return 270
}

// eastOffset is the distance east of home in meters. The outbound and
// return legs are symmetric so the vehicle lands where it took off.
func (g *Generator) eastOffset(t float64) float64 {
	tl, p := g.timeline, g.profile
	mid := (tl.ClimbEnd + tl.DescentStart) / 2
	out := func(t float64) float64 {
		if t <= tl.Takeoff {
			return 0
		}
		if t < tl.ClimbEnd {
			return (t - tl.Takeoff) * p.CruiseSpeed * 0.25
		}
		return (tl.ClimbEnd-tl.Takeoff)*p.CruiseSpeed*0.25 + (t-tl.ClimbEnd)*p.CruiseSpeed
	}
	if t <= mid {
		return out(t)
	}
	// mirror around the turn point
	return out(max(tl.Takeoff, 2*mid-t))
}

func (g *Generator) noise(scale float64) float64 {
	return g.rng.NormFloat64() * scale
}

func bootMS(t float64) int64 { return int64(math.Round(t * 1000)) }

func (g *Generator) heartbeat(t float64) telemetry.Message {
	baseMode := int64(1) // custom mode enabled
	if g.armed {
		baseMode |= 128
	}
	customMode := int64(0)
	if num, ok := copterModeNumbers[strings.ToUpper(g.mode)]; ok {
		customMode = int64(num)
	}
	return telemetry.Message{Type: "HEARTBEAT", Timestamp: t, Fields: map[string]any{
		"type":          int64(2), // quadrotor
		"autopilot":     int64(3), // ArduPilot
		"base_mode":     baseMode,
		"custom_mode":   customMode,
		"system_status": int64(4),
	}}
}

func (g *Generator) sysStatus(t float64) telemetry.Message {
	frac := t / g.profile.Duration
	mv := batteryFullMV - frac*(batteryFullMV-batteryEmptyMV) + g.noise(15)
	current := 50.0 // cA on the ground
	if g.altitude(t) > 0 {
		current = 1800 + g.noise(60)
	}
	return telemetry.Message{Type: "SYS_STATUS", Timestamp: t, Fields: map[string]any{
		"voltage_battery":   int64(math.Round(mv)),
		"current_battery":   int64(math.Round(current)),
		"battery_remaining": int64(math.Round(100 * (1 - frac))),
		"load":              int64(300 + g.rng.IntN(100)),
	}}
}

func (g *Generator) globalPosition(t float64) telemetry.Message {
	p := g.profile
	rel := g.altitude(t)
	east := g.eastOffset(t)
	lat := p.HomeLat + g.noise(2e-7)
	lon := p.HomeLon + east/(metersPerDeg*math.Cos(p.HomeLat*math.Pi/180)) + g.noise(2e-7)

	gs := g.groundspeed(t)
	hdg := g.heading(t)
	vy := gs * math.Sin(hdg*math.Pi/180)

	return telemetry.Message{Type: "GLOBAL_POSITION_INT", Timestamp: t, Fields: map[string]any{
		"time_boot_ms": bootMS(t),
		"lat":          int64(math.Round(lat * 1e7)),
		"lon":          int64(math.Round(lon * 1e7)),
		"alt":          int64(math.Round((p.HomeAlt + rel) * 1000)),
		"relative_alt": int64(math.Round(rel * 1000)),
		"vx":           int64(0),
		"vy":           int64(math.Round(vy * 100)),
		"vz":           int64(math.Round(-g.climb(t) * 100)),
		"hdg":          int64(math.Round(hdg * 100)),
	}}
}

func (g *Generator) vfrHUD(t float64) telemetry.Message {
	p := g.profile
	gs := g.groundspeed(t)
	throttle := int64(0)
	if g.altitude(t) > 0 || g.climb(t) > 0 {
		throttle = int64(45 + g.rng.IntN(10))
	}
	return telemetry.Message{Type: "VFR_HUD", Timestamp: t, Fields: map[string]any{
		"airspeed":    math.Max(0, gs+g.noise(0.3)),
		"groundspeed": gs,
		"heading":     int64(g.heading(t)),
		"throttle":    throttle,
		"alt":         p.HomeAlt + g.altitude(t),
		"climb":       g.climb(t),
	}}
}

func (g *Generator) attitude(t float64) telemetry.Message {
	airborne := g.altitude(t) > 0
	roll, pitch := g.noise(0.002), g.noise(0.002)
	if airborne {
		roll += g.noise(0.03)
		// nose down while moving forward
		pitch += -g.groundspeed(t)*0.01 + g.noise(0.03)
	}
	yaw := g.heading(t)*math.Pi/180 + g.noise(0.01)
	return telemetry.Message{Type: "ATTITUDE", Timestamp: t, Fields: map[string]any{
		"time_boot_ms": bootMS(t),
		"roll":         roll,
		"pitch":        pitch,
		"yaw":          yaw,
		"rollspeed":    g.noise(0.02),
		"pitchspeed":   g.noise(0.02),
		"yawspeed":     g.noise(0.01),
	}}
}
