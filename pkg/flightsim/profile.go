// Package flightsim generates synthetic multirotor flight logs: arming,
// a climb to cruise altitude, a cruise leg, descent and landing, with
// mode changes, status text and high-rate attitude along the way.
package flightsim

import (
	"fmt"
)

// ModeChange switches the flight mode at a log time.
type ModeChange struct {
	At   float64 `yaml:"at" json:"at"`
	Mode string  `yaml:"mode" json:"mode"`
}

// StatusEvent emits one STATUSTEXT. Severity follows MAVLink, 0 emergency
// to 7 debug.
type StatusEvent struct {
	At       float64 `yaml:"at" json:"at"`
	Severity int     `yaml:"severity" json:"severity"`
	Text     string  `yaml:"text" json:"text"`
}

// Profile describes a synthetic flight. Times are log seconds, rates are Hz.
type Profile struct {
	Duration float64 `yaml:"duration" json:"duration"`

	AttitudeHz float64 `yaml:"attitude_hz" json:"attitude_hz"`
	PositionHz float64 `yaml:"position_hz" json:"position_hz"`
	HUDHz      float64 `yaml:"hud_hz" json:"hud_hz"`
	StatusHz   float64 `yaml:"status_hz" json:"status_hz"`

	ArmAt     float64 `yaml:"arm_at" json:"arm_at"`
	TakeoffAt float64 `yaml:"takeoff_at" json:"takeoff_at"`
	// DisarmBeforeEnd places the disarm this many seconds before the end.
	DisarmBeforeEnd float64 `yaml:"disarm_before_end" json:"disarm_before_end"`

	CruiseAltitude float64 `yaml:"cruise_altitude" json:"cruise_altitude"` // meters above home
	ClimbRate      float64 `yaml:"climb_rate" json:"climb_rate"`           // m/s, also used to descend
	CruiseSpeed    float64 `yaml:"cruise_speed" json:"cruise_speed"`       // m/s

	HomeLat float64 `yaml:"home_lat" json:"home_lat"`
	HomeLon float64 `yaml:"home_lon" json:"home_lon"`
	HomeAlt float64 `yaml:"home_alt" json:"home_alt"` // meters MSL

	Modes  []ModeChange  `yaml:"modes" json:"modes"`
	Events []StatusEvent `yaml:"events" json:"events"`

	// Seed makes the sensor noise reproducible.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultProfile is a ten-minute survey flight.
func DefaultProfile() Profile {
	return Profile{
		Duration:        600,
		AttitudeHz:      50,
		PositionHz:      10,
		HUDHz:           4,
		StatusHz:        1,
		ArmAt:           5,
		TakeoffAt:       10,
		DisarmBeforeEnd: 5,
		CruiseAltitude:  40,
		ClimbRate:       2,
		CruiseSpeed:     8,
		HomeLat:         47.397742,
		HomeLon:         8.545594,
		HomeAlt:         488,
		Modes: []ModeChange{
			{At: 0, Mode: "STABILIZE"},
			{At: 8, Mode: "AUTO"},
			{At: 480, Mode: "RTL"},
			{At: 550, Mode: "LAND"},
		},
		Events: []StatusEvent{
			{At: 4, Severity: 6, Text: "PreArm: checks passed"},
			{At: 300, Severity: 4, Text: "EKF variance"},
			{At: 560, Severity: 6, Text: "Land descent started"},
		},
		Seed: 1,
	}
}

// Scale returns the profile stretched to a new duration. Mode changes and
// events keep their relative position; the flight shape is rebuilt around
// the same arming and takeoff times.
func (p Profile) Scale(duration float64) Profile {
	if p.Duration <= 0 || duration <= 0 {
		return p
	}
	k := duration / p.Duration
	out := p
	out.Duration = duration
	out.Modes = make([]ModeChange, len(p.Modes))
	for i, m := range p.Modes {
		out.Modes[i] = ModeChange{At: m.At * k, Mode: m.Mode}
	}
	out.Events = make([]StatusEvent, len(p.Events))
	for i, e := range p.Events {
		out.Events[i] = StatusEvent{At: e.At * k, Severity: e.Severity, Text: e.Text}
	}
	return out
}

// Timeline derives the flight's key times from the profile.
type Timeline struct {
	Arm          float64
	Takeoff      float64
	ClimbEnd     float64
	DescentStart float64
	Touchdown    float64
	Disarm       float64
}

// Timeline computes when the vehicle climbs, cruises and lands.
func (p Profile) Timeline() Timeline {
	climb := 0.0
	if p.ClimbRate > 0 {
		climb = p.CruiseAltitude / p.ClimbRate
	}
	disarm := p.Duration - p.DisarmBeforeEnd
	touchdown := disarm - 2
	return Timeline{
		Arm:          p.ArmAt,
		Takeoff:      p.TakeoffAt,
		ClimbEnd:     p.TakeoffAt + climb,
		DescentStart: touchdown - climb,
		Touchdown:    touchdown,
		Disarm:       disarm,
	}
}

// Validate checks that the flight fits its duration.
func (p Profile) Validate() error {
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", p.Duration)
	}
	for name, hz := range map[string]float64{
		"attitude_hz": p.AttitudeHz, "position_hz": p.PositionHz,
		"hud_hz": p.HUDHz, "status_hz": p.StatusHz,
	} {
		if hz < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, hz)
		}
	}
	if p.CruiseAltitude <= 0 || p.ClimbRate <= 0 {
		return fmt.Errorf("cruise_altitude and climb_rate must be positive")
	}
	if p.CruiseSpeed < 0 {
		return fmt.Errorf("cruise_speed must not be negative, got %v", p.CruiseSpeed)
	}

	t := p.Timeline()
	if !(0 <= t.Arm && t.Arm <= t.Takeoff && t.ClimbEnd <= t.DescentStart && t.Disarm <= p.Duration) {
		return fmt.Errorf("flight does not fit in %vs: arm %v, takeoff %v, cruise %v-%v, disarm %v",
			p.Duration, t.Arm, t.Takeoff, t.ClimbEnd, t.DescentStart, t.Disarm)
	}
	for _, m := range p.Modes {
		if m.At < 0 || m.At > p.Duration || m.Mode == "" {
			return fmt.Errorf("invalid mode change %+v", m)
		}
	}
	for _, e := range p.Events {
		if e.At < 0 || e.At > p.Duration || e.Severity < 0 || e.Severity > 7 {
			return fmt.Errorf("invalid status event %+v", e)
		}
	}
	return nil
}
