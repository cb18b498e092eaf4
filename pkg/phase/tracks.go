package phase

import (
	"strconv"
	"strings"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// TriggerFunc inspects a message and reports the phase name its track
// should be in. current is the name of the open phase ("" when closed).
// Returning ok=false leaves the track untouched.
type TriggerFunc func(msg telemetry.Message, current string) (next string, ok bool)

// Track is one independent phase dimension.
type Track struct {
	Name    string
	Trigger TriggerFunc
}

// Track names.
const (
	TrackMode   = "mode"
	TrackArmed  = "armed"
	TrackFlight = "flight"
)

// Phase names on the armed and flight tracks.
const (
	PhaseArmed    = "armed"
	PhaseDisarmed = "disarmed"
	PhaseAirborne = "airborne"
	PhaseGround   = "ground"
)

// ModeConfig configures the flight-mode track.
type ModeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Types   []string `yaml:"types"`
	// Fields are evaluated in order; the last one present wins.
	Fields []string `yaml:"fields"`
}

// ArmedConfig configures the arming track.
type ArmedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FlightConfig configures the airborne/ground track.
type FlightConfig struct {
	Enabled       bool    `yaml:"enabled"`
	AltitudeType  string  `yaml:"altitude_type"`
	AltitudeField string  `yaml:"altitude_field"`
	AltitudeScale float64 `yaml:"altitude_scale"`
	// TakeoffAltitude is the height in meters above which the vehicle is airborne.
	TakeoffAltitude float64 `yaml:"takeoff_altitude"`
	// Hysteresis is subtracted from TakeoffAltitude for the landing threshold.
	Hysteresis float64 `yaml:"hysteresis"`
}

// Config selects and tunes the detector's tracks.
type Config struct {
	Mode          ModeConfig   `yaml:"mode"`
	Armed         ArmedConfig  `yaml:"armed"`
	Flight        FlightConfig `yaml:"flight"`
	KeyEventTypes []string     `yaml:"key_event_types"`
}

// DefaultConfig enables all three tracks.
func DefaultConfig() Config {
	return Config{
		Mode: ModeConfig{
			Enabled: true,
			Types:   []string{"MODE"},
			Fields:  []string{"mode", "Mode", "ModeNum"},
		},
		Armed: ArmedConfig{Enabled: true},
		Flight: FlightConfig{
			Enabled:         true,
			AltitudeType:    "GLOBAL_POSITION_INT",
			AltitudeField:   "relative_alt",
			AltitudeScale:   0.001,
			TakeoffAltitude: 1.0,
			Hysteresis:      0.5,
		},
		KeyEventTypes: []string{"STATUSTEXT", "ERROR", "CRITICAL", "ALERT", "EMERGENCY"},
	}
}

// BuildTracks returns fresh tracks for cfg. Triggers may carry state, so
// every detector needs its own set.
func BuildTracks(cfg Config) []Track {
	var tracks []Track
	if cfg.Mode.Enabled {
		tracks = append(tracks, Track{Name: TrackMode, Trigger: ModeTrigger(cfg.Mode)})
	}
	if cfg.Armed.Enabled {
		tracks = append(tracks, Track{Name: TrackArmed, Trigger: ArmedTrigger()})
	}
	if cfg.Flight.Enabled {
		tracks = append(tracks, Track{Name: TrackFlight, Trigger: FlightTrigger(cfg.Flight)})
	}
	return tracks
}

// copterModes maps ArduCopter custom mode numbers to names.
var copterModes = map[int]string{
	0:  "stabilize",
	1:  "acro",
	2:  "alt_hold",
	3:  "auto",
	4:  "guided",
	5:  "loiter",
	6:  "rtl",
	7:  "circle",
	9:  "land",
	11: "drift",
	13: "sport",
	14: "flip",
	15: "autotune",
	16: "poshold",
	17: "brake",
	18: "throw",
	19: "avoid_adsb",
	20: "guided_nogps",
	21: "smart_rtl",
	22: "flowhold",
	23: "follow",
	24: "zigzag",
	25: "systemid",
	26: "autorotate",
	27: "auto_rtl",
}

// ModeName normalizes a mode value into a phase name such as "mode_loiter".
func ModeName(v any) (string, bool) {
	if s, ok := v.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return "", false
		}
		return "mode_" + strings.ReplaceAll(s, " ", "_"), true
	}
	n, ok := telemetry.ToFloat(v)
	if !ok {
		return "", false
	}
	if name, known := copterModes[int(n)]; known {
		return "mode_" + name, true
	}
	return "mode_" + strconv.Itoa(int(n)), true
}

// ModeTrigger opens a phase per flight mode.
func ModeTrigger(cfg ModeConfig) TriggerFunc {
	types := make(map[string]struct{}, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = struct{}{}
	}
	fields := append([]string(nil), cfg.Fields...)

	return func(msg telemetry.Message, _ string) (string, bool) {
		if _, ok := types[msg.Type]; !ok {
			return "", false
		}
		var next string
		for _, f := range fields {
			v, present := msg.Fields[f]
			if !present {
				continue
			}
			if name, ok := ModeName(v); ok {
				next = name
			}
		}
		return next, next != ""
	}
}

// mavAutopilotInvalid marks heartbeats sent by ground stations.
const mavAutopilotInvalid = 8

// ArmedTrigger tracks arming from ARM/DISARM messages, the safety bit of
// vehicle heartbeats and DataFlash EV records.
func ArmedTrigger() TriggerFunc {
	return func(msg telemetry.Message, _ string) (string, bool) {
		switch msg.Type {
		case "ARM":
			return PhaseArmed, true
		case "DISARM":
			return PhaseDisarmed, true
		case "HEARTBEAT":
			if ap, ok := msg.Number("autopilot"); ok && int(ap) == mavAutopilotInvalid {
				return "", false
			}
			mode, ok := msg.Number("base_mode")
			if !ok {
				return "", false
			}
			if int(mode)&128 != 0 {
				return PhaseArmed, true
			}
			return PhaseDisarmed, true
		case "EV":
			id, ok := msg.Number("Id")
			if !ok {
				return "", false
			}
			switch int(id) {
			case 10:
				return PhaseArmed, true
			case 11:
				return PhaseDisarmed, true
			}
		}
		return "", false
	}
}

// FlightTrigger tracks airborne/ground from TAKEOFF/LAND events and an
// altitude threshold with hysteresis. An explicit event latches the state
// until altitude confirms it, so a LAND issued while still high does not
// flip straight back to airborne.
func FlightTrigger(cfg FlightConfig) TriggerFunc {
	scale := cfg.AltitudeScale
	if scale == 0 {
		scale = 1
	}
	groundBelow := cfg.TakeoffAltitude - cfg.Hysteresis
	latched := false

	return func(msg telemetry.Message, current string) (string, bool) {
		switch msg.Type {
		case "TAKEOFF":
			latched = true
			return PhaseAirborne, true
		case "LAND":
			latched = true
			return PhaseGround, true
		}
		if msg.Type != cfg.AltitudeType {
			return "", false
		}
		raw, ok := msg.Number(cfg.AltitudeField)
		if !ok {
			return "", false
		}
		alt := raw * scale

		if latched {
			switch {
			case current == PhaseGround && alt <= groundBelow:
				latched = false
			case current == PhaseAirborne && alt >= cfg.TakeoffAltitude:
				latched = false
			}
			return "", false
		}

		switch {
		case alt >= cfg.TakeoffAltitude:
			return PhaseAirborne, true
		case alt <= groundBelow:
			return PhaseGround, true
		case current == "":
			return PhaseGround, true
		}
		return "", false
	}
}
