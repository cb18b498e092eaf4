package stats

import "fmt"

// Series selects one numeric field of one message type. Scale converts the
// raw value into Unit.
type Series struct {
	MessageType string  `yaml:"message_type" json:"message_type"`
	Field       string  `yaml:"field" json:"field"`
	Scale       float64 `yaml:"scale" json:"scale"`
	Unit        string  `yaml:"unit" json:"unit"`
	// Invalid lists raw values that mean "unknown" and are skipped.
	Invalid []float64 `yaml:"invalid,omitempty" json:"invalid,omitempty"`
}

// Key is the series name used in summaries, e.g. "VFR_HUD.groundspeed".
func (s Series) Key() string {
	return s.MessageType + "." + s.Field
}

// PositionSource names the lat/lon fields of a position message. Scale
// converts raw values to decimal degrees.
type PositionSource struct {
	MessageType string  `yaml:"message_type" json:"message_type"`
	LatField    string  `yaml:"lat_field" json:"lat_field"`
	LonField    string  `yaml:"lon_field" json:"lon_field"`
	Scale       float64 `yaml:"scale" json:"scale"`
}

// Reduction functions usable in flight rules.
const (
	ReduceMax  = "max"
	ReduceMin  = "min"
	ReduceMean = "mean"
)

// FlightRule derives one flight statistic from the first listed series
// that received data.
type FlightRule struct {
	Name   string   `yaml:"name" json:"name"`
	Reduce string   `yaml:"reduce" json:"reduce"`
	Series []string `yaml:"series" json:"series"`
	Unit   string   `yaml:"unit" json:"unit"`
}

// Config lists what the aggregator tracks.
type Config struct {
	Series    []Series         `yaml:"series" json:"series"`
	Positions []PositionSource `yaml:"positions" json:"positions"`
	Rules     []FlightRule     `yaml:"rules" json:"rules"`
}

// DefaultConfig covers MAVLink telemetry logs and ArduPilot DataFlash logs.
func DefaultConfig() Config {
	return Config{
		Series: []Series{
			{MessageType: "GLOBAL_POSITION_INT", Field: "relative_alt", Scale: 0.001, Unit: "meters"},
			{MessageType: "GLOBAL_POSITION_INT", Field: "alt", Scale: 0.001, Unit: "meters"},
			{MessageType: "VFR_HUD", Field: "groundspeed", Scale: 1, Unit: "m/s"},
			{MessageType: "VFR_HUD", Field: "airspeed", Scale: 1, Unit: "m/s"},
			{MessageType: "VFR_HUD", Field: "alt", Scale: 1, Unit: "meters"},
			{MessageType: "VFR_HUD", Field: "climb", Scale: 1, Unit: "m/s"},
			{MessageType: "VFR_HUD", Field: "throttle", Scale: 1, Unit: "percent"},
			{MessageType: "SYS_STATUS", Field: "voltage_battery", Scale: 0.001, Unit: "volts", Invalid: []float64{65535}},
			{MessageType: "BATTERY_STATUS", Field: "current_battery", Scale: 0.01, Unit: "amps", Invalid: []float64{-1}},
			{MessageType: "VIBRATION", Field: "vibration_x", Scale: 1, Unit: "m/s/s"},
			{MessageType: "VIBRATION", Field: "vibration_y", Scale: 1, Unit: "m/s/s"},
			{MessageType: "VIBRATION", Field: "vibration_z", Scale: 1, Unit: "m/s/s"},
			{MessageType: "GPS", Field: "Spd", Scale: 1, Unit: "m/s"},
			{MessageType: "GPS", Field: "Alt", Scale: 1, Unit: "meters"},
			{MessageType: "CTUN", Field: "Alt", Scale: 1, Unit: "meters"},
			{MessageType: "BAT", Field: "Volt", Scale: 1, Unit: "volts"},
			{MessageType: "BAT", Field: "Curr", Scale: 1, Unit: "amps"},
		},
		Positions: []PositionSource{
			{MessageType: "GLOBAL_POSITION_INT", LatField: "lat", LonField: "lon", Scale: 1e-7},
			{MessageType: "GPS", LatField: "Lat", LonField: "Lng", Scale: 1},
		},
		Rules: []FlightRule{
			{Name: "max_altitude", Reduce: ReduceMax, Series: []string{"GLOBAL_POSITION_INT.relative_alt", "CTUN.Alt"}, Unit: "meters"},
			{Name: "min_altitude", Reduce: ReduceMin, Series: []string{"GLOBAL_POSITION_INT.relative_alt", "CTUN.Alt"}, Unit: "meters"},
			{Name: "avg_altitude", Reduce: ReduceMean, Series: []string{"GLOBAL_POSITION_INT.relative_alt", "CTUN.Alt"}, Unit: "meters"},
			{Name: "max_speed", Reduce: ReduceMax, Series: []string{"VFR_HUD.groundspeed", "GPS.Spd"}, Unit: "m/s"},
			{Name: "avg_speed", Reduce: ReduceMean, Series: []string{"VFR_HUD.groundspeed", "GPS.Spd"}, Unit: "m/s"},
			{Name: "max_airspeed", Reduce: ReduceMax, Series: []string{"VFR_HUD.airspeed"}, Unit: "m/s"},
			{Name: "max_climb_rate", Reduce: ReduceMax, Series: []string{"VFR_HUD.climb"}, Unit: "m/s"},
			{Name: "min_battery_voltage", Reduce: ReduceMin, Series: []string{"SYS_STATUS.voltage_battery", "BAT.Volt"}, Unit: "volts"},
			{Name: "max_battery_current", Reduce: ReduceMax, Series: []string{"BATTERY_STATUS.current_battery", "BAT.Curr"}, Unit: "amps"},
		},
	}
}

// Validate checks that every rule refers to a known series and reduction.
func (c Config) Validate() error {
	known := make(map[string]struct{}, len(c.Series))
	for _, s := range c.Series {
		if s.MessageType == "" || s.Field == "" {
			return fmt.Errorf("series needs message_type and field: %+v", s)
		}
		known[s.Key()] = struct{}{}
	}
	for _, p := range c.Positions {
		if p.MessageType == "" || p.LatField == "" || p.LonField == "" {
			return fmt.Errorf("position source needs message_type, lat_field and lon_field: %+v", p)
		}
	}
	for _, r := range c.Rules {
		switch r.Reduce {
		case ReduceMax, ReduceMin, ReduceMean:
		default:
			return fmt.Errorf("rule %s: unknown reduce %q", r.Name, r.Reduce)
		}
		if len(r.Series) == 0 {
			return fmt.Errorf("rule %s: no series", r.Name)
		}
		for _, key := range r.Series {
			if _, ok := known[key]; !ok {
				return fmt.Errorf("rule %s: unknown series %q", r.Name, key)
			}
		}
	}
	return nil
}
