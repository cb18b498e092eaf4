package stats

import (
	"math"
	"testing"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

func msg(typ string, ts float64, fields map[string]any) telemetry.Message {
	return telemetry.Message{Type: typ, Timestamp: ts, Fields: fields}
}

func statValue(t *testing.T, stats []telemetry.FlightStatistic, name string) float64 {
	t.Helper()
	for _, s := range stats {
		if s.StatisticType == name {
			return s.Value
		}
	}
	t.Fatalf("statistic %s missing from %+v", name, stats)
	return 0
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = append(cfg.Rules, FlightRule{Name: "bogus", Reduce: "median", Series: []string{"VFR_HUD.alt"}})
	if err := cfg.Validate(); err == nil {
		t.Error("unknown reduce accepted")
	}

	cfg = DefaultConfig()
	cfg.Rules = append(cfg.Rules, FlightRule{Name: "bogus", Reduce: ReduceMax, Series: []string{"NOPE.x"}})
	if err := cfg.Validate(); err == nil {
		t.Error("unknown series accepted")
	}
}

func TestAggregator_FlightStatistics(t *testing.T) {
	a := New(DefaultConfig())

	a.Observe(msg("GLOBAL_POSITION_INT", 10, map[string]any{"relative_alt": 0, "lat": 473977000, "lon": 85456000}))
	a.Observe(msg("VFR_HUD", 12, map[string]any{"groundspeed": 4.0, "airspeed": 5.5, "climb": 2.0}))
	a.Observe(msg("GLOBAL_POSITION_INT", 20, map[string]any{"relative_alt": 25000, "lat": 473987000, "lon": 85456000}))
	a.Observe(msg("SYS_STATUS", 21, map[string]any{"voltage_battery": 65535}))
	a.Observe(msg("SYS_STATUS", 22, map[string]any{"voltage_battery": 15800}))
	a.Observe(msg("VFR_HUD", 30, map[string]any{"groundspeed": 8.0, "airspeed": 7.0, "climb": -1.0}))
	a.Observe(msg("ATTITUDE", 42.5, map[string]any{"roll": 0.1}))

	stats := a.FlightStatistics()

	if got := statValue(t, stats, "flight_duration"); got != 32.5 {
		t.Errorf("flight_duration = %v, want 32.5", got)
	}
	if got := statValue(t, stats, "max_altitude"); math.Abs(got-25) > 1e-9 {
		t.Errorf("max_altitude = %v, want 25", got)
	}
	if got := statValue(t, stats, "min_altitude"); got != 0 {
		t.Errorf("min_altitude = %v, want 0", got)
	}
	if got := statValue(t, stats, "max_speed"); got != 8 {
		t.Errorf("max_speed = %v, want 8", got)
	}
	if got := statValue(t, stats, "avg_speed"); got != 6 {
		t.Errorf("avg_speed = %v, want 6", got)
	}
	if got := statValue(t, stats, "max_climb_rate"); got != 2 {
		t.Errorf("max_climb_rate = %v, want 2", got)
	}
	// 65535 is the "unknown" marker and must be skipped
	if got := statValue(t, stats, "min_battery_voltage"); math.Abs(got-15.8) > 1e-9 {
		t.Errorf("min_battery_voltage = %v, want 15.8", got)
	}
	want := Haversine(47.3977, 8.5456, 47.3987, 8.5456)
	if got := statValue(t, stats, "total_distance"); math.Abs(got-want) > 1e-6 {
		t.Errorf("total_distance = %v, want %v", got, want)
	}

	for _, s := range stats {
		if s.StatisticType == "max_battery_current" {
			t.Errorf("statistic without data reported: %+v", s)
		}
	}
}

func TestAggregator_FallbackSeries(t *testing.T) {
	a := New(DefaultConfig())
	a.Observe(msg("CTUN", 1, map[string]any{"Alt": 3.0}))
	a.Observe(msg("CTUN", 2, map[string]any{"Alt": 12.0}))
	a.Observe(msg("GPS", 2, map[string]any{"Spd": 9.5, "Lat": -35.363261, "Lng": 149.165230}))
	a.Observe(msg("GPS", 3, map[string]any{"Spd": 4.5, "Lat": -35.363300, "Lng": 149.165230}))

	stats := a.FlightStatistics()
	if got := statValue(t, stats, "max_altitude"); got != 12 {
		t.Errorf("max_altitude from CTUN = %v, want 12", got)
	}
	if got := statValue(t, stats, "max_speed"); got != 9.5 {
		t.Errorf("max_speed from GPS = %v, want 9.5", got)
	}
	if got := statValue(t, stats, "total_distance"); got <= 0 {
		t.Errorf("total_distance from GPS = %v, want > 0", got)
	}
}

func TestAggregator_MalformedFieldsSkipped(t *testing.T) {
	a := New(DefaultConfig())
	a.Observe(msg("VFR_HUD", 1, map[string]any{"groundspeed": "fast"}))
	a.Observe(msg("VFR_HUD", 2, map[string]any{"groundspeed": math.NaN()}))
	a.Observe(msg("VFR_HUD", 3, nil))

	if _, ok := a.Series("VFR_HUD.groundspeed"); ok {
		t.Error("malformed values reached the reducer")
	}
	if got := statValue(t, a.FlightStatistics(), "flight_duration"); got != 2 {
		t.Errorf("flight_duration = %v, want 2", got)
	}
}

func TestAggregator_PhaseSnapshots(t *testing.T) {
	a := New(DefaultConfig())

	a.Observe(msg("VFR_HUD", 0, map[string]any{"groundspeed": 1.0}))
	a.PhaseOpened("mode/mode_loiter#1", 5)
	a.Observe(msg("VFR_HUD", 5, map[string]any{"groundspeed": 3.0}))
	a.PhaseOpened("armed/armed#2", 6)
	a.Observe(msg("VFR_HUD", 7, map[string]any{"groundspeed": 5.0}))

	if a.OpenPhases() != 2 {
		t.Fatalf("OpenPhases = %d, want 2", a.OpenPhases())
	}

	loiter := a.PhaseClosed("mode/mode_loiter#1", 9)
	if loiter["VFR_HUD.groundspeed.count"] != 2 || loiter["VFR_HUD.groundspeed.max"] != 5 {
		t.Errorf("loiter snapshot = %v", loiter)
	}
	if loiter[KeyDuration] != 4 || loiter[KeyMessages] != 2 {
		t.Errorf("loiter duration/messages = %v/%v", loiter[KeyDuration], loiter[KeyMessages])
	}
	if _, ok := loiter[KeyDistance]; ok {
		t.Error("distance reported without fixes")
	}

	armed := a.PhaseClosed("armed/armed#2", 9)
	if armed["VFR_HUD.groundspeed.count"] != 1 {
		t.Errorf("armed snapshot = %v", armed)
	}

	if a.PhaseClosed("missing", 9) != nil {
		t.Error("closing an unknown phase returned stats")
	}

	// flight-wide reducer sees everything
	r, _ := a.Series("VFR_HUD.groundspeed")
	if r.Count != 3 {
		t.Errorf("flight-wide count = %d, want 3", r.Count)
	}
}

func TestAggregator_TypeStatistics(t *testing.T) {
	a := New(DefaultConfig())
	a.Observe(msg("VIBRATION", 0, map[string]any{"vibration_x": 1.0, "vibration_y": 2.0}))
	a.Observe(msg("VIBRATION", 1, map[string]any{"vibration_x": 3.0, "vibration_y": 2.0}))

	got := a.TypeStatistics("VIBRATION")
	if got["vibration_x.mean"] != 2 || got["vibration_y.max"] != 2 {
		t.Errorf("TypeStatistics = %v", got)
	}
	if _, ok := got["vibration_z.count"]; ok {
		t.Error("absent field reported")
	}
	if a.TypeStatistics("ATTITUDE") != nil {
		t.Error("type without series should have no statistics")
	}
}

func TestAggregator_Empty(t *testing.T) {
	a := New(DefaultConfig())
	if a.FlightStatistics() != nil {
		t.Error("empty aggregator reported statistics")
	}
}
