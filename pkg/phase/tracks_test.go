package phase

import (
	"testing"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

func TestModeName(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"LOITER", "mode_loiter", true},
		{" Alt Hold ", "mode_alt_hold", true},
		{0, "mode_stabilize", true},
		{float64(9), "mode_land", true},
		{int64(6), "mode_rtl", true},
		{99, "mode_99", true},
		{"", "", false},
		{true, "", false},
	}

	for _, tt := range tests {
		got, ok := ModeName(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ModeName(%v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestArmedTrigger(t *testing.T) {
	trig := ArmedTrigger()

	tests := []struct {
		name string
		msg  telemetry.Message
		want string
		ok   bool
	}{
		{"arm", telemetry.Message{Type: "ARM"}, PhaseArmed, true},
		{"disarm", telemetry.Message{Type: "DISARM"}, PhaseDisarmed, true},
		{"heartbeat armed", telemetry.Message{Type: "HEARTBEAT", Fields: map[string]any{"base_mode": 209, "autopilot": 3}}, PhaseArmed, true},
		{"heartbeat disarmed", telemetry.Message{Type: "HEARTBEAT", Fields: map[string]any{"base_mode": 81, "autopilot": 3}}, PhaseDisarmed, true},
		{"gcs heartbeat", telemetry.Message{Type: "HEARTBEAT", Fields: map[string]any{"base_mode": 0, "autopilot": 8}}, "", false},
		{"heartbeat without mode", telemetry.Message{Type: "HEARTBEAT"}, "", false},
		{"dataflash armed", telemetry.Message{Type: "EV", Fields: map[string]any{"Id": 10}}, PhaseArmed, true},
		{"dataflash other event", telemetry.Message{Type: "EV", Fields: map[string]any{"Id": 15}}, "", false},
		{"unrelated", telemetry.Message{Type: "ATTITUDE"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := trig(tt.msg, "")
			if ok != tt.ok || got != tt.want {
				t.Errorf("trigger = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func altMsg(mm float64) telemetry.Message {
	return telemetry.Message{Type: "GLOBAL_POSITION_INT", Fields: map[string]any{"relative_alt": mm}}
}

func TestFlightTrigger_Hysteresis(t *testing.T) {
	trig := FlightTrigger(DefaultConfig().Flight)

	if got, ok := trig(altMsg(200), ""); !ok || got != PhaseGround {
		t.Fatalf("initial low altitude = %q, %v", got, ok)
	}
	// between thresholds holds current state
	if _, ok := trig(altMsg(800), PhaseGround); ok {
		t.Error("0.8m should not change ground state")
	}
	if got, ok := trig(altMsg(1200), PhaseGround); !ok || got != PhaseAirborne {
		t.Errorf("1.2m = %q, %v; want airborne", got, ok)
	}
	if _, ok := trig(altMsg(700), PhaseAirborne); ok {
		t.Error("0.7m should not change airborne state")
	}
	if got, ok := trig(altMsg(400), PhaseAirborne); !ok || got != PhaseGround {
		t.Errorf("0.4m = %q, %v; want ground", got, ok)
	}
}

func TestFlightTrigger_LandLatches(t *testing.T) {
	trig := FlightTrigger(DefaultConfig().Flight)

	if got, ok := trig(telemetry.Message{Type: "LAND"}, PhaseAirborne); !ok || got != PhaseGround {
		t.Fatalf("LAND = %q, %v", got, ok)
	}
	// still descending: must not bounce back to airborne
	if _, ok := trig(altMsg(20000), PhaseGround); ok {
		t.Error("altitude reading after LAND flipped the track")
	}
	if _, ok := trig(altMsg(100), PhaseGround); ok {
		t.Error("confirming reading should not emit a transition")
	}
	// latch released: a climb is airborne again
	if got, ok := trig(altMsg(5000), PhaseGround); !ok || got != PhaseAirborne {
		t.Errorf("climb after latch = %q, %v", got, ok)
	}
}

func TestBuildTracks(t *testing.T) {
	if got := len(BuildTracks(DefaultConfig())); got != 3 {
		t.Errorf("default tracks = %d, want 3", got)
	}
	cfg := DefaultConfig()
	cfg.Flight.Enabled = false
	tracks := BuildTracks(cfg)
	if len(tracks) != 2 || tracks[0].Name != TrackMode || tracks[1].Name != TrackArmed {
		t.Errorf("tracks = %+v", tracks)
	}
}
