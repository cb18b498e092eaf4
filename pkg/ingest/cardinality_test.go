package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTypeTracker(t *testing.T) {
	tracker := NewTypeTracker(3)

	for _, typ := range []string{"ATTITUDE", "ATTITUDE", "MODE", "VFR_HUD", "ATTITUDE"} {
		if err := tracker.Check(typ); err != nil {
			t.Fatalf("Check(%s) unexpected error: %v", typ, err)
		}
	}

	if err := tracker.Check("RAW_IMU"); !errors.Is(err, ErrTooManyMessageTypes) {
		t.Fatalf("expected ErrTooManyMessageTypes, got %v", err)
	}
	if err := tracker.Check("MODE"); err != nil {
		t.Fatalf("known type rejected after limit: %v", err)
	}

	stats := tracker.Stats()
	if stats.UniqueTypes != 3 {
		t.Errorf("UniqueTypes = %d, want 3", stats.UniqueTypes)
	}
	if stats.BusiestType != "ATTITUDE" || stats.BusiestCount != 3 {
		t.Errorf("busiest = %s/%d, want ATTITUDE/3", stats.BusiestType, stats.BusiestCount)
	}
	if stats.UtilizationPct != 100 {
		t.Errorf("UtilizationPct = %v, want 100", stats.UtilizationPct)
	}
}

func TestTypeTracker_DefaultLimit(t *testing.T) {
	if got := NewTypeTracker(0).Stats().TypeLimit; got != MaxMessageTypesPerLog {
		t.Errorf("TypeLimit = %d, want %d", got, MaxMessageTypesPerLog)
	}
}

func TestDecoder_BoundsMessageTypes(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxMessageTypesPerLog+5; i++ {
		fmt.Fprintf(&b, `{"type":"T%04d","timestamp":%d}`+"\n", i, i)
	}
	dec := NewDecoder(strings.NewReader(b.String()))

	n := 0
	for {
		if _, err := dec.Next(); err != nil {
			break
		}
		n++
	}
	if n != MaxMessageTypesPerLog {
		t.Errorf("decoded %d messages, want %d", n, MaxMessageTypesPerLog)
	}
	if dec.Skipped() != 5 {
		t.Errorf("Skipped() = %d, want 5", dec.Skipped())
	}
	if got := dec.Types().UniqueTypes; got != MaxMessageTypesPerLog {
		t.Errorf("UniqueTypes = %d", got)
	}
}
