package volume

import (
	"math"
	"testing"
)

func TestRoundTripWithinOneLevel(t *testing.T) {
	for level := Min; level <= Max; level++ {
		got := ToDeviceLevel(ToPercentage(level))
		if diff := got - level; diff < -1 || diff > 1 {
			t.Errorf("level %d round-tripped to %d", level, got)
		}
	}
}

func TestToPercentageClamps(t *testing.T) {
	tests := []struct {
		level   int
		clamped int
	}{
		{-10, Min},
		{0, Min},
		{90, Max},
		{1000, Max},
	}
	for _, tt := range tests {
		if got, want := ToPercentage(tt.level), ToPercentage(tt.clamped); got != want {
			t.Errorf("ToPercentage(%d) = %v, want %v", tt.level, got, want)
		}
	}
}

func TestToPercentageBounds(t *testing.T) {
	if got := ToPercentage(Min); got != 0 {
		t.Errorf("ToPercentage(Min) = %v, want 0", got)
	}
	if got := ToPercentage(Max); got != 1 {
		t.Errorf("ToPercentage(Max) = %v, want 1", got)
	}
}

func TestToDeviceLevelRoundsUp(t *testing.T) {
	tests := []struct {
		pct  float64
		want int
	}{
		{0, 1},
		{0.5, 45},
		{1, 89},
		{0.01, 2},
		{0.2, 19},
	}
	for _, tt := range tests {
		if got := ToDeviceLevel(tt.pct); got != tt.want {
			t.Errorf("ToDeviceLevel(%v) = %d, want %d", tt.pct, got, tt.want)
		}
	}
}

func TestToDeviceLevelClamps(t *testing.T) {
	tests := []struct {
		pct  float64
		want int
	}{
		{1.5, Max},
		{100, Max},
		{-0.5, Min},
		{math.Inf(-1), Min},
		{math.NaN(), Min},
	}
	for _, tt := range tests {
		if got := ToDeviceLevel(tt.pct); got != tt.want {
			t.Errorf("ToDeviceLevel(%v) = %d, want %d", tt.pct, got, tt.want)
		}
	}
}

func TestConversionsAreMonotonic(t *testing.T) {
	prev := ToDeviceLevel(0)
	for i := 1; i <= 100; i++ {
		got := ToDeviceLevel(float64(i) / 100)
		if got < prev {
			t.Fatalf("ToDeviceLevel not monotonic at %d%%: %d < %d", i, got, prev)
		}
		prev = got
	}

	prevPct := ToPercentage(Min)
	for level := Min + 1; level <= Max; level++ {
		got := ToPercentage(level)
		if got <= prevPct {
			t.Fatalf("ToPercentage not increasing at %d", level)
		}
		prevPct = got
	}
}
