package engine

import (
	"testing"
	"time"
)

var dbNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func startsAgo(offsets ...time.Duration) []time.Time {
	var out []time.Time
	for _, off := range offsets {
		out = append(out, dbNow.Add(-off))
	}
	return out
}

func TestDeadbandBaseUnderBudget(t *testing.T) {
	d := NewDeadbandManager(DefaultDeadbandParams(), nil)

	cases := []struct {
		name   string
		starts []time.Time
		want   float64
	}{
		{"no starts", nil, 0.5},
		{"one start", startsAgo(10 * time.Minute), 0.5},
		{"two starts", startsAgo(10*time.Minute, 30*time.Minute), 0.5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &CompressorState{StartTimes: tc.starts}
			if got := d.Current(c, dbNow); got != tc.want {
				t.Fatalf("Current() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDeadbandExpandsAtBudget(t *testing.T) {
	d := NewDeadbandManager(DefaultDeadbandParams(), nil)
	c := &CompressorState{StartTimes: startsAgo(5*time.Minute, 20*time.Minute, 40*time.Minute)}

	if got := d.Current(c, dbNow); got != 1.5 {
		t.Fatalf("Current() with 3 recent starts = %v, want 1.5", got)
	}
}

func TestDeadbandRecoversAfterWindow(t *testing.T) {
	d := NewDeadbandManager(DefaultDeadbandParams(), nil)
	// All three starts have aged out of the trailing hour.
	c := &CompressorState{StartTimes: startsAgo(61*time.Minute, 90*time.Minute, 2*time.Hour)}

	if got := d.Current(c, dbNow); got != 0.5 {
		t.Fatalf("Current() with aged starts = %v, want 0.5", got)
	}
}

func TestDeadbandPartialInterpolation(t *testing.T) {
	params := DefaultDeadbandParams()
	params.PartialFrom = 1
	d := NewDeadbandManager(params, nil)

	cases := []struct {
		name   string
		starts []time.Time
		want   float64
	}{
		{"zero starts stays base", nil, 0.5},
		{"one start begins widening", startsAgo(10 * time.Minute), 0.5 + (1.0/3.0)*1.0},
		{"two starts widen further", startsAgo(10*time.Minute, 20*time.Minute), 0.5 + (2.0/3.0)*1.0},
		{"budget reached fully expanded", startsAgo(10*time.Minute, 20*time.Minute, 30*time.Minute), 1.5},
	}

	var prev float64
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &CompressorState{StartTimes: tc.starts}
			got := d.Current(c, dbNow)
			if !almostEqual(got, tc.want, 1e-9) {
				t.Fatalf("Current() = %v, want %v", got, tc.want)
			}
			if got < prev {
				t.Fatalf("deadband shrank with more starts: %v < %v", got, prev)
			}
			prev = got
		})
	}
}

func TestStartsWithin(t *testing.T) {
	d := NewDeadbandManager(DefaultDeadbandParams(), nil)
	starts := startsAgo(5*time.Minute, 59*time.Minute, 61*time.Minute, 3*time.Hour)

	if got := d.StartsWithin(starts, dbNow); got != 2 {
		t.Fatalf("StartsWithin() = %d, want 2", got)
	}
}
