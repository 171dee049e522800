package engine

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

var rateT0 = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func newRateZones() (*ZoneState, *ZoneState) {
	z1 := &ZoneState{ID: Zone1, TargetTemperature: 72}
	z2 := &ZoneState{ID: Zone2, TargetTemperature: 70}
	return z1, z2
}

func TestRecordSampleHeating(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	l.RecordSample(z1, z2, 68.0, rateT0, ModeHeat)
	l.RecordSample(z1, z2, 68.5, rateT0.Add(time.Minute), ModeHeat)

	got := l.Rate(Zone1, RateHeating)
	if !almostEqual(got.PerMinute, 0.5, 1e-9) {
		t.Fatalf("heating rate = %v, want 0.5", got.PerMinute)
	}
	if got.Samples != 1 {
		t.Fatalf("heating samples = %d, want 1", got.Samples)
	}
}

func TestRecordSampleCooling(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	l.RecordSample(z1, z2, 76.0, rateT0, ModeCool)
	l.RecordSample(z1, z2, 75.2, rateT0.Add(2*time.Minute), ModeCool)

	got := l.Rate(Zone1, RateCooling)
	if !almostEqual(got.PerMinute, 0.4, 1e-9) {
		t.Fatalf("cooling rate = %v, want 0.4", got.PerMinute)
	}
}

func TestRecordSampleIgnoresWrongDirection(t *testing.T) {
	// Heating applied but the temperature fell: not a heating observation.
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	l.RecordSample(z1, z2, 68.0, rateT0, ModeHeat)
	l.RecordSample(z1, z2, 67.5, rateT0.Add(time.Minute), ModeHeat)

	if got := l.Rate(Zone1, RateHeating); got.Samples != 0 {
		t.Fatalf("heating samples = %d, want 0", got.Samples)
	}
}

func TestRecordSampleIgnoresOvershoot(t *testing.T) {
	// Warming past the target no longer measures active heating.
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	l.RecordSample(z1, z2, 72.5, rateT0, ModeHeat)
	l.RecordSample(z1, z2, 73.0, rateT0.Add(time.Minute), ModeHeat)

	if got := l.Rate(Zone1, RateHeating); got.Samples != 0 {
		t.Fatalf("heating samples = %d, want 0", got.Samples)
	}
}

func TestRecordSampleLeakage(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()
	z2.Mode = ModeHeat

	// Zone1 idles while Zone2 heats; Zone1 warms anyway.
	l.RecordSample(z1, z2, 70.0, rateT0, ModeFanOnly)
	l.RecordSample(z1, z2, 70.1, rateT0.Add(time.Minute), ModeFanOnly)

	got := l.Rate(Zone1, RateLeakage)
	if got.Samples != 1 {
		t.Fatalf("leakage samples = %d, want 1", got.Samples)
	}
	if !almostEqual(got.PerMinute, 0.1, 1e-9) {
		t.Fatalf("leakage rate = %v, want 0.1", got.PerMinute)
	}
}

func TestRecordSampleLeakageBelowMinDelta(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()
	z2.Mode = ModeHeat

	l.RecordSample(z1, z2, 70.0, rateT0, ModeFanOnly)
	l.RecordSample(z1, z2, 70.03, rateT0.Add(time.Minute), ModeFanOnly)

	if got := l.Rate(Zone1, RateLeakage); got.Samples != 0 {
		t.Fatalf("leakage samples = %d, want 0", got.Samples)
	}
}

func TestRecordSampleLeakageWrongDirection(t *testing.T) {
	// Other zone cools but this zone warms: not branch-box leakage.
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()
	z2.Mode = ModeCool

	l.RecordSample(z1, z2, 70.0, rateT0, ModeFanOnly)
	l.RecordSample(z1, z2, 70.2, rateT0.Add(time.Minute), ModeFanOnly)

	if got := l.Rate(Zone1, RateLeakage); got.Samples != 0 {
		t.Fatalf("leakage samples = %d, want 0", got.Samples)
	}
}

func TestFoldDirectAverageThenEMA(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	// Three direct samples: 0.5, 0.3, 0.4 averaged to 0.4.
	temps := []float64{60.0, 60.5, 60.8, 61.2}
	for i, temp := range temps {
		l.RecordSample(z1, z2, temp, rateT0.Add(time.Duration(i)*time.Minute), ModeHeat)
	}
	got := l.Rate(Zone1, RateHeating)
	if !almostEqual(got.PerMinute, 0.4, 1e-9) {
		t.Fatalf("direct average = %v, want 0.4", got.PerMinute)
	}

	// Fourth observation folds by EMA: 0.4 + 0.3*(0.6-0.4) = 0.46.
	l.RecordSample(z1, z2, 61.8, rateT0.Add(4*time.Minute), ModeHeat)
	got = l.Rate(Zone1, RateHeating)
	if !almostEqual(got.PerMinute, 0.46, 1e-9) {
		t.Fatalf("EMA fold = %v, want 0.46", got.PerMinute)
	}
}

func TestEMAConvergesAndStaysNonNegative(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()
	z1.TargetTemperature = 1000 // keep every sample below target

	temp := 60.0
	now := rateT0
	for i := 0; i < 50; i++ {
		l.RecordSample(z1, z2, temp, now, ModeHeat)
		temp += 0.6
		now = now.Add(time.Minute)
		if got := l.Rate(Zone1, RateHeating); got.PerMinute < 0 {
			t.Fatalf("rate went negative: %v", got.PerMinute)
		}
	}
	got := l.Rate(Zone1, RateHeating)
	if !almostEqual(got.PerMinute, 0.6, 1e-6) {
		t.Fatalf("rate = %v, want convergence to 0.6", got.PerMinute)
	}
}

func TestSnapshotStatus(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	if got := l.Snapshot(Zone1, RateHeating); got.Status != "learning" {
		t.Fatalf("status = %q, want learning", got.Status)
	}

	temps := []float64{60.0, 60.5, 61.0, 61.5}
	for i, temp := range temps {
		l.RecordSample(z1, z2, temp, rateT0.Add(time.Duration(i)*time.Minute), ModeHeat)
	}
	if got := l.Snapshot(Zone1, RateHeating); got.Status != "active" {
		t.Fatalf("status = %q, want active after %d samples", got.Status, got.Samples)
	}
}

func TestResetZeroesEverything(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	l.RecordSample(z1, z2, 60.0, rateT0, ModeHeat)
	l.RecordSample(z1, z2, 60.5, rateT0.Add(time.Minute), ModeHeat)
	l.Reset()

	for _, zone := range ZoneIDs {
		for _, kind := range []RateKind{RateHeating, RateCooling, RateLeakage} {
			got := l.Rate(zone, kind)
			if got.PerMinute != 0 || got.Samples != 0 {
				t.Fatalf("%s %s after reset = %+v, want zero", zone, kind, got)
			}
		}
	}
}

func TestRestoreClampsNegativeRates(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	var rates [2]ZoneRates
	rates[Zone1].Heating = RateValue{PerMinute: -0.5, Samples: 4}
	rates[Zone2].Leakage = RateValue{PerMinute: 0.1, Samples: 2}
	l.Restore(rates)

	if got := l.Rate(Zone1, RateHeating); got.PerMinute != 0 {
		t.Fatalf("restored negative rate = %v, want 0", got.PerMinute)
	}
	if got := l.Rate(Zone2, RateLeakage); got.PerMinute != 0.1 {
		t.Fatalf("restored leakage = %v, want 0.1", got.PerMinute)
	}
}

func TestHistoryBounded(t *testing.T) {
	l := NewRateLearner(DefaultRateLearnerParams(), nil)
	z1, z2 := newRateZones()

	for i := 0; i < 25; i++ {
		l.RecordSample(z1, z2, 60.0+float64(i)*0.1, rateT0.Add(time.Duration(i)*time.Minute), ModeHeat)
	}
	if len(z1.History) != 10 {
		t.Fatalf("history length = %d, want 10", len(z1.History))
	}
	// Newest sample must be the last one recorded.
	last := z1.History[len(z1.History)-1]
	if !almostEqual(last.Temperature, 62.4, 1e-9) {
		t.Fatalf("newest history sample = %v, want 62.4", last.Temperature)
	}
}
