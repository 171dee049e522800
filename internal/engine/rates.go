package engine

import (
	"time"

	"go.uber.org/zap"
)

// RateKind selects one of the three learned rates of a zone.
type RateKind int

const (
	RateHeating RateKind = iota
	RateCooling
	RateLeakage
)

func (k RateKind) String() string {
	switch k {
	case RateHeating:
		return "heating"
	case RateCooling:
		return "cooling"
	default:
		return "leakage"
	}
}

// RateValue is one learned rate with its sample counter. Rates are °F/min
// and never negative.
type RateValue struct {
	PerMinute float64 `cbor:"per_minute" json:"per_minute"`
	Samples   int     `cbor:"samples" json:"samples"`
}

// ZoneRates holds the three learned rates of one zone.
type ZoneRates struct {
	Heating RateValue `cbor:"heating" json:"heating"`
	Cooling RateValue `cbor:"cooling" json:"cooling"`
	Leakage RateValue `cbor:"leakage" json:"leakage"`
}

func (r *ZoneRates) value(k RateKind) *RateValue {
	switch k {
	case RateHeating:
		return &r.Heating
	case RateCooling:
		return &r.Cooling
	default:
		return &r.Leakage
	}
}

type RateLearnerParams struct {
	// Alpha is the EMA smoothing factor once past the cold-start phase.
	Alpha float64
	// DirectSamples is how many initial samples are averaged directly
	// instead of EMA-folded, to avoid biasing toward zero.
	DirectSamples int
	// ActiveSamples is the sample count at which a rate is reported as
	// "active" rather than "learning".
	ActiveSamples int
	// MinLeakageDelta is the smallest per-interval temperature change
	// accepted as a leakage observation.
	MinLeakageDelta float64
}

func DefaultRateLearnerParams() RateLearnerParams {
	return RateLearnerParams{
		Alpha:           0.3,
		DirectSamples:   3,
		ActiveSamples:   3,
		MinLeakageDelta: 0.05,
	}
}

// RateLearner maintains EMA estimates of each zone's heating, cooling and
// leakage rates from consecutive temperature samples.
type RateLearner struct {
	params RateLearnerParams
	rates  [2]ZoneRates
	log    *zap.Logger
}

func NewRateLearner(params RateLearnerParams, log *zap.Logger) *RateLearner {
	if params.Alpha <= 0 || params.Alpha > 1 {
		params.Alpha = 0.3
	}
	if params.DirectSamples <= 0 {
		params.DirectSamples = 3
	}
	if params.ActiveSamples <= 0 {
		params.ActiveSamples = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLearner{params: params, log: log}
}

// RecordSample appends a sample to the zone's history and, when a previous
// sample exists, classifies the interval and folds the instantaneous rate
// into the matching learned rate. The interval is attributed to the mode
// that was applied when the previous sample was taken; leakage is attributed
// to this zone when it was idle while the other zone actively conditioned
// and this zone's temperature drifted in the direction of that conditioning.
func (l *RateLearner) RecordSample(zone, other *ZoneState, temperature float64, now time.Time, applied Mode) {
	var prev *TempSample
	if n := len(zone.History); n > 0 {
		prev = &zone.History[n-1]
	}
	zone.pushSample(TempSample{At: now, Temperature: temperature, Mode: applied})

	if prev == nil {
		return
	}
	dtMin := now.Sub(prev.At).Minutes()
	if dtMin <= 0 {
		return
	}
	delta := temperature - prev.Temperature
	inst := abs(delta) / dtMin

	switch {
	case prev.Mode == ModeHeat && delta > 0 && prev.Temperature <= zone.TargetTemperature:
		l.fold(zone.ID, RateHeating, inst)
	case prev.Mode == ModeCool && delta < 0 && prev.Temperature >= zone.TargetTemperature:
		l.fold(zone.ID, RateCooling, inst)
	case (prev.Mode == ModeFanOnly || prev.Mode == ModeOff) && abs(delta) >= l.params.MinLeakageDelta:
		otherMode := other.Mode
		if (otherMode == ModeHeat && delta > 0) || (otherMode == ModeCool && delta < 0) {
			l.fold(zone.ID, RateLeakage, inst)
		}
	}
}

func (l *RateLearner) fold(zone ZoneID, kind RateKind, sample float64) {
	v := l.rates[zone].value(kind)
	old := v.PerMinute
	if v.Samples < l.params.DirectSamples {
		// Cold start: plain average of the first few samples.
		v.PerMinute = (v.PerMinute*float64(v.Samples) + sample) / float64(v.Samples+1)
	} else {
		v.PerMinute += l.params.Alpha * (sample - v.PerMinute)
	}
	v.Samples++
	l.log.Debug("rate updated",
		zap.String("zone", zone.String()),
		zap.String("kind", kind.String()),
		zap.Float64("sample", sample),
		zap.Float64("old", old),
		zap.Float64("new", v.PerMinute),
		zap.Int("samples", v.Samples))
}

// Rate returns the current estimate for one rate of one zone.
func (l *RateLearner) Rate(zone ZoneID, kind RateKind) RateValue {
	return *l.rates[zone].value(kind)
}

// Snapshot reports one rate with its learning status.
func (l *RateLearner) Snapshot(zone ZoneID, kind RateKind) RateSnapshot {
	v := l.Rate(zone, kind)
	status := "learning"
	if v.Samples >= l.params.ActiveSamples {
		status = "active"
	}
	return RateSnapshot{PerMinute: v.PerMinute, Samples: v.Samples, Status: status}
}

// Reset zeroes all rates and sample counts for both zones.
func (l *RateLearner) Reset() {
	l.rates = [2]ZoneRates{}
	l.log.Info("learned rates reset")
}

// Export returns the learned rates for persistence.
func (l *RateLearner) Export() [2]ZoneRates {
	return l.rates
}

// Restore replaces the learned rates, clamping negatives to zero.
func (l *RateLearner) Restore(rates [2]ZoneRates) {
	for i := range rates {
		for _, k := range []RateKind{RateHeating, RateCooling, RateLeakage} {
			if v := rates[i].value(k); v.PerMinute < 0 {
				v.PerMinute = 0
			}
		}
	}
	l.rates = rates
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
