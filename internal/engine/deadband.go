package engine

import (
	"time"

	"go.uber.org/zap"
)

type DeadbandParams struct {
	// Base is the deadband used under normal operation.
	Base float64
	// Expanded is the deadband once the start budget for the trailing
	// window is exhausted.
	Expanded float64
	// MaxStartsPerHour is the compressor start budget for the window.
	MaxStartsPerHour int
	// PartialFrom enables linear interpolation between Base and Expanded
	// starting at this start count. Zero keeps the fixed-step policy.
	PartialFrom int
	// Window is the trailing window starts are counted over.
	Window time.Duration
}

func DefaultDeadbandParams() DeadbandParams {
	return DeadbandParams{
		Base:             0.5,
		Expanded:         1.5,
		MaxStartsPerHour: 3,
		Window:           time.Hour,
	}
}

// DeadbandManager widens the mode-entry deadband when the compressor has
// been starting too often, trading comfort for short-cycle protection.
type DeadbandManager struct {
	params DeadbandParams
	log    *zap.Logger
}

func NewDeadbandManager(params DeadbandParams, log *zap.Logger) *DeadbandManager {
	if params.Base <= 0 {
		params.Base = 0.5
	}
	if params.Expanded < params.Base {
		params.Expanded = params.Base
	}
	if params.MaxStartsPerHour <= 0 {
		params.MaxStartsPerHour = 3
	}
	if params.Window <= 0 {
		params.Window = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeadbandManager{params: params, log: log}
}

// StartsWithin counts compressor starts inside the trailing window.
func (d *DeadbandManager) StartsWithin(starts []time.Time, now time.Time) int {
	cutoff := now.Add(-d.params.Window)
	n := 0
	for _, t := range starts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Current returns the deadband for this tick given the compressor's start
// history. The result is non-decreasing in the recent start count and falls
// back to Base once the count drops below the budget.
func (d *DeadbandManager) Current(c *CompressorState, now time.Time) float64 {
	recent := d.StartsWithin(c.StartTimes, now)

	if d.params.PartialFrom > 0 && recent >= d.params.PartialFrom && recent < d.params.MaxStartsPerHour {
		span := d.params.MaxStartsPerHour - d.params.PartialFrom
		frac := float64(recent-d.params.PartialFrom+1) / float64(span+1)
		return d.params.Base + frac*(d.params.Expanded-d.params.Base)
	}

	if recent >= d.params.MaxStartsPerHour {
		d.log.Warn("compressor start budget reached, expanding deadband",
			zap.Int("starts_last_hour", recent),
			zap.Int("max_starts_per_hour", d.params.MaxStartsPerHour),
			zap.Float64("base", d.params.Base),
			zap.Float64("expanded", d.params.Expanded))
		return d.params.Expanded
	}
	return d.params.Base
}
