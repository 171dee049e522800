package engine

import (
	"go.uber.org/zap"
)

type CompensatorParams struct {
	// MinOffset is the smallest predicted drift worth compensating for.
	MinOffset float64
	// MaxOffset caps the applied offset.
	MaxOffset float64
	// MinRate is the learned-rate floor below which a prediction is
	// treated as unknown and compensation is skipped.
	MinRate float64
}

func DefaultCompensatorParams() CompensatorParams {
	return CompensatorParams{
		MinOffset: 0.3,
		MaxOffset: 4.0,
		MinRate:   0.001,
	}
}

// Compensator predicts the leakage drift a passive zone will see while the
// lead zone runs and turns it into a comparison-target offset. The stored
// user target is never touched; only the transient comparison value for the
// current tick is shifted.
type Compensator struct {
	params CompensatorParams
	log    *zap.Logger
}

func NewCompensator(params CompensatorParams, log *zap.Logger) *Compensator {
	if params.MinOffset <= 0 {
		params.MinOffset = 0.3
	}
	if params.MaxOffset < params.MinOffset {
		params.MaxOffset = 4.0
	}
	if params.MinRate <= 0 {
		params.MinRate = 0.001
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Compensator{params: params, log: log}
}

// TimeToTarget estimates how many minutes z needs to close its error in the
// given mode. ok is false when the matching learned rate is degenerate.
func (c *Compensator) TimeToTarget(learner *RateLearner, z *ZoneState, mode Mode) (float64, bool) {
	var rate RateValue
	switch mode {
	case ModeHeat:
		rate = learner.Rate(z.ID, RateHeating)
	case ModeCool:
		rate = learner.Rate(z.ID, RateCooling)
	default:
		return 0, false
	}
	if rate.PerMinute < c.params.MinRate {
		return 0, false
	}
	return abs(z.TargetTemperature-z.CurrentTemperature) / rate.PerMinute, true
}

// PassiveOffset returns the signed shift to apply to the passive zone's
// comparison target while the lead zone runs. The shift opposes the lead's
// effect: a heating lead warms the passive zone through the branch box, so
// the passive comparison target moves down, and vice versa. ok is false
// when no meaningful compensation applies.
func (c *Compensator) PassiveOffset(learner *RateLearner, lead, passive *ZoneState, leadMode Mode) (float64, bool) {
	remaining, ok := c.TimeToTarget(learner, lead, leadMode)
	if !ok {
		c.log.Debug("compensation skipped, lead rate unknown",
			zap.String("lead", lead.ID.String()),
			zap.String("mode", leadMode.String()))
		return 0, false
	}
	leak := learner.Rate(passive.ID, RateLeakage)
	drift := leak.PerMinute * remaining
	if drift <= c.params.MinOffset {
		return 0, false
	}
	if drift > c.params.MaxOffset {
		drift = c.params.MaxOffset
	}
	offset := -drift
	if leadMode == ModeCool {
		offset = drift
	}
	c.log.Info("leakage compensation",
		zap.String("lead", lead.ID.String()),
		zap.String("passive", passive.ID.String()),
		zap.Float64("remaining_min", remaining),
		zap.Float64("leakage_rate", leak.PerMinute),
		zap.Float64("offset", offset))
	return offset, true
}

// FinishOffset handles the both-zones-same-mode case: the zone predicted to
// finish first leads, and its comparison target is shifted toward an earlier
// stop so the lag zone's continued run does not overshoot it through
// leakage. Returns the lead assignment and the signed shift for the lead's
// comparison target.
func (c *Compensator) FinishOffset(learner *RateLearner, z1, z2 *ZoneState, mode Mode) (Lead, float64, bool) {
	t1, ok1 := c.TimeToTarget(learner, z1, mode)
	t2, ok2 := c.TimeToTarget(learner, z2, mode)

	var lead *ZoneState
	var diff float64
	switch {
	case ok1 && ok2 && t1 < t2:
		lead, diff = z1, t2-t1
	case ok1 && ok2 && t2 < t1:
		lead, diff = z2, t1-t2
	default:
		return Lead{}, 0, false
	}

	leak := learner.Rate(lead.ID, RateLeakage)
	drift := leak.PerMinute * diff
	if drift <= c.params.MinOffset {
		return Lead{Kind: LeadByFinish, Zone: lead.ID}, 0, false
	}
	if drift > c.params.MaxOffset {
		drift = c.params.MaxOffset
	}
	offset := -drift
	if mode == ModeCool {
		offset = drift
	}
	c.log.Info("finish-order compensation",
		zap.String("lead", lead.ID.String()),
		zap.Float64("time_diff_min", diff),
		zap.Float64("offset", offset))
	return Lead{Kind: LeadByFinish, Zone: lead.ID}, offset, true
}
