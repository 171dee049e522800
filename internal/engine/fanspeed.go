package engine

import (
	"go.uber.org/zap"
)

type FanParams struct {
	// BoostHighError always forces high fan.
	BoostHighError float64
	// BoostTwoError boosts two levels above nominal.
	BoostTwoError float64
	// BoostOneError boosts one level above nominal.
	BoostOneError float64
	// NearTargetError drops a lead zone all the way to quiet.
	NearTargetError float64
	// LeadReduce / LagReduce are how many levels below nominal an active
	// zone runs when close to target.
	LeadReduce int
	LagReduce  int
}

func DefaultFanParams() FanParams {
	return FanParams{
		BoostHighError:  5.0,
		BoostTwoError:   3.0,
		BoostOneError:   1.5,
		NearTargetError: 0.5,
		LeadReduce:      2,
		LagReduce:       1,
	}
}

// FanCalculator maps temperature error magnitude and lead/passive role to a
// fan speed, clamped to the quiet..high ordering.
type FanCalculator struct {
	params FanParams
	log    *zap.Logger
}

func NewFanCalculator(params FanParams, log *zap.Logger) *FanCalculator {
	if params.BoostHighError <= 0 {
		params.BoostHighError = 5.0
	}
	if params.BoostTwoError <= 0 {
		params.BoostTwoError = 3.0
	}
	if params.BoostOneError <= 0 {
		params.BoostOneError = 1.5
	}
	if params.NearTargetError <= 0 {
		params.NearTargetError = 0.5
	}
	if params.LeadReduce <= 0 {
		params.LeadReduce = 2
	}
	if params.LagReduce <= 0 {
		params.LagReduce = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FanCalculator{params: params, log: log}
}

// Calculate picks the fan speed for one zone's decided mode. leakageConcern
// is true when this tick's compensation found a non-negligible predicted
// drift for this zone; a passive zone then idles at quiet so its own fan
// does not spread the leaked refrigerant's effect.
func (f *FanCalculator) Calculate(z *ZoneState, mode Mode, absErr float64, isLead, leakageConcern bool) FanSpeed {
	nominal := z.NominalFanSpeed
	if !nominal.Valid() {
		nominal = FanMedium
	}

	switch mode {
	case ModeOff:
		return FanQuiet
	case ModeFanOnly:
		if leakageConcern {
			f.log.Debug("passive zone fan forced quiet",
				zap.String("zone", z.ID.String()))
			return FanQuiet
		}
		return nominal
	case ModeDry:
		return nominal
	case ModeHeat, ModeCool:
		switch {
		case absErr > f.params.BoostHighError:
			return FanHigh
		case absErr > f.params.BoostTwoError:
			return FanSpeedFromLevel(nominal.Level() + 2)
		case absErr > f.params.BoostOneError:
			return FanSpeedFromLevel(nominal.Level() + 1)
		case isLead:
			if absErr < f.params.NearTargetError {
				return FanQuiet
			}
			return FanSpeedFromLevel(nominal.Level() - f.params.LeadReduce)
		default:
			return FanSpeedFromLevel(nominal.Level() - f.params.LagReduce)
		}
	}
	return nominal
}
