package engine

import (
	"go.uber.org/zap"
)

// LeadKind tags how the lead/passive split of a tick came about.
type LeadKind int

const (
	// NoConflict means no lead/passive split exists this tick.
	NoConflict LeadKind = iota
	// LeadByConflict means opposing demands were resolved and the loser
	// was forced to fan_only.
	LeadByConflict
	// LeadBySatisfied means one zone conditions while the other is
	// already inside its band.
	LeadBySatisfied
	// LeadByFinish means both zones run the same mode and the lead is
	// the one predicted to reach target first.
	LeadByFinish
)

// Lead is the tagged lead/passive assignment for a tick. Zone is only
// meaningful when Kind != NoConflict; the passive zone is Zone.Other().
type Lead struct {
	Kind LeadKind
	Zone ZoneID
}

// Resolution is the Mode Resolver's per-tick output before the Compressor
// Guard has had its say.
type Resolution struct {
	Modes  [2]Mode
	Errors [2]float64 // target - current, per zone
	Lead   Lead
}

type ResolverParams struct {
	// ConflictThreshold is the error difference below which opposing
	// demands are considered a tie and the sticky lead wins.
	ConflictThreshold float64
	// HoldBandRatio scales the deadband down to the narrower band inside
	// which a previously active mode is released. Between the two bands
	// the previous mode is held to avoid chattering.
	HoldBandRatio float64
	// DryMaxError is how far from target dry mode keeps running before
	// falling back to fan_only.
	DryMaxError float64
}

func DefaultResolverParams() ResolverParams {
	return ResolverParams{
		ConflictThreshold: 2.0,
		HoldBandRatio:     0.5,
		DryMaxError:       5.0,
	}
}

// ModeResolver decides each zone's desired mode from its temperature error
// and resolves lead/lag conflicts between the two zones.
type ModeResolver struct {
	params ResolverParams
	log    *zap.Logger
}

func NewModeResolver(params ResolverParams, log *zap.Logger) *ModeResolver {
	if params.ConflictThreshold <= 0 {
		params.ConflictThreshold = 2.0
	}
	if params.HoldBandRatio <= 0 || params.HoldBandRatio >= 1 {
		params.HoldBandRatio = 0.5
	}
	if params.DryMaxError <= 0 {
		params.DryMaxError = 5.0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ModeResolver{params: params, log: log}
}

// DesiredMode computes a single zone's desired mode against a comparison
// target (which may differ from the stored target when leakage compensation
// is in play). The zone's current Mode is an input: inside the band between
// holdBand and deadband a previously active heat/cool is held.
func (r *ModeResolver) DesiredMode(z *ZoneState, compTarget, deadband float64) Mode {
	err := compTarget - z.CurrentTemperature
	holdBand := deadband * r.params.HoldBandRatio

	switch z.UserMode {
	case ModeOff:
		return ModeOff
	case ModeDry:
		if abs(err) < r.params.DryMaxError {
			return ModeDry
		}
		return ModeFanOnly
	}

	wantHeat := z.UserMode == ModeAuto || z.UserMode == ModeHeat
	wantCool := z.UserMode == ModeAuto || z.UserMode == ModeCool

	if err > deadband && wantHeat {
		return ModeHeat
	}
	if err < -deadband && wantCool {
		return ModeCool
	}

	// Satisfied. Hold a previously active mode until the error has fallen
	// inside the narrower band.
	if abs(err) > holdBand {
		if z.Mode == ModeHeat && wantHeat && err > 0 {
			return ModeHeat
		}
		if z.Mode == ModeCool && wantCool && err < 0 {
			return ModeCool
		}
	}
	return ModeFanOnly
}

// Resolve decides both zones together from one consistent snapshot.
// compTargets are the comparison targets for this tick; prevLead is the
// sticky lead from the last conflict (nil when there was none).
func (r *ModeResolver) Resolve(s *EngineState, deadband float64, compTargets [2]float64, prevLead *ZoneID) Resolution {
	var res Resolution
	for _, id := range ZoneIDs {
		z := s.Zone(id)
		res.Errors[id] = z.TargetTemperature - z.CurrentTemperature
		res.Modes[id] = r.DesiredMode(z, compTargets[id], deadband)
	}

	m1, m2 := res.Modes[Zone1], res.Modes[Zone2]
	if m1.Conflicts(m2) {
		lead := r.resolveConflict(res.Errors, prevLead)
		res.Lead = Lead{Kind: LeadByConflict, Zone: lead}
		res.Modes[lead.Other()] = ModeFanOnly
		r.log.Info("mode conflict resolved",
			zap.String("lead", lead.String()),
			zap.String("lead_mode", res.Modes[lead].String()),
			zap.Float64("lead_error", res.Errors[lead]),
			zap.Float64("passive_error", res.Errors[lead.Other()]))
		return res
	}

	// No conflict: a lone active zone still leads the satisfied one, so
	// leakage compensation knows who is exposed.
	switch {
	case res.Modes[Zone1].Active() && !res.Modes[Zone2].Active():
		res.Lead = Lead{Kind: LeadBySatisfied, Zone: Zone1}
	case res.Modes[Zone2].Active() && !res.Modes[Zone1].Active():
		res.Lead = Lead{Kind: LeadBySatisfied, Zone: Zone2}
	}
	return res
}

func (r *ModeResolver) resolveConflict(errors [2]float64, prevLead *ZoneID) ZoneID {
	e1, e2 := abs(errors[Zone1]), abs(errors[Zone2])
	if abs(e1-e2) >= r.params.ConflictThreshold {
		if e1 > e2 {
			return Zone1
		}
		return Zone2
	}
	// Tie: keep the previous lead to avoid oscillating assignment.
	if prevLead != nil {
		return *prevLead
	}
	if e2 > e1 {
		return Zone2
	}
	return Zone1
}
