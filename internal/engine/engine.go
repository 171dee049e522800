package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Params struct {
	// UpdateInterval is the control tick period.
	UpdateInterval time.Duration
	// IOTimeout bounds every external read/apply within a tick.
	IOTimeout time.Duration
	// RetryDelay is the pause before the single retry of a failed apply.
	RetryDelay time.Duration

	Rates       RateLearnerParams
	Deadband    DeadbandParams
	Resolver    ResolverParams
	Compensator CompensatorParams
	Guard       GuardParams
	Fan         FanParams
}

func DefaultParams() Params {
	return Params{
		UpdateInterval: time.Minute,
		IOTimeout:      5 * time.Second,
		RetryDelay:     200 * time.Millisecond,
		Rates:          DefaultRateLearnerParams(),
		Deadband:       DefaultDeadbandParams(),
		Resolver:       DefaultResolverParams(),
		Compensator:    DefaultCompensatorParams(),
		Guard:          DefaultGuardParams(),
		Fan:            DefaultFanParams(),
	}
}

// ZoneInit is the configured starting point for one zone, used when no
// persisted state exists.
type ZoneInit struct {
	TargetTemperature float64
	NominalFanSpeed   FanSpeed
	UserMode          Mode
}

type Init struct {
	Enabled bool
	Zones   [2]ZoneInit
}

// appliedCmd remembers the last mode/fan actually sent to a zone so
// commands fire only on change.
type appliedCmd struct {
	mode  Mode
	fan   FanSpeed
	valid bool
}

// Engine is the Zone Control Engine: one periodic decision loop over the two
// zones and the shared compressor. The tick is the only writer of the state
// aggregate; user commands mutate it under the same lock between ticks.
type Engine struct {
	mu    sync.Mutex
	state *EngineState

	learner  *RateLearner
	deadband *DeadbandManager
	resolver *ModeResolver
	comp     *Compensator
	guard    *CompressorGuard
	fans     *FanCalculator

	climate ClimateDevice
	store   StateStore
	sinks   []TelemetrySink

	params Params
	log    *zap.Logger
	now    func() time.Time

	prevLead *ZoneID
	applied  [2]appliedCmd
}

func New(init Init, climate ClimateDevice, store StateStore, params Params, log *zap.Logger, sinks ...TelemetrySink) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if params.UpdateInterval <= 0 {
		params.UpdateInterval = time.Minute
	}
	if params.IOTimeout <= 0 {
		params.IOTimeout = 5 * time.Second
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = 200 * time.Millisecond
	}

	state := &EngineState{Enabled: init.Enabled}
	for _, id := range ZoneIDs {
		zi := init.Zones[id]
		if !zi.UserMode.ValidUserMode() {
			return nil, ErrInvalidMode
		}
		if !zi.NominalFanSpeed.Valid() {
			return nil, ErrInvalidFanSpeed
		}
		if !validTarget(zi.TargetTemperature) {
			return nil, ErrInvalidTemperature
		}
		state.Zones[id] = &ZoneState{
			ID:                id,
			TargetTemperature: zi.TargetTemperature,
			NominalFanSpeed:   zi.NominalFanSpeed,
			UserMode:          zi.UserMode,
			Mode:              ModeOff,
			FanSpeed:          FanQuiet,
		}
	}

	return &Engine{
		state:    state,
		learner:  NewRateLearner(params.Rates, log.Named("rates")),
		deadband: NewDeadbandManager(params.Deadband, log.Named("deadband")),
		resolver: NewModeResolver(params.Resolver, log.Named("resolver")),
		comp:     NewCompensator(params.Compensator, log.Named("compensate")),
		guard:    NewCompressorGuard(params.Guard, log.Named("guard")),
		fans:     NewFanCalculator(params.Fan, log.Named("fan")),
		climate:  climate,
		store:    store,
		sinks:    sinks,
		params:   params,
		log:      log,
		now:      time.Now,
	}, nil
}

// sane °F bounds for a living space setpoint
func validTarget(v float64) bool {
	return v >= 40 && v <= 95
}

// Run restores persisted state, ticks once immediately, then ticks every
// UpdateInterval until ctx is canceled. A final save runs on the way out.
func (e *Engine) Run(ctx context.Context) error {
	e.restore(ctx)

	e.Tick(ctx)

	ticker := time.NewTicker(e.params.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.saveLocked(context.WithoutCancel(ctx))
			e.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, e.params.IOTimeout)
	defer cancel()
	ps, err := e.store.Load(loadCtx)
	if err != nil {
		e.log.Warn("state load failed, using configured defaults", zap.Error(err))
		return
	}
	if ps == nil {
		e.log.Info("no persisted state, using configured defaults")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Enabled = ps.Enabled
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		pz := ps.Zones[id]
		if validTarget(pz.TargetTemperature) {
			z.TargetTemperature = pz.TargetTemperature
		}
		if pz.NominalFanSpeed.Valid() {
			z.NominalFanSpeed = pz.NominalFanSpeed
		}
		if pz.UserMode.ValidUserMode() {
			z.UserMode = pz.UserMode
		}
		if pz.Mode.Valid() {
			z.Mode = pz.Mode
		}
		z.History = append(z.History[:0], pz.History...)
		if len(z.History) > historyDepth {
			z.History = z.History[len(z.History)-historyDepth:]
		}
	}
	e.learner.Restore(ps.Rates)

	c := &e.state.Compressor
	c.Running = ps.CompressorRunning
	c.LastTransitionTime = ps.LastTransitionTime
	cutoff := e.now().Add(-e.params.Guard.StartWindow)
	c.StartTimes = c.StartTimes[:0]
	for _, t := range ps.StartTimes {
		if t.After(cutoff) {
			c.StartTimes = append(c.StartTimes, t)
		}
	}
	e.log.Info("persisted state restored",
		zap.Int("starts_in_window", len(c.StartTimes)),
		zap.Bool("enabled", e.state.Enabled))
}

// Tick runs one full control cycle. Safe to call concurrently with the
// command methods; all of them share the engine lock.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if !e.state.Enabled {
		e.disabledTickLocked(ctx, now)
		return
	}

	fresh, ok := e.readTemperaturesLocked(ctx)
	if !ok {
		return
	}

	for _, id := range ZoneIDs {
		if !fresh[id] {
			continue
		}
		z := e.state.Zone(id)
		e.learner.RecordSample(z, e.state.Zone(id.Other()), z.CurrentTemperature, now, z.Mode)
	}

	db := e.deadband.Current(&e.state.Compressor, now)
	e.state.Compressor.CurrentDeadband = db

	compTargets := [2]float64{
		e.state.Zone(Zone1).TargetTemperature,
		e.state.Zone(Zone2).TargetTemperature,
	}
	res := e.resolver.Resolve(e.state, db, compTargets, e.prevLead)

	var leakConcern [2]bool
	e.compensateLocked(&res, compTargets[:], leakConcern[:], db)

	wantOn := res.Modes[Zone1].Active() || res.Modes[Zone2].Active()
	dec := e.guard.Evaluate(&e.state.Compressor, wantOn, now)
	finalModes := e.applyGuardLocked(res, dec)

	if res.Lead.Kind == LeadByConflict {
		lz := res.Lead.Zone
		e.prevLead = &lz
	} else {
		e.prevLead = nil
	}

	var speeds [2]FanSpeed
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		isLead := res.Lead.Kind != NoConflict && res.Lead.Zone == id && finalModes[id].Active()
		speeds[id] = e.fans.Calculate(z, finalModes[id], abs(res.Errors[id]), isLead, leakConcern[id])
	}

	e.applyCommandsLocked(ctx, finalModes, speeds)

	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		z.Mode = finalModes[id]
		z.FanSpeed = speeds[id]
	}

	e.log.Info("tick",
		zap.Float64("zone1_temp", e.state.Zone(Zone1).CurrentTemperature),
		zap.Float64("zone2_temp", e.state.Zone(Zone2).CurrentTemperature),
		zap.String("zone1_mode", finalModes[Zone1].String()),
		zap.String("zone2_mode", finalModes[Zone2].String()),
		zap.String("zone1_fan", speeds[Zone1].String()),
		zap.String("zone2_fan", speeds[Zone2].String()),
		zap.Bool("compressor", e.state.Compressor.Running),
		zap.Float64("deadband", db))

	e.saveLocked(ctx)
	e.publishLocked(ctx)
}

// disabledTickLocked winds the system down without making mode decisions:
// both zones idle, compressor off as soon as the guard allows.
func (e *Engine) disabledTickLocked(ctx context.Context, now time.Time) {
	dec := e.guard.Evaluate(&e.state.Compressor, false, now)

	var modes [2]Mode
	var speeds [2]FanSpeed
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		if dec.Held && z.Mode.Active() {
			// Minimum runtime not met yet; hold the previous mode.
			modes[id] = z.Mode
		} else {
			modes[id] = ModeFanOnly
		}
		speeds[id] = e.fans.Calculate(z, modes[id], 0, false, false)
	}

	e.applyCommandsLocked(ctx, modes, speeds)
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		z.Mode = modes[id]
		z.FanSpeed = speeds[id]
	}
	e.log.Debug("tick skipped, engine disabled")
	e.saveLocked(ctx)
	e.publishLocked(ctx)
}

// readTemperaturesLocked refreshes both zones' temperatures. A failed read
// falls back to the zone's last known temperature (and suppresses learning
// for it); a zone with no sample ever seen aborts the tick.
func (e *Engine) readTemperaturesLocked(ctx context.Context) ([2]bool, bool) {
	var fresh [2]bool
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		readCtx, cancel := context.WithTimeout(ctx, e.params.IOTimeout)
		temp, err := e.climate.CurrentTemperature(readCtx, id)
		cancel()
		if err != nil {
			if !z.HasTemperature {
				e.log.Warn("no temperature available, skipping tick",
					zap.String("zone", id.String()), zap.Error(err))
				return fresh, false
			}
			e.log.Warn("temperature read failed, holding last known value",
				zap.String("zone", id.String()),
				zap.Float64("last_known", z.CurrentTemperature),
				zap.Error(err))
			continue
		}
		z.CurrentTemperature = temp
		z.HasTemperature = true
		fresh[id] = true
	}
	return fresh, true
}

// compensateLocked shifts comparison targets per the lead/passive split and
// flags leakage concern for the fan calculator.
func (e *Engine) compensateLocked(res *Resolution, compTargets []float64, leakConcern []bool, deadband float64) {
	switch res.Lead.Kind {
	case LeadByConflict, LeadBySatisfied:
		lead := e.state.Zone(res.Lead.Zone)
		passive := e.state.Zone(res.Lead.Zone.Other())
		offset, ok := e.comp.PassiveOffset(e.learner, lead, passive, res.Modes[lead.ID])
		if !ok {
			return
		}
		leakConcern[passive.ID] = true
		compTargets[passive.ID] += offset
		if res.Lead.Kind == LeadBySatisfied {
			// Re-check the passive zone against the shifted target. It may
			// now act early to absorb the predicted drift, but it never
			// flips into a mode that fights the lead.
			m := e.resolver.DesiredMode(passive, compTargets[passive.ID], deadband)
			if !m.Conflicts(res.Modes[lead.ID]) {
				res.Modes[passive.ID] = m
			}
		}
	case NoConflict:
		m := res.Modes[Zone1]
		if m != res.Modes[Zone2] || (m != ModeHeat && m != ModeCool) {
			return
		}
		lead, offset, ok := e.comp.FinishOffset(e.learner, e.state.Zone(Zone1), e.state.Zone(Zone2), m)
		if lead.Kind == LeadByFinish {
			res.Lead = lead
		}
		if !ok {
			return
		}
		compTargets[lead.Zone] += offset
		// Re-check the lead against the shifted target so the predicted
		// earlier finish stops it early. It never flips into a mode that
		// fights the other zone.
		next := e.resolver.DesiredMode(e.state.Zone(lead.Zone), compTargets[lead.Zone], deadband)
		if !next.Conflicts(res.Modes[lead.Zone.Other()]) {
			res.Modes[lead.Zone] = next
		}
	}
}

// applyGuardLocked reconciles the resolved modes with the guard's verdict.
func (e *Engine) applyGuardLocked(res Resolution, dec GuardDecision) [2]Mode {
	finalModes := res.Modes
	if !dec.Held {
		return finalModes
	}
	if dec.Running {
		// Stop blocked: the previously active zone keeps conditioning.
		for _, id := range ZoneIDs {
			if z := e.state.Zone(id); z.Mode.Active() {
				finalModes[id] = z.Mode
			}
		}
		e.log.Info("compressor hold, retaining previous active modes",
			zap.String("reason", dec.Reason))
	} else {
		// Start blocked: nobody conditions this tick.
		for _, id := range ZoneIDs {
			if finalModes[id].Active() {
				finalModes[id] = ModeFanOnly
			}
		}
		e.log.Info("compressor hold, forcing fan_only",
			zap.String("reason", dec.Reason))
	}
	return finalModes
}

// applyCommandsLocked pushes mode/fan to the climate device, only on change
// and with a single retry per command.
func (e *Engine) applyCommandsLocked(ctx context.Context, modes [2]Mode, speeds [2]FanSpeed) {
	for _, id := range ZoneIDs {
		a := &e.applied[id]
		if !a.valid || a.mode != modes[id] {
			if e.applyWithRetry(ctx, id, "mode", func(c context.Context) error {
				return e.climate.ApplyMode(c, id, modes[id])
			}) {
				a.mode = modes[id]
			}
		}
		if !a.valid || a.fan != speeds[id] {
			if e.applyWithRetry(ctx, id, "fan_speed", func(c context.Context) error {
				return e.climate.ApplyFanSpeed(c, id, speeds[id])
			}) {
				a.fan = speeds[id]
			}
		}
		a.valid = true
	}
}

func (e *Engine) applyWithRetry(ctx context.Context, zone ZoneID, what string, apply func(context.Context) error) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.params.IOTimeout)
	err := apply(callCtx)
	cancel()
	if err == nil {
		return true
	}
	pause := time.NewTimer(e.params.RetryDelay)
	select {
	case <-ctx.Done():
		pause.Stop()
		e.log.Warn("apply failed, retry abandoned",
			zap.String("zone", zone.String()),
			zap.String("command", what),
			zap.NamedError("first", err),
			zap.NamedError("ctx", ctx.Err()))
		return false
	case <-pause.C:
	}
	callCtx, cancel = context.WithTimeout(ctx, e.params.IOTimeout)
	retryErr := apply(callCtx)
	cancel()
	if retryErr == nil {
		return true
	}
	e.log.Warn("apply failed, device state may mismatch until next tick",
		zap.String("zone", zone.String()),
		zap.String("command", what),
		zap.NamedError("first", err),
		zap.NamedError("retry", retryErr))
	return false
}

func (e *Engine) saveLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	ps := e.exportLocked()
	saveCtx, cancel := context.WithTimeout(ctx, e.params.IOTimeout)
	defer cancel()
	if err := e.store.Save(saveCtx, ps); err != nil {
		e.log.Warn("state save failed, will retry next tick", zap.Error(err))
	}
}

func (e *Engine) exportLocked() PersistedState {
	ps := PersistedState{
		Enabled:            e.state.Enabled,
		Rates:              e.learner.Export(),
		CompressorRunning:  e.state.Compressor.Running,
		LastTransitionTime: e.state.Compressor.LastTransitionTime,
		StartTimes:         append([]time.Time(nil), e.state.Compressor.StartTimes...),
	}
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		ps.Zones[id] = PersistedZone{
			TargetTemperature: z.TargetTemperature,
			NominalFanSpeed:   z.NominalFanSpeed,
			UserMode:          z.UserMode,
			Mode:              z.Mode,
			History:           append([]TempSample(nil), z.History...),
		}
	}
	return ps
}

func (e *Engine) publishLocked(ctx context.Context) {
	if len(e.sinks) == 0 {
		return
	}
	snap := e.snapshotLocked()
	for _, sink := range e.sinks {
		pubCtx, cancel := context.WithTimeout(ctx, e.params.IOTimeout)
		if err := sink.Publish(pubCtx, snap); err != nil {
			e.log.Warn("telemetry publish failed", zap.Error(err))
		}
		cancel()
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Enabled: e.state.Enabled,
		Compressor: CompressorSnapshot{
			Running:         e.state.Compressor.Running,
			StartsLastHour:  e.deadband.StartsWithin(e.state.Compressor.StartTimes, e.now()),
			CurrentDeadband: e.state.Compressor.CurrentDeadband,
		},
	}
	for _, id := range ZoneIDs {
		z := e.state.Zone(id)
		snap.Zones[id] = ZoneSnapshot{
			Zone:               id.String(),
			CurrentTemperature: z.CurrentTemperature,
			TargetTemperature:  z.TargetTemperature,
			UserMode:           z.UserMode.String(),
			Mode:               z.Mode.String(),
			FanSpeed:           z.FanSpeed.String(),
			NominalFanSpeed:    z.NominalFanSpeed.String(),
			HeatingRate:        e.learner.Snapshot(id, RateHeating),
			CoolingRate:        e.learner.Snapshot(id, RateCooling),
			LeakageRate:        e.learner.Snapshot(id, RateLeakage),
		}
	}
	return snap
}

// ---- command surface ----

// GetSnapshot returns a consistent view for controllers and telemetry.
func (e *Engine) GetSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// SetTargetTemperature updates a zone's stored user target. Takes effect on
// the next tick.
func (e *Engine) SetTargetTemperature(zone ZoneID, v float64) error {
	if !zone.Valid() {
		return ErrUnknownZone
	}
	if !validTarget(v) {
		return ErrInvalidTemperature
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.state.Zone(zone).TargetTemperature
	e.state.Zone(zone).TargetTemperature = v
	e.log.Info("target temperature set",
		zap.String("zone", zone.String()),
		zap.Float64("old", old),
		zap.Float64("new", v))
	return nil
}

// SetNominalFanSpeed updates a zone's configured nominal fan speed.
func (e *Engine) SetNominalFanSpeed(zone ZoneID, f FanSpeed) error {
	if !zone.Valid() {
		return ErrUnknownZone
	}
	if !f.Valid() {
		return ErrInvalidFanSpeed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Zone(zone).NominalFanSpeed = f
	e.log.Info("nominal fan speed set",
		zap.String("zone", zone.String()),
		zap.String("fan_speed", f.String()))
	return nil
}

// SetUserMode updates a zone's user-selected mode.
func (e *Engine) SetUserMode(zone ZoneID, m Mode) error {
	if !zone.Valid() {
		return ErrUnknownZone
	}
	if !m.ValidUserMode() {
		return ErrInvalidMode
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Zone(zone).UserMode = m
	e.log.Info("user mode set",
		zap.String("zone", zone.String()),
		zap.String("mode", m.String()))
	return nil
}

// SetEnabled turns the whole engine on or off. Disabling takes effect at
// the start of the next tick.
func (e *Engine) SetEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Enabled = on
	e.log.Info("engine enabled state changed", zap.Bool("enabled", on))
}

// ResetLearning zeroes all learned rates and sample counts for both zones.
// Targets, fan speeds and the enabled flag are untouched.
func (e *Engine) ResetLearning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learner.Reset()
	for _, id := range ZoneIDs {
		e.state.Zone(id).History = nil
	}
}
