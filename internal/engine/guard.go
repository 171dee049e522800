package engine

import (
	"time"

	"go.uber.org/zap"
)

type GuardParams struct {
	// MinRuntime is how long the compressor must run before it may stop.
	MinRuntime time.Duration
	// MinOffTime is how long the compressor must rest before it may start.
	MinOffTime time.Duration
	// StartWindow is the rolling window start timestamps are kept for.
	StartWindow time.Duration
}

func DefaultGuardParams() GuardParams {
	return GuardParams{
		MinRuntime:  3 * time.Minute,
		MinOffTime:  3 * time.Minute,
		StartWindow: time.Hour,
	}
}

// GuardDecision is the Compressor Guard's verdict for one tick.
type GuardDecision struct {
	Running bool
	// Held is true when a requested transition was blocked by the timing
	// rules; Reason then names the rule.
	Held   bool
	Reason string
}

// CompressorGuard enforces the 3-minute rule on the shared compressor. Its
// decision is authoritative over whatever the Mode Resolver wanted.
type CompressorGuard struct {
	params GuardParams
	log    *zap.Logger
}

func NewCompressorGuard(params GuardParams, log *zap.Logger) *CompressorGuard {
	if params.MinRuntime <= 0 {
		params.MinRuntime = 3 * time.Minute
	}
	if params.MinOffTime <= 0 {
		params.MinOffTime = 3 * time.Minute
	}
	if params.StartWindow <= 0 {
		params.StartWindow = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CompressorGuard{params: params, log: log}
}

// Evaluate applies the requested compressor state to c under the timing
// rules, mutating c on accepted transitions. Start timestamps older than
// the window are pruned on every call, whether or not a transition occurs.
func (g *CompressorGuard) Evaluate(c *CompressorState, wantRunning bool, now time.Time) GuardDecision {
	g.prune(c, now)

	if wantRunning == c.Running {
		return GuardDecision{Running: c.Running}
	}

	since := now.Sub(c.LastTransitionTime)
	if wantRunning {
		if !c.LastTransitionTime.IsZero() && since < g.params.MinOffTime {
			g.log.Warn("compressor start held",
				zap.Duration("off_for", since),
				zap.Duration("min_off_time", g.params.MinOffTime))
			return GuardDecision{Running: false, Held: true, Reason: "minimum off-time"}
		}
		c.Running = true
		c.LastTransitionTime = now
		c.StartTimes = append(c.StartTimes, now)
		g.log.Info("compressor started", zap.Int("starts_in_window", len(c.StartTimes)))
		return GuardDecision{Running: true}
	}

	if !c.LastTransitionTime.IsZero() && since < g.params.MinRuntime {
		g.log.Warn("compressor stop held",
			zap.Duration("ran_for", since),
			zap.Duration("min_runtime", g.params.MinRuntime))
		return GuardDecision{Running: true, Held: true, Reason: "minimum runtime"}
	}
	c.Running = false
	c.LastTransitionTime = now
	g.log.Info("compressor stopped", zap.Duration("ran_for", since))
	return GuardDecision{Running: false}
}

func (g *CompressorGuard) prune(c *CompressorState, now time.Time) {
	cutoff := now.Add(-g.params.StartWindow)
	kept := c.StartTimes[:0]
	for _, t := range c.StartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.StartTimes = kept
}
