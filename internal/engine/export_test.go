package engine

import (
	"context"
	"time"
)

// SetClock replaces the engine's time source so tests can drive the guard
// and deadband windows deterministically.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RestoreState runs the persisted-state restore path without starting the
// tick loop.
func (e *Engine) RestoreState(ctx context.Context) { e.restore(ctx) }
