package engine

import (
	"context"
	"time"
)

// ClimateDevice is the engine's view of the host's climate entities: it can
// read a zone's temperature and push mode/fan commands. Implementations
// must honor ctx deadlines; the engine bounds every call.
type ClimateDevice interface {
	CurrentTemperature(ctx context.Context, zone ZoneID) (float64, error)
	ApplyMode(ctx context.Context, zone ZoneID, mode Mode) error
	ApplyFanSpeed(ctx context.Context, zone ZoneID, speed FanSpeed) error
}

// StateStore persists EngineState between runs. Load returns (nil, nil)
// when no state has been stored yet.
type StateStore interface {
	Load(ctx context.Context) (*PersistedState, error)
	Save(ctx context.Context, state PersistedState) error
}

// TelemetrySink receives one snapshot per tick. Publish failures are logged
// by the engine and never affect the control decision.
type TelemetrySink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// PersistedZone is the durable subset of one zone's state.
type PersistedZone struct {
	TargetTemperature float64      `cbor:"target_temperature" json:"target_temperature"`
	NominalFanSpeed   FanSpeed     `cbor:"nominal_fan_speed" json:"nominal_fan_speed"`
	UserMode          Mode         `cbor:"user_mode" json:"user_mode"`
	Mode              Mode         `cbor:"mode" json:"mode"`
	History           []TempSample `cbor:"history,omitempty" json:"history,omitempty"`
}

// PersistedState round-trips every durable field of EngineState, including
// the pruned compressor start window.
type PersistedState struct {
	Enabled            bool             `cbor:"enabled" json:"enabled"`
	Zones              [2]PersistedZone `cbor:"zones" json:"zones"`
	Rates              [2]ZoneRates     `cbor:"rates" json:"rates"`
	CompressorRunning  bool             `cbor:"compressor_running" json:"compressor_running"`
	LastTransitionTime time.Time        `cbor:"last_transition_time" json:"last_transition_time"`
	StartTimes         []time.Time      `cbor:"start_times,omitempty" json:"start_times,omitempty"`
}
