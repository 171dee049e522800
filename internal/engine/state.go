package engine

import "time"

// historyDepth bounds each zone's temperature history.
const historyDepth = 10

// TempSample is one observed (timestamp, temperature, mode) point. The mode
// is the one that was applied when the sample was taken, so the interval
// leading up to the *next* sample is attributed to it.
type TempSample struct {
	At          time.Time `cbor:"at" json:"at"`
	Temperature float64   `cbor:"temperature" json:"temperature"`
	Mode        Mode      `cbor:"mode" json:"mode"`
}

// ZoneState is the engine-owned record for one zone.
type ZoneState struct {
	ID ZoneID

	CurrentTemperature float64
	HasTemperature     bool

	TargetTemperature float64
	NominalFanSpeed   FanSpeed
	UserMode          Mode

	// Mode and FanSpeed are the engine's current decision. Mode is also an
	// input to the next resolution (hysteresis hold).
	Mode     Mode
	FanSpeed FanSpeed

	History []TempSample
}

func (z *ZoneState) pushSample(s TempSample) {
	z.History = append(z.History, s)
	if len(z.History) > historyDepth {
		z.History = z.History[len(z.History)-historyDepth:]
	}
}

// CompressorState is the shared compressor record.
type CompressorState struct {
	Running            bool
	LastTransitionTime time.Time
	StartTimes         []time.Time
	CurrentDeadband    float64
}

// EngineState is the process-wide aggregate. It is owned by the Engine and
// mutated only under its lock.
type EngineState struct {
	Enabled    bool
	Zones      [2]*ZoneState
	Compressor CompressorState
}

func (s *EngineState) Zone(id ZoneID) *ZoneState {
	return s.Zones[id]
}

// RateSnapshot is one learned rate as reported in telemetry.
type RateSnapshot struct {
	PerMinute float64 `json:"per_minute"`
	Samples   int     `json:"samples"`
	Status    string  `json:"status"` // "learning" until enough samples, then "active"
}

type ZoneSnapshot struct {
	Zone               string       `json:"zone"`
	CurrentTemperature float64      `json:"current_temperature"`
	TargetTemperature  float64      `json:"target_temperature"`
	UserMode           string       `json:"user_mode"`
	Mode               string       `json:"mode"`
	FanSpeed           string       `json:"fan_speed"`
	NominalFanSpeed    string       `json:"nominal_fan_speed"`
	HeatingRate        RateSnapshot `json:"heating_rate"`
	CoolingRate        RateSnapshot `json:"cooling_rate"`
	LeakageRate        RateSnapshot `json:"leakage_rate"`
}

type CompressorSnapshot struct {
	Running         bool    `json:"running"`
	StartsLastHour  int     `json:"starts_last_hour"`
	CurrentDeadband float64 `json:"current_deadband"`
}

// Snapshot is a consistent read-only view of the engine, used by the command
// controllers and published as telemetry.
type Snapshot struct {
	Enabled    bool               `json:"enabled"`
	Zones      [2]ZoneSnapshot    `json:"zones"`
	Compressor CompressorSnapshot `json:"compressor"`
}
