package testutil

import (
	"context"
	"sync"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
)

// AppliedCommand records one mode or fan command pushed to the fake device.
type AppliedCommand struct {
	Zone engine.ZoneID
	Mode engine.Mode
	Fan  engine.FanSpeed
	Kind string // "mode" or "fan_speed"
}

// FakeClimate implements engine.ClimateDevice for tests. Temperatures and
// per-zone errors are settable; every applied command is recorded.
type FakeClimate struct {
	mu sync.Mutex

	Temps    map[engine.ZoneID]float64
	ReadErr  map[engine.ZoneID]error
	ApplyErr error

	Applied       []AppliedCommand
	ApplyAttempts int
}

func NewFakeClimate(t1, t2 float64) *FakeClimate {
	return &FakeClimate{
		Temps:   map[engine.ZoneID]float64{engine.Zone1: t1, engine.Zone2: t2},
		ReadErr: map[engine.ZoneID]error{},
	}
}

func (f *FakeClimate) SetTemperature(zone engine.ZoneID, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Temps[zone] = v
}

func (f *FakeClimate) CurrentTemperature(_ context.Context, zone engine.ZoneID) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReadErr[zone]; err != nil {
		return 0, err
	}
	return f.Temps[zone], nil
}

func (f *FakeClimate) ApplyMode(_ context.Context, zone engine.ZoneID, mode engine.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ApplyAttempts++
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Applied = append(f.Applied, AppliedCommand{Zone: zone, Mode: mode, Kind: "mode"})
	return nil
}

func (f *FakeClimate) ApplyFanSpeed(_ context.Context, zone engine.ZoneID, speed engine.FanSpeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ApplyAttempts++
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Applied = append(f.Applied, AppliedCommand{Zone: zone, Fan: speed, Kind: "fan_speed"})
	return nil
}

// LastMode returns the most recently applied mode for a zone.
func (f *FakeClimate) LastMode(zone engine.ZoneID) (engine.Mode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Applied) - 1; i >= 0; i-- {
		if f.Applied[i].Kind == "mode" && f.Applied[i].Zone == zone {
			return f.Applied[i].Mode, true
		}
	}
	return engine.ModeUnknown, false
}

// LastFan returns the most recently applied fan speed for a zone.
func (f *FakeClimate) LastFan(zone engine.ZoneID) (engine.FanSpeed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Applied) - 1; i >= 0; i-- {
		if f.Applied[i].Kind == "fan_speed" && f.Applied[i].Zone == zone {
			return f.Applied[i].Fan, true
		}
	}
	return engine.FanUnknown, false
}

// FakeStore implements engine.StateStore in memory.
type FakeStore struct {
	mu sync.Mutex

	State   *engine.PersistedState
	LoadErr error
	SaveErr error

	SaveCount int
}

func (f *FakeStore) Load(context.Context) (*engine.PersistedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	return f.State, nil
}

func (f *FakeStore) Save(_ context.Context, state engine.PersistedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SaveCount++
	if f.SaveErr != nil {
		return f.SaveErr
	}
	f.State = &state
	return nil
}

// FakeSink implements engine.TelemetrySink in memory.
type FakeSink struct {
	mu sync.Mutex

	Snapshots []engine.Snapshot
	Err       error
}

func (f *FakeSink) Publish(_ context.Context, snap engine.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Snapshots = append(f.Snapshots, snap)
	return nil
}

func (f *FakeSink) Last() (engine.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Snapshots) == 0 {
		return engine.Snapshot{}, false
	}
	return f.Snapshots[len(f.Snapshots)-1], true
}
