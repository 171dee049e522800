package testutil

import "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"

// FakeEngineService is a reusable fake implementing ports.EngineService.
// Put ONLY what multiple test packages need here.
type FakeEngineService struct {
	Snap engine.Snapshot

	SetTargetCalled bool
	SetTargetZone   engine.ZoneID
	SetTargetArg    float64
	SetTargetErr    error

	SetFanCalled bool
	SetFanZone   engine.ZoneID
	SetFanArg    engine.FanSpeed
	SetFanErr    error

	SetUserModeCalled bool
	SetUserModeZone   engine.ZoneID
	SetUserModeArg    engine.Mode
	SetUserModeErr    error

	SetEnabledCalled bool
	SetEnabledArg    bool

	ResetLearningCalled bool
}

func NewFakeEngineService() *FakeEngineService {
	f := &FakeEngineService{}
	f.Snap.Enabled = true
	for i, id := range engine.ZoneIDs {
		f.Snap.Zones[i] = engine.ZoneSnapshot{
			Zone:               id.String(),
			CurrentTemperature: 70,
			TargetTemperature:  70,
			UserMode:           engine.ModeAuto.String(),
			Mode:               engine.ModeFanOnly.String(),
			FanSpeed:           engine.FanMedium.String(),
			NominalFanSpeed:    engine.FanMedium.String(),
			HeatingRate:        engine.RateSnapshot{Status: "learning"},
			CoolingRate:        engine.RateSnapshot{Status: "learning"},
			LeakageRate:        engine.RateSnapshot{Status: "learning"},
		}
	}
	f.Snap.Compressor = engine.CompressorSnapshot{CurrentDeadband: 0.5}
	return f
}

func (f *FakeEngineService) GetSnapshot() engine.Snapshot { return f.Snap }

func (f *FakeEngineService) SetTargetTemperature(zone engine.ZoneID, v float64) error {
	f.SetTargetCalled = true
	f.SetTargetZone = zone
	f.SetTargetArg = v
	if f.SetTargetErr != nil {
		return f.SetTargetErr
	}
	f.Snap.Zones[zone].TargetTemperature = v
	return nil
}

func (f *FakeEngineService) SetNominalFanSpeed(zone engine.ZoneID, fs engine.FanSpeed) error {
	f.SetFanCalled = true
	f.SetFanZone = zone
	f.SetFanArg = fs
	if f.SetFanErr != nil {
		return f.SetFanErr
	}
	f.Snap.Zones[zone].NominalFanSpeed = fs.String()
	return nil
}

func (f *FakeEngineService) SetUserMode(zone engine.ZoneID, m engine.Mode) error {
	f.SetUserModeCalled = true
	f.SetUserModeZone = zone
	f.SetUserModeArg = m
	if f.SetUserModeErr != nil {
		return f.SetUserModeErr
	}
	f.Snap.Zones[zone].UserMode = m.String()
	return nil
}

func (f *FakeEngineService) SetEnabled(on bool) {
	f.SetEnabledCalled = true
	f.SetEnabledArg = on
	f.Snap.Enabled = on
}

func (f *FakeEngineService) ResetLearning() {
	f.ResetLearningCalled = true
}
