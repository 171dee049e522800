package ports

import "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"

// EngineService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
type EngineService interface {
	GetSnapshot() engine.Snapshot
	SetTargetTemperature(zone engine.ZoneID, v float64) error
	SetNominalFanSpeed(zone engine.ZoneID, f engine.FanSpeed) error
	SetUserMode(zone engine.ZoneID, m engine.Mode) error
	SetEnabled(on bool)
	ResetLearning()
}
