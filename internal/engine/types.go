package engine

import "fmt"

// Mode is an integer enum covering both the engine's decided modes
// (heat/cool/dry/fan_only/off) and the user-selectable zone modes
// (auto/heat/cool/dry/off).
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAuto
	ModeHeat
	ModeCool
	ModeDry
	ModeFanOnly
	ModeOff
)

func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeHeat || m == ModeCool || m == ModeDry ||
		m == ModeFanOnly || m == ModeOff
}

// ValidUserMode reports whether m is selectable as a zone's user mode.
// fan_only is a decision outcome, not a user selection.
func (m Mode) ValidUserMode() bool {
	return m == ModeAuto || m == ModeHeat || m == ModeCool || m == ModeDry || m == ModeOff
}

// Active reports whether m places a load on the shared compressor.
func (m Mode) Active() bool {
	return m == ModeHeat || m == ModeCool || m == ModeDry
}

// Conflicts reports whether two decided modes cannot run on the shared
// compressor at the same time. Cool and dry do not conflict.
func (m Mode) Conflicts(other Mode) bool {
	if (m == ModeHeat && other == ModeCool) || (m == ModeCool && other == ModeHeat) {
		return true
	}
	if (m == ModeHeat && other == ModeDry) || (m == ModeDry && other == ModeHeat) {
		return true
	}
	return false
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeHeat:
		return "heat"
	case ModeCool:
		return "cool"
	case ModeDry:
		return "dry"
	case ModeFanOnly:
		return "fan_only"
	case ModeOff:
		return "off"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return ModeAuto, nil
	case "heat":
		return ModeHeat, nil
	case "cool":
		return ModeCool, nil
	case "dry":
		return ModeDry, nil
	case "fan_only":
		return ModeFanOnly, nil
	case "off":
		return ModeOff, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid mode: %q", s)
	}
}

// FanSpeed is an integer enum ordered from quiet to high.
type FanSpeed int

const (
	FanUnknown FanSpeed = iota
	FanQuiet
	FanLow
	FanMedium
	FanHigh
)

func (f FanSpeed) Valid() bool {
	return f == FanQuiet || f == FanLow || f == FanMedium || f == FanHigh
}

// Level returns the rank of f in the quiet..high ordering, quiet being 0.
func (f FanSpeed) Level() int {
	return int(f) - 1
}

// FanSpeedFromLevel clamps level to the quiet..high range.
func FanSpeedFromLevel(level int) FanSpeed {
	if level < 0 {
		level = 0
	}
	if level > FanHigh.Level() {
		level = FanHigh.Level()
	}
	return FanSpeed(level + 1)
}

func (f FanSpeed) String() string {
	switch f {
	case FanQuiet:
		return "quiet"
	case FanLow:
		return "low"
	case FanMedium:
		return "medium"
	case FanHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParseFanSpeed(s string) (FanSpeed, error) {
	switch s {
	case "quiet":
		return FanQuiet, nil
	case "low":
		return FanLow, nil
	case "medium":
		return FanMedium, nil
	case "high":
		return FanHigh, nil
	default:
		return FanUnknown, fmt.Errorf("invalid fan speed: %q", s)
	}
}

// ZoneID identifies one of the two zones sharing the compressor.
type ZoneID int

const (
	Zone1 ZoneID = iota
	Zone2
)

func (z ZoneID) Valid() bool {
	return z == Zone1 || z == Zone2
}

// Other returns the opposite zone.
func (z ZoneID) Other() ZoneID {
	if z == Zone1 {
		return Zone2
	}
	return Zone1
}

func (z ZoneID) String() string {
	if z == Zone2 {
		return "zone2"
	}
	return "zone1"
}

func ParseZoneID(s string) (ZoneID, error) {
	switch s {
	case "zone1":
		return Zone1, nil
	case "zone2":
		return Zone2, nil
	default:
		return Zone1, fmt.Errorf("invalid zone: %q", s)
	}
}

// ZoneIDs is the fixed iteration order for the two zones.
var ZoneIDs = [2]ZoneID{Zone1, Zone2}
