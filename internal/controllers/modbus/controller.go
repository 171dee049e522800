package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/ports"
)

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
}

// Register map. Holding registers carry user-settable values, input
// registers carry engine-computed telemetry. Zone2 addresses are Zone1
// addresses shifted by zoneStride.
//
//	coil 0:        enabled (read/write)
//	coil 1:        reset learning (write 0xFF00 to trigger)
//	HR base+0:     target temperature (°F x100, signed)
//	HR base+1:     user mode (engine.Mode)
//	HR base+2:     nominal fan speed (engine.FanSpeed)
//	IR base+0:     current temperature (°F x100, signed)
//	IR base+1:     decided mode (engine.Mode)
//	IR base+2:     fan speed (engine.FanSpeed)
//	IR base+3..5:  heating/cooling/leakage rate (°F/min x1000)
//	IR 20:         compressor running (0/1)
//	IR 21:         compressor starts last hour
//	IR 22:         current deadband (°F x100)
//
// Function 17 (Report Server ID) returns the configured device ID.
const (
	zoneStride = 10

	irCompressorRunning = 20
	irStartsLastHour    = 21
	irCurrentDeadband   = 22
)

type Controller struct {
	svc ports.EngineService
	cfg Config

	serv *mbserver.Server
}

func New(svc ports.EngineService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{svc: svc, cfg: cfg}, nil
}

// Run starts the Modbus server and registers handlers that apply writes
// immediately and serve reads directly from the engine snapshot. It blocks
// until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.

	// Read Coils (function 1) - coil 0 is the enabled flag.
	serv.RegisterFunctionHandler(1, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := binary.BigEndian.Uint16(data[0:2])
		qty := binary.BigEndian.Uint16(data[2:4])
		if qty == 0 || qty > 2000 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if start != 0 || qty != 1 {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		snap := c.svc.GetSnapshot()
		coilByte := byte(0)
		if snap.Enabled {
			coilByte = 0x01
		}
		// response: byte count (1) + coil bytes
		return []byte{1, coilByte}, &mbserver.Success
	})

	// Read Holding Registers (function 3)
	serv.RegisterFunctionHandler(3, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := int(binary.BigEndian.Uint16(data[0:2]))
		qty := int(binary.BigEndian.Uint16(data[2:4]))
		if qty == 0 || qty > 125 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		snap := c.svc.GetSnapshot()
		regs := make([]uint16, 0, qty)
		for i := 0; i < qty; i++ {
			v, ok := c.holdingRegister(snap, start+i)
			if !ok {
				return []byte{}, &mbserver.IllegalDataAddress
			}
			regs = append(regs, v)
		}
		return packRegisters(regs), &mbserver.Success
	})

	// Read Input Registers (function 4)
	serv.RegisterFunctionHandler(4, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := int(binary.BigEndian.Uint16(data[0:2]))
		qty := int(binary.BigEndian.Uint16(data[2:4]))
		if qty == 0 || qty > 125 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		snap := c.svc.GetSnapshot()
		regs := make([]uint16, 0, qty)
		for i := 0; i < qty; i++ {
			v, ok := c.inputRegister(snap, start+i)
			if !ok {
				return []byte{}, &mbserver.IllegalDataAddress
			}
			regs = append(regs, v)
		}
		return packRegisters(regs), &mbserver.Success
	})

	// Write Single Coil (function 5) - enabled / reset learning
	serv.RegisterFunctionHandler(5, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		addr := binary.BigEndian.Uint16(data[0:2])
		value := binary.BigEndian.Uint16(data[2:4])

		var on bool
		switch value {
		case 0x0000:
			on = false
		case 0xFF00:
			on = true
		default:
			return []byte{}, &mbserver.IllegalDataValue
		}

		switch addr {
		case 0:
			c.svc.SetEnabled(on)
		case 1:
			if on {
				c.svc.ResetLearning()
			}
		default:
			return []byte{}, &mbserver.IllegalDataAddress
		}

		// echo request (address + value)
		resp := make([]byte, 4)
		copy(resp, data[0:4])
		return resp, &mbserver.Success
	})

	// Write Single Register (function 6)
	serv.RegisterFunctionHandler(6, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		addr := int(binary.BigEndian.Uint16(data[0:2]))
		value := binary.BigEndian.Uint16(data[2:4])

		if ex := c.writeHolding(addr, value); ex != nil {
			return []byte{}, ex
		}

		resp := make([]byte, 4)
		copy(resp, data[0:4])
		return resp, &mbserver.Success
	})

	// Write Multiple Registers (function 16)
	serv.RegisterFunctionHandler(16, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		d := frame.GetData()
		if len(d) < 5 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := binary.BigEndian.Uint16(d[0:2])
		quantity := binary.BigEndian.Uint16(d[2:4])
		byteCount := int(d[4])
		if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
			return []byte{}, &mbserver.IllegalDataValue
		}
		for i := 0; i < int(quantity); i++ {
			addr := int(start) + i
			val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
			if ex := c.writeHolding(addr, val); ex != nil {
				return []byte{}, ex
			}
		}

		resp := make([]byte, 4)
		binary.BigEndian.PutUint16(resp[0:2], start)
		binary.BigEndian.PutUint16(resp[2:4], quantity)
		return resp, &mbserver.Success
	})

	// Report Server ID (function 17)
	serv.RegisterFunctionHandler(17, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return c.reportServerID(), &mbserver.Success
	})

	// Now start listening after all handlers are registered.
	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// reportServerID builds the function 17 response: byte count, the device ID
// string, and the run indicator (always on while the server answers).
func (c *Controller) reportServerID() []byte {
	id := []byte(c.cfg.DeviceID)
	if len(id) > 250 {
		id = id[:250]
	}
	resp := make([]byte, 0, len(id)+2)
	resp = append(resp, byte(len(id)+1))
	resp = append(resp, id...)
	resp = append(resp, 0xFF)
	return resp
}

func zoneForAddress(addr int) (engine.ZoneID, int, bool) {
	switch {
	case addr >= 0 && addr < zoneStride:
		return engine.Zone1, addr, true
	case addr >= zoneStride && addr < 2*zoneStride:
		return engine.Zone2, addr - zoneStride, true
	default:
		return engine.Zone1, 0, false
	}
}

func (c *Controller) holdingRegister(snap engine.Snapshot, addr int) (uint16, bool) {
	zone, off, ok := zoneForAddress(addr)
	if !ok {
		return 0, false
	}
	z := snap.Zones[zone]
	switch off {
	case 0:
		return encodeTemp(z.TargetTemperature), true
	case 1:
		m, _ := engine.ParseMode(z.UserMode)
		return uint16(m), true
	case 2:
		f, _ := engine.ParseFanSpeed(z.NominalFanSpeed)
		return uint16(f), true
	default:
		return 0, false
	}
}

func (c *Controller) inputRegister(snap engine.Snapshot, addr int) (uint16, bool) {
	switch addr {
	case irCompressorRunning:
		if snap.Compressor.Running {
			return 1, true
		}
		return 0, true
	case irStartsLastHour:
		return uint16(snap.Compressor.StartsLastHour), true
	case irCurrentDeadband:
		return encodeTemp(snap.Compressor.CurrentDeadband), true
	}

	zone, off, ok := zoneForAddress(addr)
	if !ok {
		return 0, false
	}
	z := snap.Zones[zone]
	switch off {
	case 0:
		return encodeTemp(z.CurrentTemperature), true
	case 1:
		m, _ := engine.ParseMode(z.Mode)
		return uint16(m), true
	case 2:
		f, _ := engine.ParseFanSpeed(z.FanSpeed)
		return uint16(f), true
	case 3:
		return encodeRate(z.HeatingRate.PerMinute), true
	case 4:
		return encodeRate(z.CoolingRate.PerMinute), true
	case 5:
		return encodeRate(z.LeakageRate.PerMinute), true
	default:
		return 0, false
	}
}

func (c *Controller) writeHolding(addr int, value uint16) *mbserver.Exception {
	zone, off, ok := zoneForAddress(addr)
	if !ok {
		return &mbserver.IllegalDataAddress
	}
	switch off {
	case 0:
		if err := c.svc.SetTargetTemperature(zone, decodeTemp(value)); err != nil {
			return &mbserver.IllegalDataValue
		}
	case 1:
		if err := c.svc.SetUserMode(zone, engine.Mode(value)); err != nil {
			return &mbserver.IllegalDataValue
		}
	case 2:
		if err := c.svc.SetNominalFanSpeed(zone, engine.FanSpeed(value)); err != nil {
			return &mbserver.IllegalDataValue
		}
	default:
		return &mbserver.IllegalDataAddress
	}
	return nil
}

func packRegisters(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

const (
	// TemperatureScale maps °F to signed registers with 0.01 resolution.
	TemperatureScale = 100
	// RateScale maps °F/min to registers with 0.001 resolution.
	RateScale = 1000
)

func encodeTemp(v float64) uint16 {
	r := clampInt(int(math.Round(v*float64(TemperatureScale))), math.MinInt16, math.MaxInt16)
	return uint16(int16(r))
}

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}

func encodeRate(v float64) uint16 {
	r := clampInt(int(math.Round(v*float64(RateScale))), 0, math.MaxUint16)
	return uint16(r)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
