// Package modbusclimate adapts Modbus TCP climate hardware to the engine's
// ClimateDevice interface. Each zone maps to a small register block on the
// unit: one input register for the measured temperature and two holding
// registers for the commanded mode and fan speed.
package modbusclimate

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
)

// temperatureScale maps °F to signed registers with 0.01 resolution.
const temperatureScale = 100

type Config struct {
	Addr    string
	UnitID  byte
	Timeout time.Duration

	// ZoneBase gives the register block base address per zone. Within a
	// block: input register base+0 is the temperature, holding registers
	// base+0 and base+1 are mode and fan speed.
	ZoneBase [2]uint16
}

func (c *Config) applyDefaults() error {
	if c.Addr == "" {
		return fmt.Errorf("modbus climate: Addr is required")
	}
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return nil
}

// Climate implements engine.ClimateDevice over a Modbus TCP client. The
// underlying handler serializes requests, so calls are safe for the engine's
// single control loop.
type Climate struct {
	cfg     Config
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func New(cfg Config) (*Climate, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	handler := modbus.NewTCPClientHandler(cfg.Addr)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.UnitID
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus climate: connect %s: %w", cfg.Addr, err)
	}
	return &Climate{cfg: cfg, handler: handler, client: modbus.NewClient(handler)}, nil
}

func (c *Climate) Close() error {
	return c.handler.Close()
}

func (c *Climate) CurrentTemperature(_ context.Context, zone engine.ZoneID) (float64, error) {
	resp, err := c.client.ReadInputRegisters(c.cfg.ZoneBase[zone], 1)
	if err != nil {
		return 0, fmt.Errorf("read %s temperature: %w", zone, err)
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("read %s temperature: short response (%d bytes): %w", zone, len(resp), engine.ErrNoTemperature)
	}
	raw := int16(binary.BigEndian.Uint16(resp[0:2]))
	return float64(raw) / temperatureScale, nil
}

func (c *Climate) ApplyMode(_ context.Context, zone engine.ZoneID, mode engine.Mode) error {
	if _, err := c.client.WriteSingleRegister(c.cfg.ZoneBase[zone]+0, uint16(mode)); err != nil {
		return fmt.Errorf("write %s mode %s: %w", zone, mode, err)
	}
	return nil
}

func (c *Climate) ApplyFanSpeed(_ context.Context, zone engine.ZoneID, speed engine.FanSpeed) error {
	if _, err := c.client.WriteSingleRegister(c.cfg.ZoneBase[zone]+1, uint16(speed)); err != nil {
		return fmt.Errorf("write %s fan speed %s: %w", zone, speed, err)
	}
	return nil
}
