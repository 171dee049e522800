package app

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
)

// envPrefix namespaces environment overrides. Levels are separated with a
// double underscore so key names may keep single underscores:
// DUALZONE_CONTROLLERS__HTTP__ADDR -> controllers.http.addr.
const envPrefix = "DUALZONE_"

type Config struct {
	DeviceID string `koanf:"device_id"`

	Engine EngineConfig  `koanf:"engine"`
	Zones  [2]ZoneConfig `koanf:"zones"`

	Climate   ClimateConfig   `koanf:"climate"`
	Store     StoreConfig     `koanf:"store"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Controllers struct {
		HTTP   HTTPConfig   `koanf:"http"`
		MQTT   MQTTConfig   `koanf:"mqtt"`
		MODBUS ModbusConfig `koanf:"modbus"`
	} `koanf:"controllers"`
}

// EngineConfig exposes the loop timing plus the tuning knobs an installer
// actually adjusts in the field. Everything else keeps its default.
type EngineConfig struct {
	Enabled        bool          `koanf:"enabled"`
	UpdateInterval time.Duration `koanf:"update_interval"`
	IOTimeout      time.Duration `koanf:"io_timeout"`

	DeadbandBase      float64 `koanf:"deadband_base"`
	DeadbandExpanded  float64 `koanf:"deadband_expanded"`
	MaxStartsPerHour  int     `koanf:"max_starts_per_hour"`
	ConflictThreshold float64 `koanf:"conflict_threshold"`

	MinRuntime time.Duration `koanf:"min_runtime"`
	MinOffTime time.Duration `koanf:"min_off_time"`
}

type ZoneConfig struct {
	TargetTemperature float64 `koanf:"target_temperature"`
	NominalFanSpeed   string  `koanf:"nominal_fan_speed"`
	Mode              string  `koanf:"mode"`
}

// ClimateConfig selects and configures the climate device backend.
type ClimateConfig struct {
	// Backend is "mqtt" or "modbus".
	Backend string `koanf:"backend"`

	MQTT struct {
		BrokerURL         string        `koanf:"broker_url"`
		ClientID          string        `koanf:"client_id"`
		Username          string        `koanf:"username"`
		Password          string        `koanf:"password"`
		TemperatureTopics [2]string     `koanf:"temperature_topics"`
		CommandTopicBase  string        `koanf:"command_topic_base"`
		MaxSampleAge      time.Duration `koanf:"max_sample_age"`
		QoS               byte          `koanf:"qos"`
	} `koanf:"mqtt"`

	MODBUS struct {
		Addr     string        `koanf:"addr"`
		UnitID   byte          `koanf:"unit_id"`
		Timeout  time.Duration `koanf:"timeout"`
		ZoneBase [2]uint16     `koanf:"zone_base"`
	} `koanf:"modbus"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Kafka struct {
		Enabled bool     `koanf:"enabled"`
		Brokers []string `koanf:"brokers"`
		Topic   string   `koanf:"topic"`
	} `koanf:"kafka"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled"`
	BrokerURL       string        `koanf:"broker_url"`
	ClientID        string        `koanf:"client_id"`
	BaseTopic       string        `koanf:"base_topic"`
	QoS             byte          `koanf:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	UnitID  byte   `koanf:"unit_id"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.DeviceID = "default"
	cfg.Engine.Enabled = true
	cfg.Engine.UpdateInterval = time.Minute
	cfg.Engine.IOTimeout = 5 * time.Second
	for i := range cfg.Zones {
		cfg.Zones[i].TargetTemperature = 70
		cfg.Zones[i].NominalFanSpeed = "medium"
		cfg.Zones[i].Mode = "auto"
	}
	cfg.Climate.Backend = "mqtt"
	cfg.Climate.MQTT.MaxSampleAge = 5 * time.Minute
	cfg.Climate.MODBUS.Timeout = 3 * time.Second
	cfg.Climate.MODBUS.UnitID = 1
	cfg.Climate.MODBUS.ZoneBase = [2]uint16{0, 10}
	cfg.Store.Path = "dualzone-state.cbor"
	cfg.Telemetry.Kafka.Topic = "dualzone.telemetry"
	cfg.Controllers.HTTP.Addr = ":8080"
	cfg.Controllers.MQTT.PublishInterval = 30 * time.Second
	cfg.Controllers.MODBUS.Addr = "127.0.0.1:1502"
	cfg.Controllers.MODBUS.UnitID = 1
	return cfg
}

// LoadConfig layers defaults, then the optional config file, then DUALZONE_
// environment overrides. A missing file falls back to defaults.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(key), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// envKeyTransform maps DUALZONE_CONTROLLERS__HTTP__ADDR to
// controllers.http.addr. The provider's Prefix option only filters the
// environment; the full variable name still reaches the transform.
func envKeyTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func (c Config) validate() error {
	switch c.Climate.Backend {
	case "mqtt", "modbus":
	default:
		return fmt.Errorf("climate.backend must be \"mqtt\" or \"modbus\", got %q", c.Climate.Backend)
	}
	if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
		return fmt.Errorf("telemetry.kafka.brokers is required when kafka telemetry is enabled")
	}
	if c.Controllers.MQTT.Enabled && c.Controllers.MQTT.BrokerURL == "" {
		return fmt.Errorf("controllers.mqtt.broker_url is required when the mqtt controller is enabled")
	}
	return nil
}

// EngineInit converts the configured zone defaults into the engine's initial
// state, used only when no persisted state exists.
func (c Config) EngineInit() (engine.Init, error) {
	init := engine.Init{Enabled: c.Engine.Enabled}
	for _, id := range engine.ZoneIDs {
		zc := c.Zones[id]
		mode, err := engine.ParseMode(zc.Mode)
		if err != nil {
			return engine.Init{}, fmt.Errorf("%s: %w", id, err)
		}
		fan, err := engine.ParseFanSpeed(zc.NominalFanSpeed)
		if err != nil {
			return engine.Init{}, fmt.Errorf("%s: %w", id, err)
		}
		init.Zones[id] = engine.ZoneInit{
			TargetTemperature: zc.TargetTemperature,
			NominalFanSpeed:   fan,
			UserMode:          mode,
		}
	}
	return init, nil
}

// EngineParams overlays the configured tuning knobs on the defaults.
func (c Config) EngineParams() engine.Params {
	p := engine.DefaultParams()
	if c.Engine.UpdateInterval > 0 {
		p.UpdateInterval = c.Engine.UpdateInterval
	}
	if c.Engine.IOTimeout > 0 {
		p.IOTimeout = c.Engine.IOTimeout
	}
	if c.Engine.DeadbandBase > 0 {
		p.Deadband.Base = c.Engine.DeadbandBase
	}
	if c.Engine.DeadbandExpanded > 0 {
		p.Deadband.Expanded = c.Engine.DeadbandExpanded
	}
	if c.Engine.MaxStartsPerHour > 0 {
		p.Deadband.MaxStartsPerHour = c.Engine.MaxStartsPerHour
	}
	if c.Engine.ConflictThreshold > 0 {
		p.Resolver.ConflictThreshold = c.Engine.ConflictThreshold
	}
	if c.Engine.MinRuntime > 0 {
		p.Guard.MinRuntime = c.Engine.MinRuntime
	}
	if c.Engine.MinOffTime > 0 {
		p.Guard.MinOffTime = c.Engine.MinOffTime
	}
	return p
}
