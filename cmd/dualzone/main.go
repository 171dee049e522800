package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/cmd/app"
	mqttclimate "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/climate/mqtt"
	modbusclimate "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/climate/modbus"
	httpctrl "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/controllers/http"
	mqttctrl "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/controllers/mqtt"
	modbusctrl "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/controllers/modbus"
	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
	filestore "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/store/file"
	kafkasink "github.com/oyvindkinsey/dual-zone-hvac-controller/internal/telemetry/kafka"
)

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if err := run(configPath, debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := filestore.New(cfg.Store.Path)
	if err != nil {
		return err
	}

	climate, closeClimate, err := newClimate(cfg)
	if err != nil {
		return err
	}
	defer closeClimate()

	var sinks []engine.TelemetrySink
	if cfg.Telemetry.Kafka.Enabled {
		sink, err := kafkasink.New(kafkasink.Config{
			Brokers:  cfg.Telemetry.Kafka.Brokers,
			Topic:    cfg.Telemetry.Kafka.Topic,
			DeviceID: cfg.DeviceID,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	init, err := cfg.EngineInit()
	if err != nil {
		return err
	}
	eng, err := engine.New(init, climate, store, cfg.EngineParams(), log.Named("engine"), sinks...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(eng, cfg.Controllers.HTTP.Addr, cfg.DeviceID)
		log.Info("http controller listening", zap.String("addr", cfg.Controllers.HTTP.Addr))
		g.Go(func() error { return srv.Run(ctx) })
	}
	if cfg.Controllers.MQTT.Enabled {
		mc, err := mqttctrl.New(eng, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       cfg.Controllers.MQTT.BrokerURL,
			ClientID:        cfg.Controllers.MQTT.ClientID,
			BaseTopic:       cfg.Controllers.MQTT.BaseTopic,
			QoS:             cfg.Controllers.MQTT.QoS,
			RetainTelemetry: cfg.Controllers.MQTT.RetainSnapshot,
			PublishInterval: cfg.Controllers.MQTT.PublishInterval,
			Username:        cfg.Controllers.MQTT.Username,
			Password:        cfg.Controllers.MQTT.Password,
		})
		if err != nil {
			return err
		}
		log.Info("mqtt controller connecting", zap.String("broker", cfg.Controllers.MQTT.BrokerURL))
		g.Go(func() error { return mc.Run(ctx) })
	}
	if cfg.Controllers.MODBUS.Enabled {
		mb, err := modbusctrl.New(eng, modbusctrl.Config{
			DeviceID: cfg.DeviceID,
			Addr:     cfg.Controllers.MODBUS.Addr,
			UnitID:   cfg.Controllers.MODBUS.UnitID,
		})
		if err != nil {
			return err
		}
		log.Info("modbus controller listening", zap.String("addr", cfg.Controllers.MODBUS.Addr))
		g.Go(func() error { return mb.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newClimate(cfg app.Config) (engine.ClimateDevice, func(), error) {
	switch cfg.Climate.Backend {
	case "mqtt":
		c, err := mqttclimate.New(mqttclimate.Config{
			BrokerURL:         cfg.Climate.MQTT.BrokerURL,
			ClientID:          cfg.Climate.MQTT.ClientID,
			Username:          cfg.Climate.MQTT.Username,
			Password:          cfg.Climate.MQTT.Password,
			TemperatureTopics: cfg.Climate.MQTT.TemperatureTopics,
			CommandTopicBase:  cfg.Climate.MQTT.CommandTopicBase,
			MaxSampleAge:      cfg.Climate.MQTT.MaxSampleAge,
			QoS:               cfg.Climate.MQTT.QoS,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "modbus":
		c, err := modbusclimate.New(modbusclimate.Config{
			Addr:     cfg.Climate.MODBUS.Addr,
			UnitID:   cfg.Climate.MODBUS.UnitID,
			Timeout:  cfg.Climate.MODBUS.Timeout,
			ZoneBase: cfg.Climate.MODBUS.ZoneBase,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown climate backend %q", cfg.Climate.Backend)
	}
}
