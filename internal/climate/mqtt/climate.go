// Package mqttclimate adapts MQTT-attached climate hardware to the engine's
// ClimateDevice interface. Zone temperatures arrive as retained sensor
// publications; mode and fan commands go out as plain string payloads.
package mqttclimate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
)

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TemperatureTopics holds one sensor topic per zone, e.g.
	// "home/upstairs/temperature". Payloads are plain decimal °F.
	TemperatureTopics [2]string
	// CommandTopicBase prefixes mode/fan command topics:
	// <base>/<zone>/mode and <base>/<zone>/fan_speed.
	CommandTopicBase string

	// MaxSampleAge bounds how stale a cached reading may be before
	// CurrentTemperature reports ErrNoTemperature. Zero means 5 minutes.
	MaxSampleAge time.Duration

	ConnectTimeout time.Duration
	QoS            byte
}

func (c *Config) applyDefaults() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("mqtt climate: BrokerURL is required")
	}
	for _, t := range c.TemperatureTopics {
		if t == "" {
			return fmt.Errorf("mqtt climate: both temperature topics are required")
		}
	}
	if c.CommandTopicBase == "" {
		return fmt.Errorf("mqtt climate: CommandTopicBase is required")
	}
	if c.ClientID == "" {
		c.ClientID = "dualzone-climate"
	}
	if c.MaxSampleAge <= 0 {
		c.MaxSampleAge = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.QoS > 1 {
		return fmt.Errorf("mqtt climate: QoS must be 0 or 1, got %d", c.QoS)
	}
	return nil
}

type reading struct {
	value float64
	at    time.Time
}

// Climate implements engine.ClimateDevice over a paho MQTT client.
type Climate struct {
	cfg    Config
	client mqtt.Client

	mu       sync.Mutex
	readings [2]*reading

	now func() time.Time
}

// New connects to the broker and subscribes to the zone temperature topics.
// Subscriptions are installed in the OnConnect hook so they survive broker
// reconnects.
func New(cfg Config) (*Climate, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	c := &Climate{cfg: cfg, now: time.Now}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(client mqtt.Client) {
		for _, zone := range engine.ZoneIDs {
			zone := zone
			topic := cfg.TemperatureTopics[zone]
			client.Subscribe(topic, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
				c.onTemperature(zone, msg.Payload())
			})
		}
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt climate: connect to %s timed out", cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt climate: connect to %s: %w", cfg.BrokerURL, err)
	}
	c.client = client
	return c, nil
}

func (c *Climate) Close() {
	c.client.Disconnect(250)
}

func (c *Climate) onTemperature(zone engine.ZoneID, payload []byte) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.readings[zone] = &reading{value: v, at: c.now()}
	c.mu.Unlock()
}

// CurrentTemperature returns the latest retained reading for the zone. A
// missing or stale reading is reported as ErrNoTemperature so the engine can
// fall back to its last known value.
func (c *Climate) CurrentTemperature(_ context.Context, zone engine.ZoneID) (float64, error) {
	c.mu.Lock()
	r := c.readings[zone]
	now := c.now()
	c.mu.Unlock()

	if r == nil {
		return 0, fmt.Errorf("%s: %w", zone, engine.ErrNoTemperature)
	}
	if now.Sub(r.at) > c.cfg.MaxSampleAge {
		return 0, fmt.Errorf("%s: reading is %s old: %w", zone, now.Sub(r.at).Round(time.Second), engine.ErrNoTemperature)
	}
	return r.value, nil
}

func (c *Climate) ApplyMode(ctx context.Context, zone engine.ZoneID, mode engine.Mode) error {
	return c.publish(ctx, c.commandTopic(zone, "mode"), mode.String())
}

func (c *Climate) ApplyFanSpeed(ctx context.Context, zone engine.ZoneID, speed engine.FanSpeed) error {
	return c.publish(ctx, c.commandTopic(zone, "fan_speed"), speed.String())
}

func (c *Climate) commandTopic(zone engine.ZoneID, leaf string) string {
	return c.cfg.CommandTopicBase + "/" + zone.String() + "/" + leaf
}

func (c *Climate) publish(ctx context.Context, topic, payload string) error {
	tok := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}
