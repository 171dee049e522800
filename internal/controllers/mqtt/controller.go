package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/ports"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainTelemetry bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.EngineService
	cfg Config

	client mqtt.Client
}

func New(svc ports.EngineService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "dualzone/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dualzone-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 30 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		// Engine-wide commands and per-zone commands.
		for _, topic := range []string{c.topic("set/+"), c.topic("zones/+/set/+")} {
			token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
			token.Wait()
			// If subscribe fails, paho exposes token.Error().
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: publish telemetry on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	var last engine.Snapshot
	first := true

	// publish immediately once
	c.publishTelemetry()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.GetSnapshot()
			if first || !reflect.DeepEqual(cur, last) {
				c.publishTelemetry()
				last = cur
				first = false
			}
		}
	}
}

func (c *Controller) publishTelemetry() {
	snap := c.svc.GetSnapshot()
	b, _ := json.Marshal(snap)
	c.client.Publish(c.topic("telemetry"), c.cfg.QoS, c.cfg.RetainTelemetry, b)
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t := msg.Topic()
	base := strings.TrimRight(c.cfg.BaseTopic, "/") + "/"
	if !strings.HasPrefix(t, base) {
		return
	}
	rest := strings.TrimPrefix(t, base)
	payload := msg.Payload()

	// topic format: <base>/set/<field>
	if field, ok := strings.CutPrefix(rest, "set/"); ok {
		c.dispatchGlobal(field, payload)
		return
	}

	// topic format: <base>/zones/<zone>/set/<field>
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[0] != "zones" || parts[2] != "set" {
		return
	}
	zone, err := engine.ParseZoneID(parts[1])
	if err != nil {
		return
	}
	c.dispatchZone(zone, parts[3], payload)
}

func (c *Controller) dispatchGlobal(field string, payload []byte) {
	switch field {
	case "enabled":
		v, err := decodeValueStrict[bool](payload)
		if err != nil {
			return
		}
		c.svc.SetEnabled(v)

	case "reset_learning":
		c.svc.ResetLearning()
	}
}

func (c *Controller) dispatchZone(zone engine.ZoneID, field string, payload []byte) {
	switch field {
	case "target_temperature":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetTargetTemperature(zone, v)

	case "nominal_fan_speed":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return
		}
		f, err := engine.ParseFanSpeed(s)
		if err != nil {
			return
		}
		_ = c.svc.SetNominalFanSpeed(zone, f)

	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return
		}
		m, err := engine.ParseMode(s)
		if err != nil {
			return
		}
		_ = c.svc.SetUserMode(zone, m)
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
