// Package kafkasink publishes engine snapshots to a Kafka topic, one JSON
// envelope per tick, keyed by device ID so all envelopes for a device land
// on the same partition in order.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
)

type Config struct {
	Brokers  []string
	Topic    string
	DeviceID string
}

// Envelope is the published record. EventID is unique per tick so consumers
// can deduplicate after a producer retry.
type Envelope struct {
	EventID   string          `json:"event_id"`
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  engine.Snapshot `json:"snapshot"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink implements engine.TelemetrySink on a kafka.Writer.
type Sink struct {
	cfg    Config
	writer messageWriter
	closer interface{ Close() error }

	now func() time.Time
}

func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("kafka sink: device ID is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
	}
	return &Sink{cfg: cfg, writer: w, closer: w, now: time.Now}, nil
}

// newWithWriter wires the provided writer into the sink. It is used in tests.
func newWithWriter(cfg Config, w messageWriter) *Sink {
	return &Sink{cfg: cfg, writer: w, now: time.Now}
}

func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Sink) Publish(ctx context.Context, snap engine.Snapshot) error {
	env := Envelope{
		EventID:   uuid.NewString(),
		DeviceID:  s.cfg.DeviceID,
		Timestamp: s.now().UTC(),
		Snapshot:  snap,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka sink: encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(s.cfg.DeviceID),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka sink: write to %s: %w", s.cfg.Topic, err)
	}
	return nil
}
