package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"drone-surveillance-console/shared/events"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/mqttx"
)

type Subscriber interface {
	Subscribe(topic string, qos byte, handle mqttx.MessageFunc) error
}

type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

// MQTTSource feeds samples straight from the broker into the sink.
type MQTTSource struct {
	client Subscriber
	topic  string
	sink   *Sink
	logger logx.Logger
}

func NewMQTTSource(client Subscriber, topic string, sink *Sink, logger logx.Logger) *MQTTSource {
	return &MQTTSource{client: client, topic: topic, sink: sink, logger: logger.With(slog.String("component", "telemetry"))}
}

func (m *MQTTSource) Start(ctx context.Context) error {
	if err := m.client.Subscribe(m.topic, 1, func(topic string, payload []byte) {
		m.Handle(ctx, topic, payload)
	}); err != nil {
		return err
	}
	m.logger.Info(ctx, "mqtt_subscribed", "subscribed to telemetry", slog.String("topic", m.topic))
	return nil
}

func (m *MQTTSource) Handle(ctx context.Context, topic string, payload []byte) {
	sample, err := DecodeSample(payload)
	if err == nil {
		if sample.DroneID == "" {
			sample.DroneID = mqttx.DeviceID(topic)
		}
		err = m.sink.Sample(ctx, "mqtt", sample)
	}
	if err != nil {
		m.logger.Warn(ctx, "telemetry_dropped", "dropping telemetry message",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
			slog.String("topic", topic),
		)
	}
}

// Bridge republishes MQTT samples as envelopes on drone.telemetry.
type Bridge struct {
	pub    EnvelopePublisher
	source string
	clock  func() time.Time
	logger logx.Logger

	forwarded atomic.Int64
	dropped   atomic.Int64
	lastAt    atomic.Int64
}

// BridgeStats is reported on the bridge's readiness endpoint.
type BridgeStats struct {
	Forwarded     int64     `json:"forwarded"`
	Dropped       int64     `json:"dropped"`
	LastForwarded time.Time `json:"lastForwarded,omitempty"`
}

func (b *Bridge) Stats() BridgeStats {
	st := BridgeStats{Forwarded: b.forwarded.Load(), Dropped: b.dropped.Load()}
	if ns := b.lastAt.Load(); ns != 0 {
		st.LastForwarded = time.Unix(0, ns).UTC()
	}
	return st
}

func NewBridge(pub EnvelopePublisher, source string, clock func() time.Time, logger logx.Logger) *Bridge {
	if clock == nil {
		clock = time.Now
	}
	return &Bridge{pub: pub, source: source, clock: clock, logger: logger.With(slog.String("component", "bridge"))}
}

func (b *Bridge) Forward(ctx context.Context, topic string, payload []byte) error {
	sample, err := DecodeSample(payload)
	if err != nil {
		return err
	}
	if sample.DroneID == "" {
		sample.DroneID = mqttx.DeviceID(topic)
	}
	if sample.DroneID == "" {
		return fmt.Errorf("%w: no droneId in body or topic %q", ErrInvalidSample, topic)
	}
	now := b.clock().UTC()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	env, err := events.New(b.source, events.AggregateDrone, sample.DroneID, events.EventTelemetrySample, sample, now)
	if err != nil {
		return err
	}
	if err := b.pub.PublishEnvelope(ctx, events.TopicDroneTelemetry, env); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}
	b.forwarded.Add(1)
	b.lastAt.Store(now.UnixNano())
	return nil
}

// Handler adapts Forward to an MQTT subscription, logging failures.
func (b *Bridge) Handler(ctx context.Context) mqttx.MessageFunc {
	return func(topic string, payload []byte) {
		if err := b.Forward(ctx, topic, payload); err != nil {
			b.dropped.Add(1)
			b.logger.Warn(ctx, "bridge_forward_failed", "failed to forward telemetry",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
		}
	}
}
