package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Source        string          `json:"source,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Actor         string          `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicDroneTelemetry   = "drone.telemetry"
	TopicMissionEvents    = "mission.events"
	TopicConsoleDecisions = "console.decisions"
)

const (
	AggregateDrone = "drone"
	AggregateAlert = "alert"
)

const (
	EventTelemetrySample  = "telemetry_sample"
	EventMissionStatus    = "mission_status"
	EventDroneDispatched  = "drone_dispatched"
	EventAlertNeutralised = "alert_neutralised"
	EventPatrolStarted    = "patrol_started"
)

// New builds an envelope around payload with a fresh id.
func New(source string, aggregateType string, aggregateID string, eventType string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		EventID:       uuid.New(),
		OccurredAt:    at.UTC(),
		Source:        source,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

// Decode parses a Kafka message value. Bare payloads without an envelope are
// accepted and returned with only Payload set, since edge publishers often
// skip the wrapper.
func Decode(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(value)
	}
	return env, nil
}
