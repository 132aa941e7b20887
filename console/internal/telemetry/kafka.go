package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"drone-surveillance-console/console/internal/mission"
	"drone-surveillance-console/shared/events"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/mqx"
)

type MissionEnder interface {
	CompleteMission(ctx context.Context, droneID string, status string) bool
}

type missionEvent struct {
	DroneID string `json:"droneId"`
	Status  string `json:"status"`
}

// KafkaSource consumes drone.telemetry into the sink and mission.events into
// the mission store. Either reader may be nil.
type KafkaSource struct {
	Telemetry mqx.MessageReader
	Missions  mqx.MessageReader
	GroupID   string
	Sink      *Sink
	Ender     MissionEnder
	Logger    logx.Logger
}

func (k *KafkaSource) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if k.Telemetry != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mqx.Consume(ctx, k.Telemetry, events.TopicDroneTelemetry, k.GroupID, k.Logger, k.HandleTelemetry)
		}()
	}
	if k.Missions != nil && k.Ender != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mqx.Consume(ctx, k.Missions, events.TopicMissionEvents, k.GroupID, k.Logger, k.HandleMission)
		}()
	}
	wg.Wait()
}

func (k *KafkaSource) HandleTelemetry(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return err
	}
	sample, err := DecodeSample(env.Payload)
	if err != nil {
		return err
	}
	if sample.DroneID == "" {
		sample.DroneID = env.AggregateID
	}
	if sample.DroneID == "" {
		sample.DroneID = string(msg.Key)
	}
	return k.Sink.Sample(ctx, "kafka", sample)
}

func (k *KafkaSource) HandleMission(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return err
	}
	var ev missionEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return fmt.Errorf("decode mission event: %w", err)
	}
	if ev.DroneID == "" {
		ev.DroneID = env.AggregateID
	}
	if ev.DroneID == "" {
		return fmt.Errorf("mission event without droneId")
	}
	status := strings.ToUpper(strings.TrimSpace(ev.Status))
	switch status {
	case mission.MissionStatusCompleted, mission.MissionStatusAborted:
	default:
		// Progress updates do not end the mission.
		return nil
	}
	k.Ender.CompleteMission(ctx, ev.DroneID, status)
	return nil
}
