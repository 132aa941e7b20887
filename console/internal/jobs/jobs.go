// Package jobs runs the console's deferred work on asynq: today that is the
// expiry of missions whose completion signal never arrived.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

const TypeMissionExpire = "mission.expire"

type expiryPayload struct {
	DroneID   string    `json:"drone_id"`
	AlertID   string    `json:"alert_id"`
	FlightID  string    `json:"flight_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Scheduler struct {
	client  Enqueuer
	queue   string
	timeout time.Duration
}

func NewScheduler(client Enqueuer, queue string, timeout time.Duration) *Scheduler {
	if strings.TrimSpace(queue) == "" {
		queue = "default"
	}
	return &Scheduler{client: client, queue: queue, timeout: timeout}
}

// ScheduleExpiry enqueues the expiry task for ms. The task id is derived from
// the mission, so a repeated call for the same dispatch is a no-op.
func (s *Scheduler) ScheduleExpiry(ctx context.Context, ms models.ActiveMission) error {
	payload, err := json.Marshal(expiryPayload{
		DroneID:   ms.DroneID,
		AlertID:   ms.AlertID,
		FlightID:  ms.FlightID,
		StartedAt: ms.StartedAt.UTC(),
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeMissionExpire, payload)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.TaskID(expiryTaskID(ms)),
		asynq.ProcessIn(s.timeout),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func expiryTaskID(ms models.ActiveMission) string {
	return "mission-expire:" + ms.DroneID + ":" + strconv.FormatInt(ms.StartedAt.UnixNano(), 10)
}

type Expirer interface {
	ExpireMission(ctx context.Context, droneID string, startedAt time.Time) bool
}

func NewServeMux(exp Expirer, logger logx.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeMissionExpire, HandleExpiry(exp, logger))
	return mux
}

// HandleExpiry ends the mission named by the task. A malformed payload is
// never retried.
func HandleExpiry(exp Expirer, logger logx.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p expiryPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TypeMissionExpire, err, asynq.SkipRetry)
		}
		if strings.TrimSpace(p.DroneID) == "" || p.StartedAt.IsZero() {
			return fmt.Errorf("%s payload missing drone or start time: %w", TypeMissionExpire, asynq.SkipRetry)
		}
		if !exp.ExpireMission(ctx, p.DroneID, p.StartedAt) {
			logger.Debug(ctx, "mission_expiry_skipped", "mission already ended",
				slog.String("drone_id", p.DroneID),
				slog.String("alert_id", p.AlertID),
			)
		}
		return nil
	}
}

// QueueInspector is satisfied by *asynq.Inspector.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// RunQueueMonitor exports the queue depth until ctx is done.
func RunQueueMonitor(ctx context.Context, inspector QueueInspector, queue string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := inspector.GetQueueInfo(queue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(queue, info.Size)
		}
	}
}
