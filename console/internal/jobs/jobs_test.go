package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/logx"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "t1", Type: task.Type()}, nil
}

type fakeExpirer struct {
	droneID   string
	startedAt time.Time
	result    bool
	calls     int
}

func (f *fakeExpirer) ExpireMission(ctx context.Context, droneID string, startedAt time.Time) bool {
	f.calls++
	f.droneID = droneID
	f.startedAt = startedAt
	return f.result
}

var started = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMission() models.ActiveMission {
	return models.ActiveMission{DroneID: "D1", AlertID: "A1", FlightID: "F-1", StartedAt: started}
}

func TestScheduleExpiryEnqueuesDelayedTask(t *testing.T) {
	f := &fakeEnqueuer{}
	s := NewScheduler(f, "console", 30*time.Minute)
	if err := s.ScheduleExpiry(context.Background(), testMission()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(f.tasks) != 1 || f.tasks[0].Type() != TypeMissionExpire {
		t.Fatalf("expected one %s task, got %#v", TypeMissionExpire, f.tasks)
	}
	var p expiryPayload
	if err := json.Unmarshal(f.tasks[0].Payload(), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.DroneID != "D1" || p.AlertID != "A1" || !p.StartedAt.Equal(started) {
		t.Fatalf("unexpected payload: %#v", p)
	}

	seen := map[asynq.OptionType]any{}
	for _, o := range f.opts[0] {
		seen[o.Type()] = o.Value()
	}
	if seen[asynq.QueueOpt] != "console" {
		t.Fatalf("expected queue console, got %v", seen[asynq.QueueOpt])
	}
	if seen[asynq.ProcessInOpt] != 30*time.Minute {
		t.Fatalf("expected 30m delay, got %v", seen[asynq.ProcessInOpt])
	}
	if seen[asynq.TaskIDOpt] != expiryTaskID(testMission()) {
		t.Fatalf("unexpected task id %v", seen[asynq.TaskIDOpt])
	}
}

func TestScheduleExpiryTreatsDuplicateAsDone(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, "", time.Minute)
	if err := s.ScheduleExpiry(context.Background(), testMission()); err != nil {
		t.Fatalf("expected duplicate to be ignored, got %v", err)
	}
	s = NewScheduler(&fakeEnqueuer{err: errors.New("redis down")}, "", time.Minute)
	if err := s.ScheduleExpiry(context.Background(), testMission()); err == nil {
		t.Fatalf("expected enqueue error")
	}
}

func TestExpiryTaskIDDependsOnDispatch(t *testing.T) {
	a := testMission()
	b := testMission()
	b.StartedAt = b.StartedAt.Add(time.Second)
	if expiryTaskID(a) == expiryTaskID(b) {
		t.Fatalf("expected distinct ids for distinct dispatches")
	}
}

func TestHandleExpiry(t *testing.T) {
	exp := &fakeExpirer{result: true}
	mux := NewServeMux(exp, logx.Discard())

	payload, _ := json.Marshal(expiryPayload{DroneID: "D1", AlertID: "A1", StartedAt: started})
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeMissionExpire, payload)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if exp.calls != 1 || exp.droneID != "D1" || !exp.startedAt.Equal(started) {
		t.Fatalf("unexpected expire call: %#v", exp)
	}

	exp.result = false
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeMissionExpire, payload)); err != nil {
		t.Fatalf("expected already-ended mission to succeed, got %v", err)
	}

	for _, bad := range [][]byte{[]byte("{"), []byte(`{"drone_id":"D1"}`)} {
		err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeMissionExpire, bad))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("expected SkipRetry for %q, got %v", bad, err)
		}
	}
	if exp.calls != 2 {
		t.Fatalf("expected malformed payloads not to reach the orchestrator, got %d calls", exp.calls)
	}
}
